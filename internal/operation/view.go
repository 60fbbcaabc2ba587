package operation

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/planner"
)

// View is the full operation document polled by the console.
type View struct {
	ID                 string                         `json:"id"`
	Name               string                         `json:"name"`
	Adversary          *catalog.Adversary             `json:"adversary"`
	Group              string                         `json:"group"`
	Planner            string                         `json:"planner"`
	State              State                          `json:"state"`
	Autonomous         int                            `json:"autonomous"`
	Jitter             string                         `json:"jitter"`
	Phase              int                            `json:"phase"`
	Start              string                         `json:"start"`
	Finish             string                         `json:"finish"`
	StopRequested      bool                           `json:"stop_requested"`
	Visibility         int                            `json:"visibility"`
	AllowUntrusted     bool                           `json:"allow_untrusted"`
	Cleanup            CleanupDecision                `json:"cleanup"`
	StoppingConditions []StopCondition                `json:"stopping_conditions"`
	Chain              []link.Wire                    `json:"chain"`
	Abilities          []*catalog.Ability             `json:"abilities"`
	HostGroup          []agent.Agent                  `json:"host_group"`
	Facts              []fact.Fact                    `json:"facts"`
	SkippedAbilities   []map[string][]planner.Skipped `json:"skipped_abilities"`
	KnownHosts         []string                       `json:"known_hosts"`
	KnownRats          map[string][]string            `json:"known_rats"`
	KnownCredentials   []fact.Fact                    `json:"known_credentials"`
	Audit              []AuditEntry                   `json:"audit"`
	Error              string                         `json:"error,omitempty"`

	StartTime  time.Time `json:"-"`
	FinishTime time.Time `json:"-"`
}

// View builds the operation document. Repeated calls without intervening
// mutations return equal documents. Link output is only included when
// withOutput is set.
func (o *Operation) View(withOutput bool) View {
	o.mu.Lock()
	defer o.mu.Unlock()

	v := View{
		ID:                 o.rec.ID,
		Name:               o.rec.Name,
		Adversary:          o.adversary,
		Group:              o.rec.Group,
		Planner:            o.rec.Planner,
		State:              o.rec.State,
		Jitter:             strconv.Itoa(o.rec.JitterMin) + "/" + strconv.Itoa(o.rec.JitterMax),
		Phase:              o.rec.Phase + 1,
		Start:              formatTime(o.rec.Start),
		Finish:             formatTime(o.rec.Finish),
		StopRequested:      o.rec.StopRequested,
		Visibility:         o.rec.Visibility,
		AllowUntrusted:     o.rec.AllowUntrusted,
		Cleanup:            o.rec.Cleanup,
		StoppingConditions: append([]StopCondition{}, o.rec.StoppingConditions...),
		Chain:              make([]link.Wire, 0, len(o.chain)),
		Abilities:          []*catalog.Ability{},
		HostGroup:          o.agents.InGroup(o.rec.Group),
		Facts:              o.facts.All(),
		SkippedAbilities:   []map[string][]planner.Skipped{},
		KnownRats:          make(map[string][]string),
		KnownCredentials:   []fact.Fact{},
		Audit:              append([]AuditEntry{}, o.audit...),
		Error:              o.rec.Error,
		StartTime:          o.rec.Start,
		FinishTime:         o.rec.Finish,
	}
	if o.rec.Autonomous {
		v.Autonomous = 1
	}
	if v.HostGroup == nil {
		v.HostGroup = []agent.Agent{}
	}

	hosts := make(map[string]bool)
	rats := make(map[string]map[string]bool)
	for _, l := range o.chain {
		v.Chain = append(v.Chain, l.ToWire(withOutput))
		if l.Host == "" {
			continue
		}
		hosts[l.Host] = true
		if rats[l.Host] == nil {
			rats[l.Host] = make(map[string]bool)
		}
		rats[l.Host][l.Paw] = true
	}
	for _, f := range v.Facts {
		switch {
		case strings.HasSuffix(f.Trait, "host.name") || strings.HasSuffix(f.Trait, "hostname"):
			hosts[f.Value] = true
		case isCredential(f.Trait):
			v.KnownCredentials = append(v.KnownCredentials, f)
		}
	}
	v.KnownHosts = sortedKeys(hosts)
	for host, paws := range rats {
		v.KnownRats[host] = sortedKeys(paws)
	}

	seen := make(map[string]bool)
	for _, id := range o.adversary.AbilityIDs() {
		if seen[id] {
			continue
		}
		seen[id] = true
		if ab, err := o.cat.Ability(id); err == nil {
			v.Abilities = append(v.Abilities, ab)
		}
	}

	byPaw := make(map[string][]planner.Skipped)
	for _, s := range o.rec.Skipped {
		byPaw[s.Paw] = append(byPaw[s.Paw], s)
	}
	for _, paw := range sortedKeys(byPaw) {
		list := byPaw[paw]
		planner.SortSkipped(list)
		v.SkippedAbilities = append(v.SkippedAbilities, map[string][]planner.Skipped{paw: list})
	}
	return v
}

func isCredential(trait string) bool {
	for _, k := range []string{"password", "credential", "hash"} {
		if strings.Contains(trait, k) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(link.TimeFormat)
}
