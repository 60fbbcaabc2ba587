// Package planner decides which links an operation should run next.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
)

var tracer = otel.Tracer("github.com/ssd-technologies/chainops/internal/planner")

// Skip reasons.
const (
	ReasonMissingFact = "missing fact"
	ReasonNoExecutor  = "no executor for platform"
	ReasonPrivilege   = "privilege not fulfilled"
	ReasonVisibility  = "above operation visibility"
)

// Skipped records an ability that could not be planned for an agent.
type Skipped struct {
	Paw         string `json:"paw"`
	AbilityID   string `json:"ability_id"`
	AbilityName string `json:"ability_name"`
	Reason      string `json:"reason"`
	Phase       int    `json:"phase"`
}

// Input is everything a planner may look at.
type Input struct {
	OperationID string
	Phase       int
	Abilities   []*catalog.Ability
	Agents      []agent.Agent
	Facts       *fact.Store
	Chain       []*link.Link
	Env         Env
}

// Proposal is a planner decision. Links carry no id or status yet.
type Proposal struct {
	Links   []*link.Link
	Skipped []Skipped
}

// Planner proposes the next links for an operation phase.
type Planner interface {
	Name() string
	Propose(ctx context.Context, in Input) Proposal
}

// Lookup returns the planner registered under name.
func Lookup(name string) (Planner, error) {
	switch name {
	case "", BatchName:
		return Batch{}, nil
	case AtomicName:
		return Atomic{}, nil
	}
	return nil, fmt.Errorf("unknown planner %q", name)
}

// Names lists the registered planners.
func Names() []string {
	return []string{AtomicName, BatchName}
}

// existing indexes the chain by dedup hash.
func existing(chain []*link.Link) map[string]bool {
	out := make(map[string]bool, len(chain))
	for _, l := range chain {
		out[l.Hash()] = true
	}
	return out
}

// build resolves ab for ag. It returns either a link or a skip record; both
// are nil when the link already exists in the chain.
func build(in Input, ag agent.Agent, ab *catalog.Ability, seen map[string]bool) (*link.Link, *Skipped) {
	skip := func(reason string) *Skipped {
		return &Skipped{Paw: ag.Paw, AbilityID: ab.ID, AbilityName: ab.Name, Reason: reason, Phase: in.Phase}
	}
	if in.Env.Visibility > 0 && ab.VisibilityScore() > in.Env.Visibility {
		return nil, skip(ReasonVisibility)
	}
	if ab.Privilege == catalog.PrivilegeElevated && !ag.Elevated() {
		return nil, skip(ReasonPrivilege)
	}
	ex, ok := ab.Executor(ag.Platform, ag.Executors)
	if !ok {
		return nil, skip(ReasonNoExecutor)
	}
	r := Render(ex.Command, ag, in.Env, in.Facts)
	if len(r.Missing) > 0 {
		return nil, skip(ReasonMissingFact + ": " + strings.Join(r.Missing, ", "))
	}
	l := &link.Link{
		OperationID:    in.OperationID,
		AbilityID:      ab.ID,
		AbilityVersion: ab.Version,
		Executor:       ex.Name,
		Paw:            ag.Paw,
		Host:           ag.Host,
		Command:        r.Command,
		Rendered:       r.Command,
		Score:          r.Score,
		Phase:          in.Phase,
		Timeout:        ex.Timeout,
		Used:           r.Used,
	}
	if l.Timeout <= 0 {
		l.Timeout = catalog.DefaultTimeout
	}
	if seen[l.Hash()] {
		return nil, nil
	}
	seen[l.Hash()] = true
	return l, nil
}

// BatchName is the default planner.
const BatchName = "batch"

// Batch proposes every ability of the phase for every agent.
type Batch struct{}

func (Batch) Name() string { return BatchName }

func (Batch) Propose(ctx context.Context, in Input) Proposal {
	_, span := tracer.Start(ctx, "planner.batch")
	defer span.End()

	var p Proposal
	seen := existing(in.Chain)
	for _, ag := range in.Agents {
		for _, ab := range in.Abilities {
			l, s := build(in, ag, ab, seen)
			if l != nil {
				p.Links = append(p.Links, l)
			}
			if s != nil {
				p.Skipped = append(p.Skipped, *s)
			}
		}
	}
	span.SetAttributes(
		attribute.String("operation", in.OperationID),
		attribute.Int("phase", in.Phase),
		attribute.Int("links", len(p.Links)),
		attribute.Int("skipped", len(p.Skipped)))
	return p
}

// AtomicName is the one-link-at-a-time planner.
const AtomicName = "atomic"

// Atomic proposes, per agent, the first ability of the phase that has not run
// yet. Agents with an unfinished link get nothing.
type Atomic struct{}

func (Atomic) Name() string { return AtomicName }

func (Atomic) Propose(ctx context.Context, in Input) Proposal {
	_, span := tracer.Start(ctx, "planner.atomic")
	defer span.End()

	busy := make(map[string]bool)
	for _, l := range in.Chain {
		if !l.Status.Terminal() {
			busy[l.Paw] = true
		}
	}
	var p Proposal
	seen := existing(in.Chain)
	for _, ag := range in.Agents {
		if busy[ag.Paw] {
			continue
		}
		for _, ab := range in.Abilities {
			l, s := build(in, ag, ab, seen)
			if s != nil {
				p.Skipped = append(p.Skipped, *s)
			}
			if l != nil {
				p.Links = append(p.Links, l)
				break
			}
		}
	}
	span.SetAttributes(
		attribute.String("operation", in.OperationID),
		attribute.Int("phase", in.Phase),
		attribute.Int("links", len(p.Links)))
	return p
}

// SortSkipped orders skip records by paw, then ability id.
func SortSkipped(s []Skipped) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Paw != s[j].Paw {
			return s[i].Paw < s[j].Paw
		}
		return s[i].AbilityID < s[j].AbilityID
	})
}
