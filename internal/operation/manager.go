package operation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/planner"
)

// DefaultVisibility is used when an operation does not set one. Abilities
// scoring above the operation's visibility are not planned.
const DefaultVisibility = catalog.DefaultVisibility

// Options wires a Manager to its collaborators. Only Catalog and Agents are
// required.
type Options struct {
	Catalog *catalog.Catalog
	Agents  Agents
	Store   Persister
	Events  events.Publisher
	Logger  *zap.Logger
	// Server is substituted for #{server}.
	Server string
}

// StartOptions are the parameters of a new operation.
type StartOptions struct {
	Name               string          `json:"name"`
	AdversaryID        string          `json:"adversary_id"`
	Group              string          `json:"group"`
	Planner            string          `json:"planner"`
	Autonomous         bool            `json:"autonomous"`
	JitterMin          int             `json:"jitter_min"`
	JitterMax          int             `json:"jitter_max"`
	Visibility         int             `json:"visibility"`
	AllowUntrusted     bool            `json:"allow_untrusted"`
	Cleanup            CleanupDecision `json:"cleanup"`
	StoppingConditions []StopCondition `json:"stopping_conditions"`
	Facts              []fact.Fact     `json:"facts"`
}

// Manager is the arena of operations keyed by id.
type Manager struct {
	mu    sync.RWMutex
	ops   map[string]*Operation
	names map[string]struct{}

	cat    *catalog.Catalog
	agents Agents
	store  Persister
	events events.Publisher
	log    *zap.Logger
	server string
	now    func() time.Time
}

// NewManager creates an empty arena.
func NewManager(opts Options) *Manager {
	m := &Manager{
		ops:    make(map[string]*Operation),
		names:  make(map[string]struct{}),
		cat:    opts.Catalog,
		agents: opts.Agents,
		store:  opts.Store,
		events: opts.Events,
		log:    opts.Logger,
		server: opts.Server,
		now:    time.Now,
	}
	if m.store == nil {
		m.store = nopPersister{}
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

func (m *Manager) validate(opts *StartOptions) (*catalog.Adversary, planner.Planner, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return nil, nil, ValidationError("name required")
	}
	adv, err := m.cat.Adversary(opts.AdversaryID)
	if err != nil {
		return nil, nil, &Error{Kind: KindValidation, Message: "unknown adversary " + opts.AdversaryID, Cause: err}
	}
	p, err := planner.Lookup(opts.Planner)
	if err != nil {
		return nil, nil, &Error{Kind: KindValidation, Message: "unknown planner", Cause: err}
	}
	if len(m.agents.InGroup(opts.Group)) == 0 {
		return nil, nil, ValidationError("no agents in group %q", opts.Group)
	}
	if opts.JitterMin < 0 || opts.JitterMax < opts.JitterMin {
		return nil, nil, ValidationError("invalid jitter %d/%d", opts.JitterMin, opts.JitterMax)
	}
	switch opts.Cleanup {
	case "":
		opts.Cleanup = CleanupAsk
	case CleanupAsk, CleanupPerform, CleanupSkip:
	default:
		return nil, nil, ValidationError("unknown cleanup decision %q", opts.Cleanup)
	}
	if opts.Visibility == 0 {
		opts.Visibility = DefaultVisibility
	}
	if opts.Visibility < 1 || opts.Visibility > 100 {
		return nil, nil, ValidationError("visibility %d out of range 1-100", opts.Visibility)
	}
	for _, c := range opts.StoppingConditions {
		if c.Trait == "" || c.Value == "" {
			return nil, nil, ValidationError("stopping condition needs trait and value")
		}
	}
	return adv, p, nil
}

// reserve claims name for a new operation. Names stay claimed for the life
// of the arena.
func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[name]; ok {
		return ValidationError("operation %q already exists", name)
	}
	m.names[name] = struct{}{}
	return nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.names, name)
	m.mu.Unlock()
}

// Start validates opts, creates the operation in running and plans its first
// phase. Nothing is created when validation fails.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Operation, error) {
	adv, p, err := m.validate(&opts)
	if err != nil {
		return nil, err
	}
	if err := m.reserve(opts.Name); err != nil {
		return nil, err
	}
	rec := Record{
		ID:                 uuid.NewString(),
		Name:               opts.Name,
		AdversaryID:        adv.ID,
		Group:              opts.Group,
		Planner:            p.Name(),
		State:              StateRunning,
		Autonomous:         opts.Autonomous,
		JitterMin:          opts.JitterMin,
		JitterMax:          opts.JitterMax,
		Visibility:         opts.Visibility,
		AllowUntrusted:     opts.AllowUntrusted,
		Cleanup:            opts.Cleanup,
		StoppingConditions: append([]StopCondition(nil), opts.StoppingConditions...),
		Start:              m.now(),
	}
	if err := m.store.SaveOperation(rec); err != nil {
		m.release(rec.Name)
		return nil, &Error{Kind: KindStorage, Message: "save operation", Cause: err}
	}
	op := m.build(rec, adv, p)
	for _, f := range opts.Facts {
		f.LinkID = 0
		if stored, ok := op.facts.Add(f); ok {
			if err := m.store.SaveFact(rec.ID, stored); err != nil {
				return nil, &Error{Kind: KindStorage, Message: "save fact", Cause: err}
			}
		}
	}

	m.mu.Lock()
	m.ops[rec.ID] = op
	m.mu.Unlock()

	m.log.Info("operation started",
		zap.String("op", rec.ID),
		zap.String("name", rec.Name),
		zap.String("adversary", rec.AdversaryID),
		zap.String("planner", rec.Planner))
	op.publish(events.OperationState, map[string]string{"state": string(StateRunning)})
	if _, err := op.Cycle(ctx); err != nil {
		return op, err
	}
	return op, nil
}

func (m *Manager) build(rec Record, adv *catalog.Adversary, p planner.Planner) *Operation {
	return &Operation{
		rec:       rec,
		adversary: adv,
		planner:   p,
		facts:     fact.NewStore(),
		cat:       m.cat,
		agents:    m.agents,
		store:     m.store,
		events:    m.events,
		log:       m.log,
		server:    m.server,
		now:       m.now,
	}
}

// Restore rebuilds a persisted operation into the arena. An adversary that is
// no longer in the catalog is kept as an empty profile.
func (m *Manager) Restore(rec Record, chain []*link.Link, facts []fact.Fact, audit []AuditEntry) *Operation {
	adv, err := m.cat.Adversary(rec.AdversaryID)
	if err != nil {
		adv = &catalog.Adversary{ID: rec.AdversaryID}
	}
	p, err := planner.Lookup(rec.Planner)
	if err != nil {
		p = planner.Batch{}
	}
	op := m.build(rec, adv, p)
	op.chain = chain
	for _, l := range chain {
		if l.ID > op.rec.NextLinkID {
			op.rec.NextLinkID = l.ID
		}
	}
	for _, f := range facts {
		op.facts.Add(f)
	}
	op.audit = audit

	m.mu.Lock()
	m.ops[rec.ID] = op
	m.names[rec.Name] = struct{}{}
	m.mu.Unlock()
	return op
}

// Get returns the operation with id.
func (m *Manager) Get(id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, notFound("operation %s", id)
	}
	return op, nil
}

// ByName returns the operation named name.
func (m *Manager) ByName(name string) (*Operation, error) {
	for _, op := range m.List() {
		if op.Name() == name {
			return op, nil
		}
	}
	return nil, notFound("operation %q", name)
}

// Lookup resolves ref as an id, then as a name.
func (m *Manager) Lookup(ref string) (*Operation, error) {
	if op, err := m.Get(ref); err == nil {
		return op, nil
	}
	return m.ByName(ref)
}

// List returns every operation ordered by start time.
func (m *Manager) List() []*Operation {
	m.mu.RLock()
	out := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	m.mu.RUnlock()
	recs := make(map[*Operation]Record, len(out))
	for _, op := range out {
		recs[op] = op.Record()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := recs[out[i]], recs[out[j]]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
	return out
}

// Active returns operations that are not finished.
func (m *Manager) Active() []*Operation {
	var out []*Operation
	for _, op := range m.List() {
		if op.State() != StateFinished {
			out = append(out, op)
		}
	}
	return out
}

// UsesAgent reports whether an unfinished operation has links for paw.
func (m *Manager) UsesAgent(paw string) bool {
	for _, op := range m.Active() {
		if op.HasPaw(paw) {
			return true
		}
	}
	return false
}

// FindLink locates the operation owning the link with unique id.
func (m *Manager) FindLink(unique string) (*Operation, int, bool) {
	for _, op := range m.List() {
		if id, ok := op.LinkByUnique(unique); ok {
			return op, id, true
		}
	}
	return nil, 0, false
}

// Counts returns the number of operations per state.
func (m *Manager) Counts() map[State]int {
	out := make(map[State]int)
	for _, op := range m.List() {
		out[op.State()]++
	}
	return out
}
