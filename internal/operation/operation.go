// Package operation owns running operations: the chain of links, phase
// progression, operator actions and stopping conditions. Every mutation of an
// operation goes through its mutex.
package operation

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/planner"
)

// State is the lifecycle state of an operation.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCleanup    State = "cleanup"
	StateFinished   State = "finished"
)

// CleanupDecision answers the cleanup gate reached once phases are exhausted.
type CleanupDecision string

const (
	CleanupAsk     CleanupDecision = "ask"
	CleanupPerform CleanupDecision = "perform"
	CleanupSkip    CleanupDecision = "skip"
)

// State names accepted by SetState.
const (
	RequestRunning        = "running"
	RequestPaused         = "paused"
	RequestFinished       = "finished"
	RequestPerformCleanup = "perform_cleanup"
	RequestSkipCleanup    = "skip_cleanup"
)

// StopCondition finishes the operation once a matching fact is collected.
type StopCondition struct {
	Trait string `json:"trait" yaml:"trait"`
	Value string `json:"value" yaml:"value"`
}

// AuditEntry records an operator or engine action on an operation.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	LinkID   int       `json:"link_id,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Override bool      `json:"override"`
	Conflict bool      `json:"conflict"`
	Note     string    `json:"note,omitempty"`
}

// Record is the persisted scalar state of an operation.
type Record struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	AdversaryID        string            `json:"adversary_id"`
	Group              string            `json:"group"`
	Planner            string            `json:"planner"`
	State              State             `json:"state"`
	Autonomous         bool              `json:"autonomous"`
	JitterMin          int               `json:"jitter_min"`
	JitterMax          int               `json:"jitter_max"`
	Phase              int               `json:"phase"`
	StopRequested      bool              `json:"stop_requested"`
	Visibility         int               `json:"visibility"`
	AllowUntrusted     bool              `json:"allow_untrusted"`
	Cleanup            CleanupDecision   `json:"cleanup"`
	CleanupStarted     bool              `json:"cleanup_started"`
	StoppingConditions []StopCondition   `json:"stopping_conditions"`
	Skipped            []planner.Skipped `json:"skipped"`
	NextLinkID         int               `json:"next_link_id"`
	Start              time.Time         `json:"start"`
	Finish             time.Time         `json:"finish"`
	Error              string            `json:"error,omitempty"`
}

// Persister stores operation state. A failing call aborts the operation.
type Persister interface {
	SaveOperation(r Record) error
	SaveLink(l *link.Link) error
	SaveFact(opID string, f fact.Fact) error
	SaveAudit(opID string, e AuditEntry) error
}

type nopPersister struct{}

func (nopPersister) SaveOperation(Record) error         { return nil }
func (nopPersister) SaveLink(*link.Link) error          { return nil }
func (nopPersister) SaveFact(string, fact.Fact) error   { return nil }
func (nopPersister) SaveAudit(string, AuditEntry) error { return nil }

// Agents is the view of the agent registry an operation needs.
type Agents interface {
	InGroup(group string) []agent.Agent
	Get(paw string) (agent.Agent, error)
}

// Result is an agent-reported outcome for a link.
type Result struct {
	LinkID int
	Output string
	Status int
	PID    int
}

// Outcome summarises a planning cycle.
type Outcome struct {
	Added    int
	Advanced int
}

// Operation is one independently addressable run of an adversary profile.
type Operation struct {
	mu        sync.Mutex
	rec       Record
	adversary *catalog.Adversary
	planner   planner.Planner
	chain     []*link.Link
	facts     *fact.Store
	audit     []AuditEntry

	cat    *catalog.Catalog
	agents Agents
	store  Persister
	events events.Publisher
	log    *zap.Logger
	server string
	now    func() time.Time
}

// ID returns the operation id.
func (o *Operation) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.ID
}

// Name returns the operation name.
func (o *Operation) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.Name
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.State
}

// Phase returns the zero-based phase index.
func (o *Operation) Phase() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.Phase
}

// Record returns a copy of the persisted state.
func (o *Operation) Record() Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recordLocked()
}

func (o *Operation) recordLocked() Record {
	r := o.rec
	r.StoppingConditions = append([]StopCondition(nil), o.rec.StoppingConditions...)
	r.Skipped = append([]planner.Skipped(nil), o.rec.Skipped...)
	return r
}

// Jitter returns the operation's delivery jitter override in seconds.
func (o *Operation) Jitter() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.JitterMin, o.rec.JitterMax
}

// Chain returns copies of every link in order.
func (o *Operation) Chain() []*link.Link {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*link.Link, len(o.chain))
	for i, l := range o.chain {
		out[i] = l.Clone()
	}
	return out
}

// Link returns a copy of the link with id.
func (o *Operation) Link(id int) (*link.Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l := o.find(id)
	if l == nil {
		return nil, notFound("link %d in operation %s", id, o.rec.ID)
	}
	return l.Clone(), nil
}

// LinkByUnique returns the id of the link with the given unique id.
func (o *Operation) LinkByUnique(unique string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.chain {
		if l.Unique == unique {
			return l.ID, true
		}
	}
	return 0, false
}

// HasPaw reports whether any link targets paw.
func (o *Operation) HasPaw(paw string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.chain {
		if l.Paw == paw {
			return true
		}
	}
	return false
}

// Facts returns every fact known to the operation.
func (o *Operation) Facts() []fact.Fact {
	return o.facts.All()
}

// Audit returns the audit log.
func (o *Operation) Audit() []AuditEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AuditEntry(nil), o.audit...)
}

// Cycle runs one planning cycle. It proposes links for the current phase and
// advances the phase when every link of it is terminal and the planner has
// nothing more to add. A storage failure returns an error of kind
// KindStorage; the operation is then finished.
func (o *Operation) Cycle(ctx context.Context) (Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out Outcome
	for {
		switch o.rec.State {
		case StateCleanup:
			if o.rec.CleanupStarted && o.allTerminal() {
				o.finishLocked("cleanup complete")
			}
			return out, o.storageErr()
		case StateRunning:
		default:
			return out, nil
		}
		if o.rec.StopRequested {
			if !o.inFlight() {
				o.finishLocked("stop requested")
			}
			return out, o.storageErr()
		}
		added := o.planLocked(ctx)
		out.Added += added
		if o.rec.Error != "" {
			return out, o.storageErr()
		}
		if added > 0 || !o.phaseDone() {
			return out, nil
		}
		o.advanceLocked()
		out.Advanced++
	}
}

// AdvancePhase moves to the next phase. On exhaustion the operation enters
// cleanup, or finishes when the cleanup decision is skip.
func (o *Operation) AdvancePhase() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.State != StateRunning {
		return invalidTransition("advance phase of %s operation", o.rec.State)
	}
	o.advanceLocked()
	return o.storageErr()
}

func (o *Operation) planLocked(ctx context.Context) int {
	abilities, missing := o.cat.Phase(o.adversary, o.rec.Phase)
	for _, id := range missing {
		o.log.Warn("ability missing from catalog", zap.String("op", o.rec.ID), zap.String("ability", id))
	}
	p := o.planner.Propose(ctx, planner.Input{
		OperationID: o.rec.ID,
		Phase:       o.rec.Phase,
		Abilities:   abilities,
		Agents:      o.agents.InGroup(o.rec.Group),
		Facts:       o.facts,
		Chain:       o.chain,
		Env:         o.env(),
	})
	o.recordSkipped(p.Skipped)

	status := link.StatusPendingReview
	if o.rec.Autonomous {
		status = link.StatusQueued
	}
	added := 0
	for _, l := range p.Links {
		if o.rec.Error != "" {
			break
		}
		if _, err := o.appendLocked(l, status); err != nil {
			o.log.Debug("proposal rejected", zap.String("op", o.rec.ID), zap.Error(err))
			continue
		}
		added++
		o.clearSkipped(l.Paw, l.AbilityID)
	}
	if added > 0 || len(p.Skipped) > 0 {
		o.saveRecord()
	}
	return added
}

func (o *Operation) env() planner.Env {
	return planner.Env{Server: o.server, Group: o.rec.Group, Visibility: o.rec.Visibility}
}

// recordSkipped keeps one entry per (paw, ability), the latest reason wins.
func (o *Operation) recordSkipped(skipped []planner.Skipped) {
	for _, s := range skipped {
		replaced := false
		for i, cur := range o.rec.Skipped {
			if cur.Paw == s.Paw && cur.AbilityID == s.AbilityID {
				o.rec.Skipped[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			o.rec.Skipped = append(o.rec.Skipped, s)
			o.publish(events.AbilitySkipped, s)
		}
	}
}

func (o *Operation) clearSkipped(paw, abilityID string) {
	kept := o.rec.Skipped[:0]
	for _, s := range o.rec.Skipped {
		if s.Paw != paw || s.AbilityID != abilityID {
			kept = append(kept, s)
		}
	}
	o.rec.Skipped = kept
}

// appendLocked adds l to the chain with status. A non-terminal link with the
// same (ability, paw, command) is a conflict.
func (o *Operation) appendLocked(l *link.Link, status link.Status) (*link.Link, error) {
	h := l.Hash()
	for _, c := range o.chain {
		if !c.Status.Terminal() && c.Hash() == h {
			return nil, conflict("ability %s is already pending for %s", l.AbilityID, l.Paw)
		}
	}
	o.rec.NextLinkID++
	l.ID = o.rec.NextLinkID
	l.Unique = uuid.NewString()
	l.OperationID = o.rec.ID
	l.Status = status
	l.Decide = o.now()
	if l.Rendered == "" {
		l.Rendered = l.Command
	}
	l.Command = planner.ReplaceOrigin(l.Command, strconv.Itoa(l.ID))
	l.Jitter = o.jitter()
	o.chain = append(o.chain, l)

	o.saveLink(l)
	o.publish(events.LinkCreated, l.ToWire(false))
	o.log.Debug("link added",
		zap.String("op", o.rec.ID),
		zap.Int("link", l.ID),
		zap.String("paw", l.Paw),
		zap.String("ability", l.AbilityID),
		zap.Stringer("status", l.Status))
	return l, nil
}

func (o *Operation) jitter() int {
	lo, hi := o.rec.JitterMin, o.rec.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

func (o *Operation) advanceLocked() {
	o.rec.Phase++
	o.log.Info("phase advanced", zap.String("op", o.rec.ID), zap.Int("phase", o.rec.Phase+1))
	o.publish(events.OperationPhase, map[string]int{"phase": o.rec.Phase + 1})
	if o.rec.Phase >= len(o.adversary.Phases) {
		o.enterCleanupLocked()
		return
	}
	o.saveRecord()
}

func (o *Operation) enterCleanupLocked() {
	o.discardLeftoversLocked()
	switch o.rec.Cleanup {
	case CleanupSkip:
		o.finishLocked("cleanup skipped")
	case CleanupPerform:
		o.setStateLocked(StateCleanup)
		o.startCleanupLocked()
	default:
		o.setStateLocked(StateCleanup)
	}
}

// discardLeftoversLocked discards regular links still waiting to be
// dispatched. Cleanup only runs cleanup links.
func (o *Operation) discardLeftoversLocked() {
	now := o.now()
	for _, l := range o.chain {
		if l.Cleanup || !l.Status.Pending() {
			continue
		}
		o.addAudit(AuditEntry{
			Actor:  "system",
			Action: "discard",
			LinkID: l.ID,
			From:   l.Status.String(),
			To:     link.StatusDiscarded.String(),
			Note:   "entering cleanup",
		})
		l.Status = link.StatusDiscarded
		l.Finish = now
		o.saveLink(l)
		o.publish(events.LinkUpdated, l.ToWire(false))
	}
}

// startCleanupLocked appends one cleanup link per successful link whose
// executor declares a cleanup command, newest first.
func (o *Operation) startCleanupLocked() {
	o.rec.CleanupStarted = true
	added := 0
	for i := len(o.chain) - 1; i >= 0; i-- {
		l := o.chain[i]
		if l.Cleanup || l.Status != link.StatusSuccess {
			continue
		}
		ex := o.executorFor(l)
		if ex == nil || ex.Cleanup == "" {
			continue
		}
		r := planner.Render(ex.Cleanup, o.agentFor(l), o.env(), o.facts)
		if len(r.Missing) > 0 {
			o.log.Warn("cleanup unresolved",
				zap.String("op", o.rec.ID), zap.Int("link", l.ID), zap.Strings("missing", r.Missing))
			continue
		}
		cmd := planner.ReplaceOrigin(r.Command, strconv.Itoa(l.ID))
		c := &link.Link{
			AbilityID:      l.AbilityID,
			AbilityVersion: l.AbilityVersion,
			Executor:       l.Executor,
			Paw:            l.Paw,
			Host:           l.Host,
			Command:        cmd,
			Rendered:       cmd,
			Cleanup:        true,
			Phase:          o.rec.Phase,
			Timeout:        ex.Timeout,
			Used:           r.Used,
		}
		if c.Timeout <= 0 {
			c.Timeout = catalog.DefaultTimeout
		}
		if _, err := o.appendLocked(c, link.StatusQueued); err == nil {
			added++
		}
	}
	if added == 0 {
		o.finishLocked("nothing to clean up")
		return
	}
	o.saveRecord()
}

func (o *Operation) executorFor(l *link.Link) *catalog.Executor {
	ab, err := o.cat.AbilityVersion(l.AbilityID, l.AbilityVersion)
	if err != nil {
		return nil
	}
	if ag, err := o.agents.Get(l.Paw); err == nil {
		if ex, ok := ab.ExecutorNamed(ag.Platform, l.Executor); ok {
			return ex
		}
	}
	for i := range ab.Executors {
		if ab.Executors[i].Name == l.Executor {
			return &ab.Executors[i]
		}
	}
	return nil
}

func (o *Operation) agentFor(l *link.Link) agent.Agent {
	if ag, err := o.agents.Get(l.Paw); err == nil {
		return ag
	}
	return agent.Agent{Paw: l.Paw, Host: l.Host, Group: o.rec.Group}
}

func (o *Operation) find(id int) *link.Link {
	for _, l := range o.chain {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (o *Operation) phaseDone() bool {
	for _, l := range o.chain {
		if l.Phase == o.rec.Phase && !l.Cleanup && !l.Status.Terminal() {
			return false
		}
	}
	return true
}

func (o *Operation) inFlight() bool {
	for _, l := range o.chain {
		if l.Status == link.StatusInProgress {
			return true
		}
	}
	return false
}

func (o *Operation) allTerminal() bool {
	for _, l := range o.chain {
		if !l.Status.Terminal() {
			return false
		}
	}
	return true
}

func (o *Operation) setStateLocked(s State) {
	if o.rec.State == s {
		return
	}
	o.rec.State = s
	o.log.Info("operation state", zap.String("op", o.rec.ID), zap.String("state", string(s)))
	o.publish(events.OperationState, map[string]string{"state": string(s)})
	o.saveRecord()
}

func (o *Operation) finishLocked(reason string) {
	if o.rec.State == StateFinished {
		return
	}
	o.rec.Finish = o.now()
	o.log.Info("operation finished", zap.String("op", o.rec.ID), zap.String("reason", reason))
	o.setStateLocked(StateFinished)
}

// abortLocked finishes the operation after a storage failure. The chain is
// kept in memory for inspection.
func (o *Operation) abortLocked(err error) {
	if o.rec.Error != "" {
		return
	}
	o.rec.Error = err.Error()
	o.rec.State = StateFinished
	o.rec.Finish = o.now()
	o.log.Error("operation aborted", zap.String("op", o.rec.ID), zap.Error(err))
	o.publish(events.OperationState, map[string]string{"state": string(StateFinished), "error": o.rec.Error})
	if err := o.store.SaveOperation(o.recordLocked()); err != nil {
		o.log.Error("save aborted operation", zap.String("op", o.rec.ID), zap.Error(err))
	}
}

func (o *Operation) storageErr() error {
	if o.rec.Error == "" {
		return nil
	}
	return &Error{Kind: KindStorage, Message: o.rec.Error}
}

func (o *Operation) saveRecord() {
	if o.rec.Error != "" {
		return
	}
	if err := o.store.SaveOperation(o.recordLocked()); err != nil {
		o.abortLocked(err)
	}
}

func (o *Operation) saveLink(l *link.Link) {
	if o.rec.Error != "" {
		return
	}
	if err := o.store.SaveLink(l); err != nil {
		o.abortLocked(err)
	}
}

func (o *Operation) saveFact(f fact.Fact) {
	if o.rec.Error != "" {
		return
	}
	if err := o.store.SaveFact(o.rec.ID, f); err != nil {
		o.abortLocked(err)
	}
}

func (o *Operation) addAudit(e AuditEntry) {
	e.Time = o.now()
	o.audit = append(o.audit, e)
	if o.rec.Error != "" {
		return
	}
	if err := o.store.SaveAudit(o.rec.ID, e); err != nil {
		o.abortLocked(err)
	}
}

func (o *Operation) publish(t events.Type, data any) {
	o.events.Publish(events.Event{Type: t, Operation: o.rec.ID, Time: o.now(), Data: data})
}
