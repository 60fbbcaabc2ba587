package operation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/planner"
)

// Dispatch hands paw its next queued link, stamping collect. Links for an
// untrusted agent become untrusted instead, unless the operation allows
// untrusted agents. It returns nil when there is nothing to run.
func (o *Operation) Dispatch(paw string, trusted bool) *link.Link {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.State != StateRunning && o.rec.State != StateCleanup {
		return nil
	}
	now := o.now()
	for _, l := range o.chain {
		if l.Paw != paw || l.Status != link.StatusQueued {
			continue
		}
		if o.rec.State == StateCleanup && !l.Cleanup {
			continue
		}
		if !trusted && !o.rec.AllowUntrusted {
			l.Status = link.StatusUntrusted
			l.Finish = now
			o.saveLink(l)
			o.publish(events.LinkUpdated, l.ToWire(false))
			o.log.Warn("link for untrusted agent", zap.String("op", o.rec.ID), zap.Int("link", l.ID), zap.String("paw", paw))
			continue
		}
		l.Status = link.StatusInProgress
		l.Collect = now
		o.saveLink(l)
		o.publish(events.LinkUpdated, l.ToWire(false))
		return l.Clone()
	}
	return nil
}

// Complete records an agent result: stamps finish, stores the output, runs
// the executor's parsers and evaluates stopping conditions. A result for a
// timed-out link is still parsed but its status stays timeout. Results for
// other finished links are ignored so that agents may retry.
func (o *Operation) Complete(res Result) (*link.Link, []fact.Fact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l := o.find(res.LinkID)
	if l == nil {
		return nil, nil, notFound("link %d in operation %s", res.LinkID, o.rec.ID)
	}
	switch l.Status {
	case link.StatusInProgress:
		l.Status = link.FromExitCode(res.Status)
	case link.StatusTimeout:
	default:
		if l.Status.Terminal() {
			return l.Clone(), nil, nil
		}
		return nil, nil, invalidTransition("link %d is %s, not dispatched", l.ID, l.Status)
	}
	l.Finish = o.now()
	l.PID = res.PID
	l.ExitCode = res.Status
	l.Output = []byte(res.Output)

	var added []fact.Fact
	if ex := o.executorFor(l); ex != nil && len(ex.Parsers) > 0 {
		src := fact.Source{LinkID: l.ID, Paw: l.Paw, AbilityID: l.AbilityID}
		if ab, err := o.cat.AbilityVersion(l.AbilityID, l.AbilityVersion); err == nil {
			src.TechniqueID = ab.TechniqueID
		}
		added = o.facts.Ingest(src, ex.Parsers, res.Output, o.log)
	}
	l.Facts = append(l.Facts, added...)
	o.saveLink(l)
	for _, f := range added {
		o.saveFact(f)
		o.publish(events.FactAdded, f)
	}
	o.publish(events.LinkUpdated, l.ToWire(false))
	o.log.Info("link finished",
		zap.String("op", o.rec.ID),
		zap.Int("link", l.ID),
		zap.String("paw", l.Paw),
		zap.String("ability", l.AbilityID),
		zap.Stringer("status", l.Status),
		zap.Int("facts", len(added)))

	o.evaluateLocked(added)
	if o.rec.StopRequested && !o.inFlight() {
		o.finishLocked("stop requested")
	}
	return l.Clone(), added, o.storageErr()
}

// Sweep times out in-flight links running longer than their timeout plus
// deadline, and queued links whose agent has not been seen within deadline.
// lastSeen reports when an agent last checked in.
func (o *Operation) Sweep(now time.Time, lastSeen func(paw string) (time.Time, bool), deadline time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.State == StateFinished {
		return 0
	}
	n := 0
	for _, l := range o.chain {
		switch l.Status {
		case link.StatusInProgress:
			limit := l.Collect.Add(time.Duration(l.Timeout)*time.Second + deadline)
			if !now.After(limit) {
				continue
			}
		case link.StatusQueued:
			if now.Sub(l.Decide) <= deadline {
				continue
			}
			if seen, ok := lastSeen(l.Paw); ok && now.Sub(seen) <= deadline {
				continue
			}
		default:
			continue
		}
		l.Status = link.StatusTimeout
		l.ExitCode = link.CodeTimeout
		l.Finish = now
		o.saveLink(l)
		o.publish(events.LinkUpdated, l.ToWire(false))
		o.log.Warn("link timed out", zap.String("op", o.rec.ID), zap.Int("link", l.ID), zap.String("paw", l.Paw))
		n++
	}
	if n > 0 && o.rec.StopRequested && !o.inFlight() {
		o.finishLocked("stop requested")
	}
	return n
}

// LinkAction is an operator request against one link.
type LinkAction struct {
	Actor  string
	LinkID int
	Status link.Status
	// Command replaces the command of a link that has not been dispatched.
	Command *string
	// Expected, when set, is the status the operator saw. A mismatch is
	// recorded as a conflict; the action still applies.
	Expected *link.Status
}

// UpdateLink approves, edits or discards a link. Moving a link out of a
// terminal status is an override and is audited as such.
func (o *Operation) UpdateLink(a LinkAction) (*link.Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.State == StateFinished {
		return nil, invalidTransition("operation %s is finished", o.rec.ID)
	}
	l := o.find(a.LinkID)
	if l == nil {
		return nil, notFound("link %d in operation %s", a.LinkID, o.rec.ID)
	}
	if a.Status != link.StatusQueued && a.Status != link.StatusDiscarded {
		return nil, ValidationError("link status %d is not an operator action", a.Status.Code())
	}
	if o.rec.State == StateCleanup && !l.Cleanup && a.Status == link.StatusQueued {
		return nil, invalidTransition("operation %s is cleaning up, link %d is not a cleanup link", o.rec.ID, l.ID)
	}
	e := AuditEntry{
		Actor:  a.Actor,
		Action: "approve",
		LinkID: l.ID,
		From:   l.Status.String(),
		To:     a.Status.String(),
	}
	if a.Status == link.StatusDiscarded {
		e.Action = "discard"
	}
	if a.Expected != nil && *a.Expected != l.Status {
		e.Conflict = true
		e.Note = "expected " + a.Expected.String()
		o.log.Warn("operator conflict",
			zap.String("op", o.rec.ID), zap.Int("link", l.ID),
			zap.Stringer("expected", *a.Expected), zap.Stringer("status", l.Status))
	}
	if a.Command != nil {
		if !l.Status.Pending() {
			return nil, invalidTransition("link %d is %s, command can no longer change", l.ID, l.Status)
		}
		if a.Status != link.StatusQueued {
			return nil, ValidationError("edited command must be approved")
		}
		if missing := unresolved(*a.Command); len(missing) > 0 {
			return nil, ValidationError("command has unresolved variables: %v", missing)
		}
		l.Command = *a.Command
		e.Action = "edit"
	}
	if l.Status == a.Status && a.Command == nil {
		return l.Clone(), nil
	}
	if l.Status != a.Status && !link.CanTransition(l.Status, a.Status) {
		e.Override = true
	}
	if e.Override && a.Status == link.StatusQueued {
		l.Collect = time.Time{}
		l.Finish = time.Time{}
		l.Output = nil
		l.PID = 0
		l.ExitCode = 0
	}
	if a.Status == link.StatusDiscarded && l.Status != link.StatusDiscarded {
		l.Finish = o.now()
	}
	l.Status = a.Status

	o.addAudit(e)
	o.saveLink(l)
	o.publish(events.LinkUpdated, l.ToWire(false))
	if e.Override {
		o.publish(events.OperatorOverride, e)
	}
	return l.Clone(), o.storageErr()
}

// unresolved lists the placeholders left in command, ignoring
// origin_link_id.
func unresolved(command string) []string {
	var out []string
	for _, v := range planner.Variables(command) {
		if v != planner.OriginLinkID {
			out = append(out, v)
		}
	}
	return out
}

// SetAutonomous switches between autonomous and human-in-the-loop planning.
// Links already waiting for review keep waiting.
func (o *Operation) SetAutonomous(actor string, on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.Autonomous == on {
		return nil
	}
	o.rec.Autonomous = on
	to := "manual"
	if on {
		to = "autonomous"
	}
	o.addAudit(AuditEntry{Actor: actor, Action: "autonomous", To: to})
	o.saveRecord()
	o.publish(events.OperationState, map[string]any{"state": string(o.rec.State), "autonomous": on})
	return o.storageErr()
}

// SetState applies an operator state request: running, paused, finished,
// perform_cleanup or skip_cleanup. The cleanup requests may be sent before
// the cleanup gate is reached; they then preset the decision.
func (o *Operation) SetState(actor, req string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.rec.State
	switch req {
	case RequestPaused:
		if st == StatePaused {
			return nil
		}
		if st != StateRunning {
			return invalidTransition("cannot pause %s operation", st)
		}
		o.setStateLocked(StatePaused)
	case RequestRunning:
		if st == StateRunning {
			return nil
		}
		if st != StatePaused && st != StateNotStarted {
			return invalidTransition("cannot resume %s operation", st)
		}
		o.setStateLocked(StateRunning)
	case RequestFinished:
		if st == StateFinished {
			return nil
		}
		o.requestStopLocked(actor, "operator")
	case RequestPerformCleanup, RequestSkipCleanup:
		decision := CleanupPerform
		if req == RequestSkipCleanup {
			decision = CleanupSkip
		}
		switch st {
		case StateRunning, StatePaused:
			o.rec.Cleanup = decision
			o.saveRecord()
		case StateCleanup:
			if o.rec.CleanupStarted {
				return invalidTransition("cleanup already running")
			}
			o.rec.Cleanup = decision
			if decision == CleanupPerform {
				o.startCleanupLocked()
			} else {
				o.finishLocked("cleanup skipped")
			}
		default:
			return invalidTransition("cannot %s in %s operation", req, st)
		}
	default:
		return ValidationError("unknown state %q", req)
	}
	o.addAudit(AuditEntry{Actor: actor, Action: "state", From: string(st), To: req})
	return o.storageErr()
}

// RequestStop stops planning, discards links that have not been dispatched
// and finishes the operation once nothing is in flight.
func (o *Operation) RequestStop(actor, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestStopLocked(actor, reason)
	return o.storageErr()
}

func (o *Operation) requestStopLocked(actor, reason string) {
	if o.rec.State == StateFinished {
		return
	}
	o.rec.StopRequested = true
	now := o.now()
	for _, l := range o.chain {
		if !l.Status.Pending() {
			continue
		}
		from := l.Status
		l.Status = link.StatusDiscarded
		l.Finish = now
		o.saveLink(l)
		o.addAudit(AuditEntry{
			Actor:  actor,
			Action: "discard",
			LinkID: l.ID,
			From:   from.String(),
			To:     l.Status.String(),
			Note:   reason,
		})
		o.publish(events.LinkUpdated, l.ToWire(false))
	}
	if o.inFlight() {
		o.saveRecord()
		return
	}
	o.finishLocked(reason)
}

// EvaluateStoppingConditions stops the operation when any of facts matches a
// configured stopping condition. It reports whether a stop was requested.
func (o *Operation) EvaluateStoppingConditions(facts []fact.Fact) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evaluateLocked(facts)
}

func (o *Operation) evaluateLocked(facts []fact.Fact) bool {
	if o.rec.StopRequested || o.rec.State == StateFinished {
		return false
	}
	for _, f := range facts {
		for _, c := range o.rec.StoppingConditions {
			if f.Trait == c.Trait && f.Value == c.Value {
				o.log.Info("stopping condition met",
					zap.String("op", o.rec.ID), zap.String("trait", c.Trait), zap.String("value", c.Value))
				o.requestStopLocked("system", "stopping condition "+c.Trait+"="+c.Value)
				return true
			}
		}
	}
	return false
}

// Potential runs the exploratory planner over the whole catalog for paw, or
// for every agent of the group when paw is empty.
func (o *Operation) Potential(ctx context.Context, paw string) ([]planner.Candidate, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	agents := o.agents.InGroup(o.rec.Group)
	if paw != "" {
		ag, err := o.agents.Get(paw)
		if err != nil {
			return nil, &Error{Kind: KindNotFound, Message: "agent " + paw, Cause: err}
		}
		agents = []agent.Agent{ag}
	}
	return planner.Potential(ctx, planner.Input{
		OperationID: o.rec.ID,
		Phase:       o.rec.Phase,
		Abilities:   o.cat.Abilities(),
		Agents:      agents,
		Facts:       o.facts,
		Chain:       o.chain,
		Env:         o.env(),
	}, o.now()), nil
}

// Promote appends an exploratory candidate to the chain. It is queued when
// the operation is autonomous, otherwise it waits as pending_addition. An
// empty command is rendered from the ability.
func (o *Operation) Promote(actor, abilityID, paw, command string) (*link.Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.State != StateRunning && o.rec.State != StatePaused {
		return nil, invalidTransition("cannot add links to %s operation", o.rec.State)
	}
	ab, err := o.cat.Ability(abilityID)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Message: "ability " + abilityID, Cause: err}
	}
	ag, err := o.agents.Get(paw)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Message: "agent " + paw, Cause: err}
	}
	ex, ok := ab.Executor(ag.Platform, ag.Executors)
	if !ok {
		return nil, ValidationError("ability %s has no executor for %s", ab.ID, ag.Paw)
	}
	r := planner.Render(ex.Command, ag, o.env(), o.facts)
	if command == "" {
		command = r.Command
	}
	rendered := r.Command
	if len(r.Missing) > 0 {
		rendered = command
	}
	if missing := unresolved(command); len(missing) > 0 {
		return nil, ValidationError("command has unresolved variables: %v", missing)
	}
	l := &link.Link{
		AbilityID:      ab.ID,
		AbilityVersion: ab.Version,
		Executor:       ex.Name,
		Paw:            ag.Paw,
		Host:           ag.Host,
		Command:        command,
		Rendered:       rendered,
		Score:          r.Score,
		Phase:          o.rec.Phase,
		Timeout:        ex.Timeout,
		Used:           r.Used,
	}
	if l.Timeout <= 0 {
		l.Timeout = catalog.DefaultTimeout
	}
	status := link.StatusPendingAddition
	if o.rec.Autonomous {
		status = link.StatusQueued
	}
	added, err := o.appendLocked(l, status)
	if err != nil {
		return nil, err
	}
	o.clearSkipped(l.Paw, l.AbilityID)
	o.addAudit(AuditEntry{Actor: actor, Action: "add", LinkID: added.ID, To: status.String()})
	o.saveRecord()
	return added.Clone(), o.storageErr()
}
