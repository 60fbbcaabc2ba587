// Package scheduler delivers queued links to agents and feeds their results
// back into operations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
)

var tracer = otel.Tracer("github.com/ssd-technologies/chainops/internal/scheduler")

// ErrUnknownLink is returned for results that match no link.
var ErrUnknownLink = errors.New("unknown link")

// Result is an execution result carried by a beacon. Output is base64.
type Result struct {
	Unique string `json:"unique"`
	Output string `json:"output"`
	Status int    `json:"status"`
	PID    int    `json:"pid"`
}

// Beacon is an agent check-in with any finished results.
type Beacon struct {
	agent.Beacon
	Results []Result `json:"results"`
}

// Instruction is a link handed to an agent. Command is base64.
type Instruction struct {
	ID        int    `json:"id"`
	Unique    string `json:"unique"`
	Operation string `json:"operation"`
	Command   string `json:"command"`
	Executor  string `json:"executor"`
	Timeout   int    `json:"timeout"`
	Jitter    int    `json:"jitter"`
}

// Response is returned to a beaconing agent.
type Response struct {
	Paw   string        `json:"paw"`
	Sleep int           `json:"sleep"`
	Links []Instruction `json:"links"`
}

// Config tunes the dispatcher.
type Config struct {
	// Tick is the background loop interval.
	Tick time.Duration
	// Deadline is the grace period after a link's timeout, and the longest a
	// queued link waits for an absent agent.
	Deadline time.Duration
	// StaleAfter marks agents untrusted when they have not checked in.
	StaleAfter time.Duration
}

// Dispatcher hands out links and ingests results.
type Dispatcher struct {
	mu   sync.Mutex
	next map[string]time.Time

	ops    *operation.Manager
	agents *agent.Registry
	events events.Publisher
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

// New creates a dispatcher. Zero config values get defaults.
func New(ops *operation.Manager, agents *agent.Registry, pub events.Publisher, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 2 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		next:   make(map[string]time.Time),
		ops:    ops,
		agents: agents,
		events: pub,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Checkin registers the agent, ingests its results and hands out at most one
// queued link per operation, subject to the agent's delivery gate.
func (d *Dispatcher) Checkin(ctx context.Context, b Beacon) (Response, error) {
	ag, first, err := d.agents.Checkin(b.Beacon)
	if err != nil {
		return Response{}, err
	}
	if first {
		d.log.Info("agent registered", zap.String("paw", ag.Paw), zap.String("host", ag.Host))
	}
	d.events.Publish(events.Event{Type: events.AgentCheckin, Data: ag})

	for _, r := range b.Results {
		if err := d.SubmitResult(ctx, r); err != nil {
			d.log.Warn("result rejected", zap.String("paw", ag.Paw), zap.String("unique", r.Unique), zap.Error(err))
		}
	}

	resp := Response{Paw: ag.Paw, Sleep: sleepFor(ag.SleepMin, ag.SleepMax), Links: []Instruction{}}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if until, ok := d.next[ag.Paw]; ok && now.Before(until) {
		resp.Sleep = int(until.Sub(now).Seconds()) + 1
		return resp, nil
	}

	jitterMin, jitterMax := ag.SleepMin, ag.SleepMax
	for _, op := range d.ops.Active() {
		l := op.Dispatch(ag.Paw, ag.Trusted)
		if l == nil {
			continue
		}
		resp.Links = append(resp.Links, Instruction{
			ID:        l.ID,
			Unique:    l.Unique,
			Operation: l.OperationID,
			Command:   link.Encode(l.Command),
			Executor:  l.Executor,
			Timeout:   l.Timeout,
			Jitter:    l.Jitter,
		})
		if lo, hi := op.Jitter(); hi > 0 {
			jitterMin, jitterMax = lo, hi
		}
	}
	if len(resp.Links) > 0 {
		delay := sleepFor(jitterMin, jitterMax)
		d.next[ag.Paw] = now.Add(time.Duration(delay) * time.Second)
		resp.Sleep = delay
		d.log.Debug("links delivered", zap.String("paw", ag.Paw), zap.Int("links", len(resp.Links)), zap.Int("sleep", delay))
	}
	return resp, nil
}

func sleepFor(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

// SubmitResult completes the link identified by r.Unique and runs a planning
// cycle for its operation.
func (d *Dispatcher) SubmitResult(ctx context.Context, r Result) error {
	ctx, span := tracer.Start(ctx, "scheduler.result", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("link.unique", r.Unique), attribute.Int("link.status", r.Status))

	op, id, ok := d.ops.FindLink(r.Unique)
	if !ok {
		return fmt.Errorf("submit result %s: %w", r.Unique, ErrUnknownLink)
	}
	output, err := link.Decode(r.Output)
	if err != nil {
		return fmt.Errorf("submit result %s: %w", r.Unique, err)
	}
	if _, _, err := op.Complete(operation.Result{LinkID: id, Output: output, Status: r.Status, PID: r.PID}); err != nil {
		return fmt.Errorf("submit result %s: %w", r.Unique, err)
	}
	if _, err := op.Cycle(ctx); err != nil {
		return fmt.Errorf("plan after result %s: %w", r.Unique, err)
	}
	return nil
}

// Sweep times out overdue links in every active operation and returns how
// many were changed.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) int {
	lastSeen := func(paw string) (time.Time, bool) {
		ag, err := d.agents.Get(paw)
		if err != nil {
			return time.Time{}, false
		}
		return ag.LastSeen, true
	}
	total := 0
	for _, op := range d.ops.Active() {
		n := op.Sweep(now, lastSeen, d.cfg.Deadline)
		if n == 0 {
			continue
		}
		total += n
		if _, err := op.Cycle(ctx); err != nil {
			d.log.Error("plan after sweep", zap.String("op", op.ID()), zap.Error(err))
		}
	}
	return total
}

// Run is the background loop: sweep, cycle every running operation and mark
// silent agents untrusted. It returns when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.Tick):
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if n := d.Sweep(ctx, d.now()); n > 0 {
		d.log.Info("links timed out", zap.Int("count", n))
	}
	for _, op := range d.ops.Active() {
		if op.State() != operation.StateRunning {
			continue
		}
		if _, err := op.Cycle(ctx); err != nil {
			d.log.Error("planning cycle", zap.String("op", op.ID()), zap.Error(err))
		}
	}
	if stale := d.agents.MarkStale(d.cfg.StaleAfter); len(stale) > 0 {
		d.log.Warn("agents marked untrusted", zap.Strings("paws", stale))
	}
	d.pruneGates()
}

// pruneGates forgets delivery gates of removed agents.
func (d *Dispatcher) pruneGates() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for paw := range d.next {
		if _, err := d.agents.Get(paw); err != nil {
			delete(d.next, paw)
		}
	}
}
