package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/parser"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var beacon = Beacon{Beacon: agent.Beacon{Paw: "p1", Host: "h1", Platform: "linux", Executors: []string{"sh"}}}

type harness struct {
	d   *Dispatcher
	m   *operation.Manager
	reg *agent.Registry
	now time.Time
}

func newHarness(t *testing.T, phases ...[]string) *harness {
	t.Helper()
	cat := catalog.New()
	for _, ab := range []catalog.Ability{
		{ID: "a", Name: "hostname", Tactic: "discovery", Executors: []catalog.Executor{{
			Platform: "linux", Name: "sh", Command: "hostname",
			Parsers: []parser.Rule{{Kind: parser.KindLine, Trait: "host.name"}},
		}}},
		{ID: "b", Name: "ping", Tactic: "discovery", Executors: []catalog.Executor{{
			Platform: "linux", Name: "sh", Command: "ping #{host.name}",
		}}},
	} {
		_, err := cat.PutAbility(ab)
		require.NoError(t, err)
	}
	require.NoError(t, cat.PutAdversary(catalog.Adversary{ID: "adv", Name: "adv", Phases: phases}))

	reg := agent.NewRegistry(0, 0)
	m := operation.NewManager(operation.Options{Catalog: cat, Agents: reg})
	h := &harness{m: m, reg: reg, now: time.Now()}
	h.d = New(m, reg, nil, Config{Tick: 10 * time.Millisecond, Deadline: time.Minute}, nil)
	h.d.now = func() time.Time { return h.now }

	_, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T, opts operation.StartOptions) *operation.Operation {
	t.Helper()
	opts.AdversaryID = "adv"
	if opts.Name == "" {
		opts.Name = "op"
	}
	op, err := h.m.Start(context.Background(), opts)
	require.NoError(t, err)
	return op
}

func result(unique, output string, status int) Result {
	return Result{Unique: unique, Output: link.Encode(output), Status: status, PID: 42}
}

func TestCheckinDeliversQueuedLink(t *testing.T) {
	h := newHarness(t, []string{"a"})
	op := h.start(t, operation.StartOptions{Autonomous: true})

	resp, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	assert.Equal(t, "p1", resp.Paw)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, "aG9zdG5hbWU=", resp.Links[0].Command)
	assert.Equal(t, op.ID(), resp.Links[0].Operation)

	l, err := op.Link(resp.Links[0].ID)
	require.NoError(t, err)
	assert.Equal(t, link.StatusInProgress, l.Status)
	assert.Equal(t, link.CodeExecute, l.ToWire(false).Status)
	assert.True(t, l.Collected())

	// Nothing else to run.
	resp, err = h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	assert.Empty(t, resp.Links)
}

func TestResultChainsNextAbility(t *testing.T) {
	h := newHarness(t, []string{"a"}, []string{"b"})
	op := h.start(t, operation.StartOptions{Autonomous: true, Cleanup: operation.CleanupSkip})

	resp, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)

	next := beacon
	next.Results = []Result{result(resp.Links[0].Unique, "web01\n", 0)}
	resp, err = h.d.Checkin(context.Background(), next)
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, link.Encode("ping web01"), resp.Links[0].Command)

	chain := op.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, link.StatusSuccess, chain[0].Status)
	assert.Equal(t, 42, chain[0].PID)
	assert.Equal(t, "web01\n", string(chain[0].Output))
	assert.Equal(t, 1, op.Phase())
}

func TestDeliveryGate(t *testing.T) {
	h := newHarness(t, []string{"a"})
	h.start(t, operation.StartOptions{Name: "one", Autonomous: true, JitterMin: 30, JitterMax: 30})
	resp, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, 30, resp.Sleep)

	h.start(t, operation.StartOptions{Name: "two", Autonomous: true})
	resp, err = h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	assert.Empty(t, resp.Links, "gate should hold the second delivery")
	assert.Positive(t, resp.Sleep)

	h.now = h.now.Add(31 * time.Second)
	resp, err = h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	assert.Len(t, resp.Links, 1)
}

func TestUntrustedAgent(t *testing.T) {
	h := newHarness(t, []string{"a"})
	trusted := false
	_, err := h.reg.Update("p1", agent.Patch{Trusted: &trusted})
	require.NoError(t, err)
	op := h.start(t, operation.StartOptions{Autonomous: true})

	resp, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	assert.Empty(t, resp.Links)
	assert.Equal(t, link.StatusUntrusted, op.Chain()[0].Status)
}

func TestSubmitUnknownResult(t *testing.T) {
	h := newHarness(t, []string{"a"})
	err := h.d.SubmitResult(context.Background(), result("nope", "", 0))
	assert.True(t, errors.Is(err, ErrUnknownLink))
}

func TestSubmitBadOutput(t *testing.T) {
	h := newHarness(t, []string{"a"})
	op := h.start(t, operation.StartOptions{Autonomous: true})
	resp, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)

	err = h.d.SubmitResult(context.Background(), Result{Unique: resp.Links[0].Unique, Output: "%%%"})
	assert.Error(t, err)
	assert.Equal(t, link.StatusInProgress, op.Chain()[0].Status)
}

func TestSweep(t *testing.T) {
	h := newHarness(t, []string{"a"})
	op := h.start(t, operation.StartOptions{Autonomous: true, Cleanup: operation.CleanupSkip})
	resp, err := h.d.Checkin(context.Background(), beacon)
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)

	assert.Zero(t, h.d.Sweep(context.Background(), time.Now()))
	later := time.Now().Add(time.Duration(resp.Links[0].Timeout)*time.Second + 2*time.Minute)
	assert.Equal(t, 1, h.d.Sweep(context.Background(), later))

	chain := op.Chain()
	assert.Equal(t, link.StatusTimeout, chain[0].Status)
	assert.Equal(t, link.CodeTimeout, chain[0].ToWire(false).Status)
	assert.Equal(t, operation.StateFinished, op.State())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, []string{"a"})
	h.start(t, operation.StartOptions{Autonomous: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
