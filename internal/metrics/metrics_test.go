package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
)

func TestObserve(t *testing.T) {
	m := New()
	m.Observe(events.Event{Type: events.LinkCreated})
	m.Observe(events.Event{Type: events.LinkCreated})
	m.Observe(events.Event{Type: events.LinkUpdated, Data: link.Wire{State: "success"}})
	m.Observe(events.Event{Type: events.FactAdded})
	m.Observe(events.Event{Type: events.OperationState, Data: map[string]string{"state": "finished"}})
	m.Observe(events.Event{Type: events.OperatorOverride})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinksCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinkTransitions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactsAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateChanges.WithLabelValues("finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Overrides))
}

func TestRunFromBus(t *testing.T) {
	m := New()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx, ch)
		close(done)
	}()

	bus.Publish(events.Event{Type: events.AgentCheckin})
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Checkins) == 1 }, time.Second, 5*time.Millisecond)
	unsub()
	<-done
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New()
	m.TrackOperations(func() map[operation.State]int {
		return map[operation.State]int{operation.StateRunning: 3}
	})
	m.TrackBus(events.NewBus())

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `chainops_operations{state="running"} 3`), text)
	assert.True(t, strings.Contains(text, "chainops_events_dropped 0"), text)
}
