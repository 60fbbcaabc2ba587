package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: LinkCreated, Operation: "op"})
	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		assert.Equal(t, LinkCreated, e.Type)
		assert.False(t, e.Time.IsZero())
	}
	assert.Equal(t, 2, bus.Subscribers())
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()
	bus.Publish(Event{Type: FactAdded})
	bus.Publish(Event{Type: FactAdded})
	assert.Equal(t, int64(1), bus.Dropped())
	<-ch
}

func TestBusUnsubscribeTwice(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(0)
	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.Subscribers())
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	bus.Close()
	_, open := <-ch
	assert.False(t, open)
	unsub()
	bus.Publish(Event{Type: LinkUpdated})

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1000)
	defer unsub()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: LinkUpdated})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}

func dialStream(t *testing.T, bus *Bus, query string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(Stream(bus, zap.NewNop()))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readResponse(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func waitSubscribers(t *testing.T, bus *Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Subscribers() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamPushesEvents(t *testing.T) {
	bus := NewBus()
	conn, cleanup := dialStream(t, bus, "")
	defer cleanup()
	waitSubscribers(t, bus, 1)

	bus.Publish(Event{Type: LinkUpdated, Operation: "op-1", Data: map[string]int{"id": 1}})
	resp := readResponse(t, conn)
	assert.Equal(t, "link.updated", resp["type"])
	payload := resp["payload"].(map[string]any)
	assert.Equal(t, "op-1", payload["operation"])
}

func TestStreamFilter(t *testing.T) {
	bus := NewBus()
	conn, cleanup := dialStream(t, bus, "?operation=op-2")
	defer cleanup()
	waitSubscribers(t, bus, 1)

	bus.Publish(Event{Type: LinkUpdated, Operation: "op-1"})
	bus.Publish(Event{Type: FactAdded, Operation: "op-2"})
	resp := readResponse(t, conn)
	assert.Equal(t, "fact.added", resp["type"])

	payload, err := json.Marshal(FilterPayload{Operation: ""})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "filter", Payload: payload}))
	resp = readResponse(t, conn)
	assert.Equal(t, "filtered", resp["type"])

	bus.Publish(Event{Type: LinkCreated, Operation: "op-1"})
	resp = readResponse(t, conn)
	assert.Equal(t, "link.created", resp["type"])
}

func TestStreamControl(t *testing.T) {
	bus := NewBus()
	conn, cleanup := dialStream(t, bus, "")
	defer cleanup()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "ping"}))
	assert.Equal(t, "pong", readResponse(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "dance"}))
	resp := readResponse(t, conn)
	assert.Equal(t, "error", resp["type"])
}

func TestStreamUnsubscribesOnClose(t *testing.T) {
	bus := NewBus()
	conn, cleanup := dialStream(t, bus, "")
	waitSubscribers(t, bus, 1)
	conn.Close()
	waitSubscribers(t, bus, 0)
	cleanup()
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "chainops.events.link.updated", Subject(DefaultPrefix, LinkUpdated))
}

func TestBridgeWithoutConnection(t *testing.T) {
	b := &NATSBridge{prefix: DefaultPrefix, log: zap.NewNop()}
	assert.ErrorIs(t, b.Send(Event{Type: LinkUpdated}), ErrNotConnected)
	assert.False(t, b.IsReady())
	assert.NoError(t, b.Close())

	ch := make(chan Event, 1)
	ch <- Event{Type: LinkUpdated}
	close(ch)
	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestBridgePublishes(t *testing.T) {
	probe, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer probe.Close()

	sub, err := probe.SubscribeSync(Subject("test.chainops", OperationState))
	require.NoError(t, err)

	b, err := NewNATSBridge(nats.DefaultURL, "test.chainops", zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Send(Event{Type: OperationState, Operation: "op-1", Time: time.Now()}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "op-1", msg.Header.Get("x-operation"))
}
