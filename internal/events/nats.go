package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// DefaultPrefix is the subject prefix for engine events.
	DefaultPrefix = "chainops.events"
	// ConnectTimeout bounds the initial NATS connection.
	ConnectTimeout = 10 * time.Second
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("nats bridge not connected")

// NATSBridge republishes engine events on NATS subjects
// <prefix>.<event type>, for example chainops.events.link.updated.
type NATSBridge struct {
	mu     sync.RWMutex
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

// NewNATSBridge connects to url.
func NewNATSBridge(url, prefix string, log *zap.Logger) (*NATSBridge, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("chainops"),
		nats.Timeout(ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	log.Info("nats bridge connected", zap.String("url", url), zap.String("prefix", prefix))
	return &NATSBridge{conn: conn, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event of type t is published on.
func Subject(prefix string, t Type) string {
	return prefix + "." + string(t)
}

// Send publishes e.
func (b *NATSBridge) Send(e Event) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	msg := nats.NewMsg(Subject(b.prefix, e.Type))
	msg.Data = data
	msg.Header.Set("x-event-type", string(e.Type))
	if e.Operation != "" {
		msg.Header.Set("x-operation", e.Operation)
	}
	msg.Header.Set("x-timestamp", fmt.Sprintf("%d", e.Time.UnixMilli()))
	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event %s: %w", e.Type, err)
	}
	return nil
}

// Run forwards events until ctx is cancelled or events is closed. Failed
// sends are logged and skipped.
func (b *NATSBridge) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := b.Send(e); err != nil {
				b.log.Warn("nats publish failed", zap.String("type", string(e.Type)), zap.Error(err))
			}
		}
	}
}

// IsReady reports whether the connection is up.
func (b *NATSBridge) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains and closes the connection.
func (b *NATSBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	b.conn = nil
	return err
}
