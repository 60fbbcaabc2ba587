package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/ratelimit"
)

// WSMessage is a client control message on the event stream.
type WSMessage struct {
	Type    string          `json:"type"` // "filter", "ping"
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is a JSON message sent to the client.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// FilterPayload restricts the stream to one operation. An empty operation
// clears the filter.
type FilterPayload struct {
	Operation string `json:"operation"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// Stream returns an HTTP handler that upgrades connections to WebSocket and
// pushes every bus event to the client. The operation query parameter sets
// an initial filter.
func Stream(bus *Bus, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade", zap.Error(err))
			return
		}
		defer conn.Close()

		events, unsubscribe := bus.Subscribe(256)
		defer unsubscribe()

		filter := r.URL.Query().Get("operation")
		control := make(chan WSMessage, 8)
		done := make(chan struct{})
		go readControl(conn, control, done, log)

		for {
			select {
			case <-done:
				return
			case msg := <-control:
				if err := write(conn, handleControl(msg, &filter)); err != nil {
					log.Debug("websocket write", zap.Error(err))
					return
				}
			case e, open := <-events:
				if !open {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(time.Second))
					return
				}
				if filter != "" && e.Operation != filter {
					continue
				}
				if err := write(conn, WSResponse{Type: string(e.Type), Payload: e}); err != nil {
					log.Debug("websocket write", zap.Error(err))
					return
				}
			}
		}
	}
}

// readControl forwards client messages until the connection fails. Messages
// over the rate limit are answered with an error.
func readControl(conn *websocket.Conn, out chan<- WSMessage, done chan<- struct{}, log *zap.Logger) {
	defer close(done)
	limiter := ratelimit.New(60, time.Minute)
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			msg = WSMessage{Type: "rate_limited"}
		}
		select {
		case out <- msg:
		default:
		}
	}
}

func handleControl(msg WSMessage, filter *string) WSResponse {
	switch msg.Type {
	case "ping":
		return WSResponse{Type: "pong", Payload: map[string]string{"status": "ok"}}
	case "filter":
		var p FilterPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errorResponse("invalid filter payload")
		}
		*filter = p.Operation
		return WSResponse{Type: "filtered", Payload: p}
	case "rate_limited":
		return errorResponse("rate limit exceeded")
	}
	return errorResponse("unknown message type: " + msg.Type)
}

func write(conn *websocket.Conn, resp WSResponse) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(resp)
}

func errorResponse(message string) WSResponse {
	return WSResponse{
		Type:    "error",
		Payload: map[string]string{"error": message},
	}
}
