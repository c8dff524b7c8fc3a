package api

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stridelab/footscan/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers connect from the app's webview origin
	},
}

// wsMessage is what a viewer sends: subscribe or unsubscribe for a scan id.
type wsMessage struct {
	Action string `json:"action"`
	ScanID string `json:"scan_id"`
	Token  string `json:"token,omitempty"`
}

// wsResponse frames server-to-viewer traffic. Events carry the notification
// payload; errors carry a message and leave the connection open.
type wsResponse struct {
	Type    string `json:"type"` // subscribed, unsubscribed, event, error
	ScanID  string `json:"scan_id,omitempty"`
	Event   any    `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleWS runs one viewer connection. A connection may watch any number of
// scans; each subscription pumps events from its own goroutine, serialized
// onto the socket by a shared write lock. When the socket closes, every
// subscription owned by the connection is dropped.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("[api] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	var writeMu sync.Mutex
	send := func(resp wsResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			monitoring.Logf("[api] websocket write to %s failed: %v", connID, err)
		}
	}
	defer s.notifier.DropConn(connID)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			monitoring.Logf("[api] viewer %s disconnected: %v", connID, err)
			return
		}

		switch msg.Action {
		case "subscribe":
			if msg.ScanID == "" {
				send(wsResponse{Type: "error", Message: "scan_id is required"})
				continue
			}
			// An unauthorized subscribe is refused on the same
			// connection; other subscriptions keep flowing.
			if !s.auth.Authorized(msg.Token, msg.ScanID) {
				monitoring.Logf("[security] viewer %s refused for scan %s", connID, msg.ScanID)
				send(wsResponse{Type: "error", ScanID: msg.ScanID, Message: "not authorized for this scan"})
				continue
			}
			sub := s.notifier.Subscribe(msg.ScanID, connID)
			send(wsResponse{Type: "subscribed", ScanID: msg.ScanID})
			go func() {
				for ev := range sub.Events() {
					send(wsResponse{Type: "event", ScanID: ev.ScanID, Event: ev})
				}
			}()

		case "unsubscribe":
			s.notifier.Unsubscribe(msg.ScanID, connID)
			send(wsResponse{Type: "unsubscribed", ScanID: msg.ScanID})

		default:
			send(wsResponse{Type: "error", Message: "unknown action"})
		}
	}
}
