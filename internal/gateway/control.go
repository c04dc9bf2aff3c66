package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// controlFrame is one bus event pushed to a control client.
type controlFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleControlUpgrade serves GET /ws: a read-only control socket that
// streams the gateway's internal bus events (pairing lifecycle, wallet
// links, delivery failures) to operator tooling. Clients send nothing;
// slow consumers miss events rather than back-pressuring publishers,
// matching the bus's non-blocking delivery.
func (s *Server) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, controlFrame{Topic: "control.hello"}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, controlFrame{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
