package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/store"
)

// wireInbound is the JSON frame a webchat client sends.
type wireInbound struct {
	Type string `json:"type"` // "message" | "callback"
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"` // callback token
}

// wireOutbound is the JSON frame pushed to a webchat client.
type wireOutbound struct {
	Type      string     `json:"type"` // "message" | "edit" | "delete"
	MessageID string     `json:"message_id,omitempty"`
	Text      string     `json:"text,omitempty"`
	Buttons   [][]Button `json:"buttons,omitempty"`
}

// WebchatConfig configures the WebchatChannel.
type WebchatConfig struct {
	Path             string
	DMPolicy         config.DMPolicy
	DraftMinInterval time.Duration
	Pairing          *store.Store
	Gate             *TransportGate
	Logger           *slog.Logger
	OnMessage        MessageHandler
	OnCallback       CallbackHandler
}

// WebchatChannel implements the Channel and Transport interfaces for the
// browser WebSocket chat. Each connection is treated as one chat; text
// and attachments are supported, group policy does not apply.
type WebchatChannel struct {
	cfg WebchatConfig

	connsMu sync.RWMutex
	conns   map[string]*webchatConn
}

type webchatConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	userID string
}

// NewWebchatChannel constructs a webchat adapter. Call Upgrade from an
// HTTP handler registered at cfg.Path to admit a new connection.
func NewWebchatChannel(cfg WebchatConfig) *WebchatChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebchatChannel{cfg: cfg, conns: make(map[string]*webchatConn)}
}

func (w *WebchatChannel) Name() string { return "webchat" }

// Start is a no-op beyond blocking for shutdown; connections are
// admitted via Upgrade from the gateway's HTTP mux, not via a polling
// loop owned by this adapter.
func (w *WebchatChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	w.connsMu.Lock()
	for id, c := range w.conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(w.conns, id)
	}
	w.connsMu.Unlock()
	return nil
}

// Upgrade accepts a new WebSocket connection and runs its read loop
// until the client disconnects or the request context is cancelled.
func (w *WebchatChannel) Upgrade(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, nil)
	if err != nil {
		return
	}
	chatID := uuid.NewString()
	c := &webchatConn{conn: conn, userID: chatID}

	w.connsMu.Lock()
	w.conns[chatID] = c
	w.connsMu.Unlock()
	w.cfg.Logger.Info("webchat client connected", "chat_id", chatID)

	defer func() {
		w.connsMu.Lock()
		delete(w.conns, chatID)
		w.connsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var in wireInbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		switch in.Type {
		case "message":
			allowed, handled := enforceDMPolicy(ctx, w.cfg.Pairing, w.Name(), chatID, "", in.Text, w.cfg.DMPolicy,
				func(ctx context.Context, userID string) bool {
					return isPairedOrAllowlisted(ctx, w.cfg.Pairing, w.Name(), userID, false)
				},
				func(reply string) { _ = w.sendToConn(ctx, c, reply) },
			)
			if handled || !allowed {
				continue
			}
			if w.cfg.OnMessage != nil {
				w.cfg.OnMessage(ctx, ChatMessage{
					ID:        uuid.NewString(),
					Platform:  w.Name(),
					UserID:    chatID,
					ChatID:    chatID,
					ChatType:  ChatDM,
					Text:      in.Text,
					Timestamp: time.Now(),
				})
			}
		case "callback":
			if w.cfg.OnCallback != nil {
				w.cfg.OnCallback(ctx, w.Name(), chatID, chatID, in.Data)
			}
		}
	}
}

// sendToConn writes a plain instructional message directly to one
// connection, used by the DM-policy gate for throttle/pairing replies
// that happen before a chat is handed off to OnMessage.
func (w *WebchatChannel) sendToConn(ctx context.Context, c *webchatConn, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, wireOutbound{Type: "message", Text: text})
}

func (w *WebchatChannel) connFor(chatID string) (*webchatConn, bool) {
	w.connsMu.RLock()
	defer w.connsMu.RUnlock()
	c, ok := w.conns[chatID]
	return c, ok
}

// --- Transport / DraftTransport implementation ---

func (w *WebchatChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	c, ok := w.connFor(chatID)
	if !ok {
		return "", fmt.Errorf("webchat: chat %s is not connected", chatID)
	}
	messageID := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	err := wsjson.Write(ctx, c.conn, wireOutbound{Type: "message", MessageID: messageID, Text: text})
	return messageID, err
}

func (w *WebchatChannel) EditText(ctx context.Context, chatID, messageID, text string) error {
	c, ok := w.connFor(chatID)
	if !ok {
		return fmt.Errorf("webchat: chat %s is not connected", chatID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, wireOutbound{Type: "edit", MessageID: messageID, Text: text})
}

func (w *WebchatChannel) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	c, ok := w.connFor(chatID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, wireOutbound{Type: "delete", MessageID: messageID})
}

// CreateDraftStream returns a draft stream bound to this webchat's
// transport and rate gate.
func (w *WebchatChannel) CreateDraftStream(chatID string) *DraftStream {
	return NewDraftStream(w.cfg.Gate, w, chatID, w.cfg.DraftMinInterval)
}

// SendMessageWithID pushes a menu card as a "message" frame and returns
// its generated message id so it can be edited in place later.
func (w *WebchatChannel) SendMessageWithID(ctx context.Context, out OutgoingMessage) (string, error) {
	c, ok := w.connFor(out.ChatID)
	if !ok {
		return "", fmt.Errorf("webchat: chat %s is not connected", out.ChatID)
	}
	messageID := uuid.NewString()
	err := w.cfg.Gate.Call(ctx, out.ChatID, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return wsjson.Write(ctx, c.conn, wireOutbound{Type: "message", MessageID: messageID, Text: out.Text, Buttons: out.Buttons})
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// EditMessage rewrites a previously pushed card in place via an "edit"
// frame carrying the replacement text and keyboard.
func (w *WebchatChannel) EditMessage(ctx context.Context, chatID, messageID string, out OutgoingMessage) error {
	c, ok := w.connFor(chatID)
	if !ok {
		return fmt.Errorf("webchat: chat %s is not connected", chatID)
	}
	return w.cfg.Gate.Call(ctx, chatID, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return wsjson.Write(ctx, c.conn, wireOutbound{Type: "edit", MessageID: messageID, Text: out.Text, Buttons: out.Buttons})
	})
}

// SendOutgoing pushes an OutgoingMessage as a single "message" frame.
func (w *WebchatChannel) SendOutgoing(ctx context.Context, out OutgoingMessage) error {
	c, ok := w.connFor(out.ChatID)
	if !ok {
		return fmt.Errorf("webchat: chat %s is not connected", out.ChatID)
	}
	return w.cfg.Gate.Call(ctx, out.ChatID, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return wsjson.Write(ctx, c.conn, wireOutbound{
			Type:    "message",
			Text:    out.Text,
			Buttons: out.Buttons,
		})
	})
}
