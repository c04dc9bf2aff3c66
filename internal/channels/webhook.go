package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// webhookInbound is the minimal opaque JSON body a generic automation
// webhook may post; unrecognized fields are ignored.
type webhookInbound struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// WebhookConfig configures the WebhookChannel.
type WebhookConfig struct {
	Path      string
	Secret    string
	Logger    *slog.Logger
	OnMessage MessageHandler
}

// WebhookChannel implements Channel for generic HTTP automation
// webhooks. It has no egress primitives and no persistent connection;
// Start simply blocks until shutdown. Ingress happens via Ingest,
// called by the gateway's HTTP mux.
type WebhookChannel struct {
	cfg WebhookConfig
}

// NewWebhookChannel constructs a generic webhook adapter.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookChannel{cfg: cfg}
}

func (h *WebhookChannel) Name() string { return "webhook" }

func (h *WebhookChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Ingest parses and normalizes the body of a POST to the webhook path,
// verifying the shared secret if one is configured.
func (h *WebhookChannel) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) != 1 {
			http.Error(w, "invalid secret", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var in webhookInbound
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if in.ChatID == "" {
		in.ChatID = in.UserID
	}
	if in.ChatID == "" {
		in.ChatID = uuid.NewString()
	}

	if h.cfg.OnMessage != nil {
		h.cfg.OnMessage(r.Context(), ChatMessage{
			ID:        uuid.NewString(),
			Platform:  h.Name(),
			UserID:    in.UserID,
			ChatID:    in.ChatID,
			ChatType:  ChatDM,
			Text:      in.Text,
			Timestamp: time.Now(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"accepted":true}`)
}
