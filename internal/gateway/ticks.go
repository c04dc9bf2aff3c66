package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lattice-run/convoy/internal/collab"
)

// tickPollInterval is how often a connected streamer client receives a
// refreshed price for its subscribed markets.
const tickPollInterval = 2 * time.Second

// tickSubscribe is the client's initial frame naming which markets to
// stream prices for.
type tickSubscribe struct {
	Platform string   `json:"platform"`
	MarketID []string `json:"marketIds"`
}

// tickUpdate is one market's refreshed price, pushed on every poll tick.
type tickUpdate struct {
	MarketID  string  `json:"marketId"`
	LastPrice float64 `json:"lastPrice"`
	Error     string  `json:"error,omitempty"`
}

// TickStreamer serves GET /api/ticks/stream: a read-only WebSocket that
// polls the feed collaborator for the client's subscribed markets and
// pushes price updates. collab.FeedManager exposes no push-based
// subscription of its own, so polling is the adapter's own concern, not
// something borrowed from the collaborator.
type TickStreamer struct {
	feeds  collab.FeedManager
	logger *slog.Logger
}

// NewTickStreamer constructs a TickStreamer. feeds may be nil, in which
// case every connection is closed immediately with an error frame.
func NewTickStreamer(feeds collab.FeedManager, logger *slog.Logger) *TickStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickStreamer{feeds: feeds, logger: logger}
}

func (t *TickStreamer) Upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := r.Context()
	if t.feeds == nil {
		_ = wsjson.Write(ctx, conn, map[string]string{"error": "market data is not available"})
		return
	}

	var sub tickSubscribe
	if err := wsjson.Read(ctx, conn, &sub); err != nil {
		return
	}
	if len(sub.MarketID) == 0 {
		_ = wsjson.Write(ctx, conn, map[string]string{"error": "subscribe frame must list marketIds"})
		return
	}

	ticker := time.NewTicker(tickPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range sub.MarketID {
				market, err := t.feeds.GetMarket(ctx, id, sub.Platform)
				var upd tickUpdate
				if err != nil {
					upd = tickUpdate{MarketID: id, Error: err.Error()}
				} else {
					upd = tickUpdate{MarketID: id, LastPrice: market.LastPrice}
				}
				if err := wsjson.Write(ctx, conn, upd); err != nil {
					return
				}
			}
		}
	}
}
