// Package gateway wires the pairing service, the menu state machine, the
// command router, and the channel adapters into one running process: it
// owns the boot order, the HTTP/WS surface, hot configuration reload, and
// the shutdown path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lattice-run/convoy/internal/bus"
	"github.com/lattice-run/convoy/internal/channelmgr"
	"github.com/lattice-run/convoy/internal/channels"
	"github.com/lattice-run/convoy/internal/collab"
	"github.com/lattice-run/convoy/internal/commands"
	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/cron"
	"github.com/lattice-run/convoy/internal/menu"
	gwotel "github.com/lattice-run/convoy/internal/otel"
	"github.com/lattice-run/convoy/internal/pairing"
	"github.com/lattice-run/convoy/internal/ratelimit"
	"github.com/lattice-run/convoy/internal/retrypolicy"
	"github.com/lattice-run/convoy/internal/shared"
	"github.com/lattice-run/convoy/internal/store"
	"go.opentelemetry.io/otel/trace"
)

// Collaborators bundles the external systems this module depends on but
// does not implement. Any field may be nil; every consumer degrades to
// a "temporarily unavailable" reply rather than panicking.
type Collaborators struct {
	Feeds       collab.FeedManager
	Execution   collab.ExecutionService
	Agent       collab.AgentManager
	Credentials collab.CredentialsManager
	CopyTrading collab.CopyTradingOrchestrator
}

// outgoingSender is implemented by channel adapters that can deliver a
// reply; the generic webhook adapter does not, so ingress from it never
// produces a reply.
type outgoingSender interface {
	SendOutgoing(ctx context.Context, out channels.OutgoingMessage) error
}

// menuTransport is implemented by adapters that can edit a previously
// sent message in place, letting callback dispatch keep reusing one menu
// message instead of appending a new card per click.
type menuTransport interface {
	SendMessageWithID(ctx context.Context, out channels.OutgoingMessage) (string, error)
	EditMessage(ctx context.Context, chatID, messageID string, out channels.OutgoingMessage) error
}

// Server is the running gateway process: one store, one pairing service,
// one menu manager, and a generation of channel adapters built from the
// current configuration.
type Server struct {
	homeDir string
	logger  *slog.Logger

	store      *store.Store
	bus        *bus.Bus
	pairingSvc *pairing.Service
	menuMgr    *menu.Manager
	dispatcher *menu.Dispatcher
	commands   *commands.Router
	collab     Collaborators

	// ingressLimiter applies per-chat back-pressure to inbound messages
	// before any dispatch work happens. It is long-lived and shared by
	// every channel generation, unlike the egress gate rebuilt with the
	// adapters on reload.
	ingressLimiter *ratelimit.Limiter

	cfgMu sync.RWMutex
	cfg   config.Config

	channelsMu sync.RWMutex
	chMgr      *channelmgr.Manager

	reaper     *cron.Scheduler
	httpServer *http.Server
	watcher    *config.Watcher
	otel       *gwotel.Provider
	tracer     trace.Tracer

	reloadMu      sync.Mutex
	reloading     bool
	pendingReload bool
	// rebuildHook, when non-nil, replaces doRebuild so tests can observe
	// and block the reload path without touching real channel adapters.
	rebuildHook func(reason string)

	runCtx    context.Context
	runCancel context.CancelFunc

	shutdownOnce sync.Once
}

// New boots a Server: opens the store, constructs the pairing service,
// menu machine, and command router, builds the first generation of
// channel adapters, and assembles the HTTP/WS mux. It does not start
// anything yet; call Run for that.
func New(cfg config.Config, homeDir string, logger *slog.Logger, collaborators Collaborators) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(filepath.Join(homeDir, "convoy.db"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)
	pairingSvc := pairing.New(st, eventBus, logger, cfg.Pairing)
	menuMgr := menu.NewManager(cfg.Menu.HistoryDepth)
	dispatcher := menu.NewDispatcher(menuMgr, collaborators.Feeds, collaborators.Execution, collaborators.CopyTrading, logger)
	dispatcher.Credentials = collaborators.Credentials
	dispatcher.Pairing = pairingSvc
	cmdRouter := commands.New(menuMgr, pairingSvc, collaborators.Agent, logger)

	otelProvider, err := gwotel.New(context.Background(), gwotel.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		SampleRate:  cfg.OtelSampleRate,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("gateway: init tracing: %w", err)
	}

	s := &Server{
		homeDir:        homeDir,
		logger:         logger,
		store:          st,
		bus:            eventBus,
		pairingSvc:     pairingSvc,
		menuMgr:        menuMgr,
		dispatcher:     dispatcher,
		commands:       cmdRouter,
		collab:         collaborators,
		cfg:            cfg,
		otel:           otelProvider,
		tracer:         otelProvider.Tracer,
		ingressLimiter: ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize),
	}

	s.chMgr = s.buildChannels(cfg)
	s.httpServer = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.buildMux(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.reaper = cron.NewScheduler(cron.Config{Store: st, Logger: logger, Spec: reapSpec(cfg.Pairing.ReapIntervalSeconds)})
	s.watcher = config.NewWatcher(homeDir, logger)

	return s, nil
}

func reapSpec(intervalSeconds int) string {
	if intervalSeconds <= 0 {
		return ""
	}
	if intervalSeconds > 59 {
		intervalSeconds = 59
	}
	return fmt.Sprintf("@every %ds", intervalSeconds)
}

// Run starts the HTTP server, the channel adapters, the reaper, and the
// config watcher, then blocks until ctx is canceled, at which point it
// shuts everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	s.ingressLimiter.StartEviction(s.runCtx, time.Minute, 2*time.Minute)

	ln := make(chan error, 1)
	go func() {
		s.logger.Info("gateway: http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ln <- err
			return
		}
		ln <- nil
	}()

	s.channelsMu.RLock()
	chMgr := s.chMgr
	s.channelsMu.RUnlock()
	chMgr.StartAll(s.runCtx)

	if err := s.reaper.Start(s.runCtx); err != nil {
		s.logger.Error("gateway: reaper failed to start", "error", err)
	}

	if err := s.watcher.Start(s.runCtx); err != nil {
		s.logger.Error("gateway: config watcher failed to start", "error", err)
	} else {
		go s.watchConfig()
	}

	select {
	case <-ctx.Done():
	case err := <-ln:
		if err != nil {
			s.logger.Error("gateway: http server error", "error", err)
		}
	}

	s.Shutdown(context.Background())
	return nil
}

// Shutdown closes every subsystem in the reverse of boot order. It is
// idempotent and safe to call more than once; each step is wrapped so a
// failing close cannot block the rest.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		if s.runCancel != nil {
			s.runCancel()
		}

		s.reaper.Stop()

		s.channelsMu.RLock()
		chMgr := s.chMgr
		s.channelsMu.RUnlock()
		chMgr.StopAll()

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("gateway: http server shutdown error", "error", err)
		}

		if err := s.store.Close(); err != nil {
			s.logger.Error("gateway: store close error", "error", err)
		}

		otelShutdownCtx, otelCancel := context.WithTimeout(ctx, 5*time.Second)
		defer otelCancel()
		if err := s.otel.Shutdown(otelShutdownCtx); err != nil {
			s.logger.Error("gateway: tracer shutdown error", "error", err)
		}

		s.logger.Info("gateway: shutdown complete")
	})
}

// --- channel adapter construction ---

func (s *Server) buildChannels(cfg config.Config) *channelmgr.Manager {
	mgr := channelmgr.New(s.logger)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize)
	retry := retrypolicy.New(cfg.RetryPolicy)
	gatePolicy := channels.RateGatePerUser
	if cfg.RateLimit.Policy == "global" {
		gatePolicy = channels.RateGateGlobal
	}
	gate := channels.NewTransportGate(limiter, retry, gatePolicy)

	if cfg.Channels.Telegram.Enabled {
		var bot *channels.BotChannel
		bot = channels.NewBotChannel(channels.BotConfig{
			Token:            cfg.Channels.Telegram.Token,
			AllowedIDs:       cfg.Channels.Telegram.AllowedIDs,
			DMPolicy:         cfg.Channels.Telegram.DMPolicy,
			GroupAdminTTL:    time.Duration(cfg.Channels.Telegram.GroupAdminTTL) * time.Second,
			DraftMinInterval: time.Duration(cfg.Menu.DraftMinIntervalMs) * time.Millisecond,
			Pairing:          s.store,
			Gate:             gate,
			Logger:           s.logger,
			OnMessage: func(ctx context.Context, msg channels.ChatMessage) {
				s.handleIngress(ctx, "telegram", bot, msg)
			},
			OnCallback: func(ctx context.Context, platform, chatID, userID, token string) {
				s.handleCallback(ctx, platform, chatID, userID, token, bot)
			},
		})
		mgr.Register(bot)
	}

	if cfg.Channels.Webchat.Enabled {
		var wc *channels.WebchatChannel
		wc = channels.NewWebchatChannel(channels.WebchatConfig{
			Path:             cfg.Channels.Webchat.Path,
			DMPolicy:         cfg.Channels.Webchat.DMPolicy,
			DraftMinInterval: time.Duration(cfg.Menu.DraftMinIntervalMs) * time.Millisecond,
			Pairing:          s.store,
			Gate:             gate,
			Logger:           s.logger,
			OnMessage: func(ctx context.Context, msg channels.ChatMessage) {
				s.handleIngress(ctx, "webchat", wc, msg)
			},
			OnCallback: func(ctx context.Context, platform, chatID, userID, token string) {
				s.handleCallback(ctx, platform, chatID, userID, token, wc)
			},
		})
		mgr.Register(wc)
	}

	if cfg.Channels.Webhook.Enabled {
		wh := channels.NewWebhookChannel(channels.WebhookConfig{
			Path:   cfg.Channels.Webhook.Path,
			Secret: cfg.Channels.Webhook.Secret,
			Logger: s.logger,
			OnMessage: func(ctx context.Context, msg channels.ChatMessage) {
				s.handleIngress(ctx, "webhook", nil, msg)
			},
		})
		mgr.Register(wh)
	}

	return mgr
}

// --- ingress pipeline ---

// handleIngress implements the orchestrator's ingress callback: per-chat
// rate gate, auto-approve check, then menu text-input coupling, then
// command/agent dispatch. Webchat and webhook adapters have no Pairing
// field of their own, so their DM-policy/pairing enforcement lives
// entirely here rather than inside the adapter.
func (s *Server) handleIngress(ctx context.Context, channelName string, sender outgoingSender, msg channels.ChatMessage) {
	var span trace.Span
	ctx, span = s.tracer.Start(ctx, "gateway.ingress", trace.WithAttributes(gwotel.ChatAttributes(channelName, msg.ChatID, msg.UserID)...))
	defer span.End()

	if !s.admitIngress(ctx, channelName, sender, msg.ChatID) {
		return
	}

	if msg.RemoteAddr != "" {
		if _, err := s.pairingSvc.CheckAutoApprove(ctx, channelName, msg.UserID, msg.RemoteAddr); err != nil {
			s.logger.Warn("gateway: auto-approve check failed", "channel", channelName, "error", err)
		}
	}

	if res, consumed := s.dispatcher.HandleTextInput(ctx, channelName, msg.ChatID, msg.UserID, msg.Text); consumed {
		s.deliver(ctx, sender, channelName, msg.ChatID, res)
		return
	}

	sessionID := fmt.Sprintf("%s-%s", channelName, msg.UserID)
	result := s.commands.Handle(ctx, channelName, msg.ChatID, msg.UserID, sessionID, msg.Text)
	s.deliver(ctx, sender, channelName, msg.ChatID, result)
}

// admitIngress applies the per-chat token bucket to one inbound message.
// On refusal it replies with a throttled notice and reports false so the
// caller drops the message before any dispatch work.
func (s *Server) admitIngress(ctx context.Context, channelName string, sender outgoingSender, chatID string) bool {
	s.cfgMu.RLock()
	enabled := s.cfg.RateLimit.Enabled
	policy := s.cfg.RateLimit.Policy
	s.cfgMu.RUnlock()
	if !enabled {
		return true
	}

	key := "chat:" + chatID
	if policy == "global" {
		key = "global"
	}
	allowed, resetIn := s.ingressLimiter.Check(key)
	if allowed {
		return true
	}

	s.logger.Debug("gateway: ingress throttled", "channel", channelName, "chat_id", chatID, "reset_in", resetIn)
	if sender != nil {
		notice := channels.OutgoingMessage{
			Platform: channelName,
			ChatID:   chatID,
			Text:     "You're sending messages too quickly. Please wait a moment and try again.",
		}
		if err := sender.SendOutgoing(ctx, notice); err != nil {
			s.logger.Debug("gateway: failed to deliver throttle notice", "channel", channelName, "chat_id", chatID, "error", err)
		}
	}
	return false
}

func (s *Server) handleCallback(ctx context.Context, channelName, chatID, userID, token string, sender outgoingSender) {
	var span trace.Span
	ctx, span = s.tracer.Start(ctx, "gateway.callback", trace.WithAttributes(gwotel.ChatAttributes(channelName, chatID, userID)...))
	defer span.End()

	result := s.dispatcher.Dispatch(ctx, channelName, chatID, userID, token)
	if result.IsNoop() {
		return
	}

	editor, ok := sender.(menuTransport)
	if !ok {
		s.deliver(ctx, sender, channelName, chatID, result)
		return
	}

	out := channels.OutgoingMessage{
		Platform:  channelName,
		ChatID:    chatID,
		Text:      result.Text,
		ParseMode: result.ParseMode,
		Buttons:   result.Buttons,
	}

	var messageID string
	s.menuMgr.WithLock(channelName, userID, chatID, func(st *menu.MenuState) {
		messageID = st.MessageID
	})

	if messageID != "" {
		err := editor.EditMessage(ctx, chatID, messageID, out)
		if err == nil {
			return
		}
		s.logger.Warn("gateway: menu edit failed, sending fresh message", "channel", channelName, "chat_id", chatID, "error", err)
	}

	newID, err := editor.SendMessageWithID(ctx, out)
	if err != nil {
		s.bus.Publish(bus.TopicMessageFailed, bus.MessageFailedEvent{Channel: channelName, ChatID: chatID, Error: err.Error()})
		s.logger.Warn("gateway: failed to deliver menu card", "channel", channelName, "chat_id", chatID, "error", err)
		return
	}
	s.menuMgr.WithLock(channelName, userID, chatID, func(st *menu.MenuState) {
		st.MessageID = newID
	})
}

func (s *Server) deliver(ctx context.Context, sender outgoingSender, channelName, chatID string, res menu.RenderResult) {
	if res.IsNoop() {
		return
	}
	var span trace.Span
	ctx, span = s.tracer.Start(ctx, "gateway.egress", trace.WithAttributes(gwotel.ChatAttributes(channelName, chatID, "")...))
	defer span.End()
	if sender == nil {
		s.logger.Debug("gateway: dropping reply for channel with no egress", "channel", channelName)
		return
	}
	out := channels.OutgoingMessage{
		Platform:  channelName,
		ChatID:    chatID,
		Text:      res.Text,
		ParseMode: res.ParseMode,
		Buttons:   res.Buttons,
	}
	if err := sender.SendOutgoing(ctx, out); err != nil {
		s.bus.Publish(bus.TopicMessageFailed, bus.MessageFailedEvent{Channel: channelName, ChatID: chatID, Error: err.Error()})
		s.logger.Warn("gateway: failed to deliver reply", "channel", channelName, "chat_id", chatID, "error", err)
	}
}

// --- hot reload ---

func (s *Server) watchConfig() {
	const configDebounce = 250 * time.Millisecond
	const skillDebounce = 150 * time.Millisecond
	skillsDir := filepath.Join(s.homeDir, "skills")

	var mu sync.Mutex
	var cfgTimer, skillTimer *time.Timer
	for ev := range s.watcher.Events() {
		if strings.HasPrefix(ev.Path, skillsDir) {
			mu.Lock()
			if skillTimer != nil {
				skillTimer.Stop()
			}
			skillTimer = time.AfterFunc(skillDebounce, s.reloadSkills)
			mu.Unlock()
			continue
		}
		mu.Lock()
		if cfgTimer != nil {
			cfgTimer.Stop()
		}
		cfgTimer = time.AfterFunc(configDebounce, func() { s.rebuildRuntime("config changed") })
		mu.Unlock()
	}
}

func (s *Server) reloadSkills() {
	if s.collab.Agent == nil {
		return
	}
	if err := s.collab.Agent.ReloadSkills(context.Background()); err != nil {
		s.logger.Warn("gateway: skill reload failed", "error", err)
	}
}

// rebuildRuntime re-reads config.yaml and rebuilds the channel adapters
// from it, reusing the long-lived store, pairing service, menu manager,
// and command router. If a rebuild is already in flight when another is
// requested, the request is coalesced: exactly one more rebuild runs
// after the in-flight one finishes.
func (s *Server) rebuildRuntime(reason string) {
	s.reloadMu.Lock()
	if s.reloading {
		s.pendingReload = true
		s.reloadMu.Unlock()
		return
	}
	s.reloading = true
	s.reloadMu.Unlock()

	if s.rebuildHook != nil {
		s.rebuildHook(reason)
	} else {
		s.doRebuild(reason)
	}

	s.reloadMu.Lock()
	again := s.pendingReload
	s.pendingReload = false
	s.reloading = false
	s.reloadMu.Unlock()

	if again {
		s.rebuildRuntime(reason + " (coalesced)")
	}
}

func (s *Server) doRebuild(reason string) {
	newCfg, err := config.LoadFrom(s.homeDir)
	if err != nil {
		s.logger.Error("gateway: config reload failed, retaining previous config", "reason", reason, "error", err)
		return
	}

	s.channelsMu.Lock()
	old := s.chMgr
	s.chMgr = s.buildChannels(newCfg)
	next := s.chMgr
	s.channelsMu.Unlock()

	old.StopAll()
	if s.runCtx != nil {
		next.StartAll(s.runCtx)
	}

	s.cfgMu.Lock()
	s.cfg = newCfg
	s.cfgMu.Unlock()

	if s.collab.Agent != nil {
		if err := s.collab.Agent.ReloadConfig(context.Background()); err != nil {
			s.logger.Warn("gateway: agent config reload failed", "error", err)
		}
	}
	s.reloadSkills()

	s.logger.Info("gateway: runtime rebuilt", "reason", reason)
}

// --- HTTP surface ---

func (s *Server) buildMux(cfg config.Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/channels/", s.handlePlatformIngress)
	mux.HandleFunc("/webhook", s.handleWebhookIngress)
	mux.HandleFunc("/webhook/", s.handleWebhookIngress)

	mux.HandleFunc("/api/v1/pairing/code", s.requireWallet(s.handlePairingCode))
	mux.HandleFunc("/api/v1/pairing/linked", s.requireWallet(s.handlePairingLinked))
	mux.HandleFunc("/api/v1/pairing/linked/", s.requireWallet(s.handlePairingUnlink))
	mux.HandleFunc("/api/v1/pairing/status/", s.requireWallet(s.handlePairingStatus))
	mux.HandleFunc("/api/v1/copy-trading/configs", s.requireWallet(s.handleCopyConfigsCollection))
	mux.HandleFunc("/api/v1/copy-trading/configs/", s.requireWallet(s.handleCopyConfigsItem))

	mux.HandleFunc("/ws", s.handleControlUpgrade)
	mux.HandleFunc("/chat", s.handleChatUpgrade)
	mux.HandleFunc("/api/ticks/stream", s.handleTicksUpgrade)

	auth := NewAuthMiddleware(cfg.Auth)
	cors := NewCORSMiddleware(cfg.CORS)
	rl := NewRateLimitMiddleware(cfg.RateLimit)

	var handler http.Handler = mux
	handler = auth.Wrap(handler)
	handler = rl.Wrap(handler)
	handler = cors(handler)
	handler = RequestSizeLimitMiddleware(1 << 20)(handler)
	handler = s.traceMiddleware(handler)
	return handler
}

// traceMiddleware stamps every request with a trace_id, propagated
// through the request context so downstream logging ties a chain of
// log lines back to one inbound call.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(shared.TraceIDHeader)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set(shared.TraceIDHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "true"
	body := map[string]any{"status": "healthy"}
	if deep {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
		s.channelsMu.RLock()
		body["channels"] = s.chMgr.Status()
		s.channelsMu.RUnlock()
		body["menu_sessions"] = s.menuMgr.Count()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP convoy_menu_sessions Active per-user menu sessions.\n")
	fmt.Fprintf(w, "# TYPE convoy_menu_sessions gauge\n")
	fmt.Fprintf(w, "convoy_menu_sessions %d\n", s.menuMgr.Count())
	fmt.Fprintf(w, "# HELP convoy_bus_dropped_events Events dropped by the internal bus due to slow subscribers.\n")
	fmt.Fprintf(w, "# TYPE convoy_bus_dropped_events counter\n")
	fmt.Fprintf(w, "convoy_bus_dropped_events %d\n", s.bus.DroppedEventCount())
}

// handlePlatformIngress dispatches POST /channels/:platform to the named
// adapter's HTTP-style ingress, when it has one (the webhook adapter
// does; the long-polling bot and the connection-based webchat do not).
func (s *Server) handlePlatformIngress(w http.ResponseWriter, r *http.Request) {
	platform := strings.TrimPrefix(r.URL.Path, "/channels/")
	platform = strings.Trim(platform, "/")
	s.channelsMu.RLock()
	ch, ok := s.chMgr.Get(platform)
	s.channelsMu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	type ingester interface {
		Ingest(w http.ResponseWriter, r *http.Request)
	}
	ing, ok := ch.(ingester)
	if !ok {
		http.Error(w, `{"error":"channel does not accept webhook ingress"}`, http.StatusNotImplemented)
		return
	}
	ing.Ingest(w, r)
}

func (s *Server) handleWebhookIngress(w http.ResponseWriter, r *http.Request) {
	s.channelsMu.RLock()
	ch, ok := s.chMgr.Get("webhook")
	s.channelsMu.RUnlock()
	if !ok {
		http.Error(w, `{"error":"webhook channel is disabled"}`, http.StatusNotFound)
		return
	}
	wh, ok := ch.(*channels.WebhookChannel)
	if !ok {
		http.NotFound(w, r)
		return
	}
	wh.Ingest(w, r)
}

// requireWallet wraps a handler so it only runs when the caller
// presents an x-wallet-address header.
func (s *Server) requireWallet(next func(w http.ResponseWriter, r *http.Request, wallet string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wallet := strings.TrimSpace(r.Header.Get("x-wallet-address"))
		if wallet == "" {
			http.Error(w, `{"error":"missing x-wallet-address header"}`, http.StatusUnauthorized)
			return
		}
		next(w, r, wallet)
	}
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request, wallet string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	code, err := s.pairingSvc.CreateWalletPairingCode(r.Context(), wallet)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) handlePairingLinked(w http.ResponseWriter, r *http.Request, wallet string) {
	links, err := s.pairingSvc.GetChatUsersForWallet(r.Context(), wallet)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handlePairingUnlink(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodDelete {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/pairing/linked/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, `{"error":"expected /api/v1/pairing/linked/:channel/:userId"}`, http.StatusBadRequest)
		return
	}
	if err := s.pairingSvc.UnlinkChatUser(r.Context(), parts[0], parts[1]); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePairingStatus answers whether a previously-issued wallet pairing
// code is still live, without consuming it (consuming happens only when
// a channel adapter presents the code on behalf of its user).
func (s *Server) handlePairingStatus(w http.ResponseWriter, r *http.Request, _ string) {
	code := strings.TrimPrefix(r.URL.Path, "/api/v1/pairing/status/")
	if code == "" {
		http.Error(w, `{"error":"missing code"}`, http.StatusBadRequest)
		return
	}
	var expiresAt time.Time
	err := s.store.DB().QueryRowContext(r.Context(),
		`SELECT expires_at FROM wallet_pairing_codes WHERE code = ?`, code,
	).Scan(&expiresAt)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": expiresAt.After(time.Now()), "expires_at": expiresAt})
}

// hasCredentials reports whether wallet has Polymarket execution
// credentials on file, defaulting to false when no credentials
// collaborator is wired — the inline-menu copy-trading path enforces
// the same policy in internal/menu's Dispatcher.hasCredentials.
func (s *Server) hasCredentials(ctx context.Context, wallet string) bool {
	if s.collab.Credentials == nil || wallet == "" {
		return false
	}
	ok, err := s.collab.Credentials.HasCredentials(ctx, wallet, collab.Polymarket)
	return err == nil && ok
}

func (s *Server) handleCopyConfigsCollection(w http.ResponseWriter, r *http.Request, wallet string) {
	if s.collab.CopyTrading == nil {
		http.Error(w, `{"error":"copy trading is not configured"}`, http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		configs, err := s.collab.CopyTrading.ListConfigs(r.Context(), wallet)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, configs)
	case http.MethodPost:
		var in collab.CopyConfig
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, `{"error":"invalid json body"}`, http.StatusBadRequest)
			return
		}
		if !s.hasCredentials(r.Context(), wallet) {
			http.Error(w, `{"error":"missing Polymarket credentials for this wallet"}`, http.StatusPreconditionFailed)
			return
		}
		in.Wallet = wallet
		created, err := s.collab.CopyTrading.CreateConfig(r.Context(), in)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCopyConfigsItem(w http.ResponseWriter, r *http.Request, wallet string) {
	if s.collab.CopyTrading == nil {
		http.Error(w, `{"error":"copy trading is not configured"}`, http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/copy-trading/configs/")
	id, sub, hasSub := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, `{"error":"missing config id"}`, http.StatusBadRequest)
		return
	}
	switch {
	case hasSub && sub == "toggle" && r.Method == http.MethodPost:
		var body struct {
			Active bool `json:"active"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		updated, err := s.collab.CopyTrading.ToggleConfig(r.Context(), id, body.Active)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case r.Method == http.MethodDelete:
		if err := s.collab.CopyTrading.DeleteConfig(r.Context(), id); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case r.Method == http.MethodPatch:
		var in collab.CopyConfig
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, `{"error":"invalid json body"}`, http.StatusBadRequest)
			return
		}
		in.ID = id
		in.Wallet = wallet
		updated, err := s.collab.CopyTrading.UpdateConfig(r.Context(), in)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func (s *Server) handleChatUpgrade(w http.ResponseWriter, r *http.Request) {
	s.channelsMu.RLock()
	ch, ok := s.chMgr.Get("webchat")
	s.channelsMu.RUnlock()
	if !ok {
		http.Error(w, `{"error":"webchat is disabled"}`, http.StatusNotFound)
		return
	}
	wc, ok := ch.(*channels.WebchatChannel)
	if !ok {
		http.NotFound(w, r)
		return
	}
	wc.Upgrade(w, r)
}

func (s *Server) handleTicksUpgrade(w http.ResponseWriter, r *http.Request) {
	NewTickStreamer(s.collab.Feeds, s.logger).Upgrade(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
