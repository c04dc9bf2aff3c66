package menu

import "sync"

// SubState names a text-input or wizard sub-state a MenuState may be
// waiting in, consulted by the adapter's text handler before general
// command/agent dispatch.
type SubState string

const (
	SubStateNone          SubState = ""
	SubStateSizeSelect    SubState = "size_select"
	SubStatePriceSelect   SubState = "price_select"
	SubStateConfirm       SubState = "confirm"
	SubStateExecuting     SubState = "executing"
	SubStateSearchInput   SubState = "search_input"
	SubStateCopyAddInput  SubState = "copy_add_input"
	SubStateBuyCustom     SubState = "buy_custom"
	SubStateSellCustom    SubState = "sell_custom"
	SubStateLimitBCustom  SubState = "limitb_custom"
	SubStateLimitSCustom  SubState = "limits_custom"
)

// MenuState is the per-user conversation state driven by callback tokens.
type MenuState struct {
	UserID  string
	ChatID  string
	Channel string

	CurrentMenu string
	MessageID   string
	History     []string
	SubState    SubState

	// Wizard slots.
	SelectedMarket string
	SelectedToken  string
	MarketPrice    float64 // live outcome price at market selection, 0 when unknown
	OrderSide      string  // "buy" | "sell"
	OrderType      string  // "market" | "limit"
	OrderSize      float64
	OrderPrice     float64
	LastOrderID    string
	LastError      string

	SearchQuery   string
	SearchPage    int
	CopyFilter    string
	PendingWallet string
}

// PushHistory pushes CurrentMenu onto History unless it is main, back, or
// refresh, and only if it differs from the top-of-stack entry. The stack
// is bounded at historyDepth with consecutive duplicates collapsed.
func (m *MenuState) PushHistory(previousMenu string, historyDepth int) {
	if previousMenu == "" || previousMenu == "main" || previousMenu == "back" || previousMenu == "refresh" {
		return
	}
	if len(m.History) > 0 && m.History[len(m.History)-1] == previousMenu {
		return
	}
	m.History = append(m.History, previousMenu)
	if historyDepth <= 0 {
		historyDepth = 10
	}
	if len(m.History) > historyDepth {
		m.History = m.History[len(m.History)-historyDepth:]
	}
}

// PopHistory pops the most recent history entry, returning "main" if the
// stack is empty.
func (m *MenuState) PopHistory() string {
	if len(m.History) == 0 {
		return "main"
	}
	top := m.History[len(m.History)-1]
	m.History = m.History[:len(m.History)-1]
	return top
}

// ClearWizard resets every order/search/copy slot, used by /start and
// /new: history is cleared on /start or a fresh conversation.
func (m *MenuState) ClearWizard() {
	m.SubState = SubStateNone
	m.SelectedMarket = ""
	m.SelectedToken = ""
	m.MarketPrice = 0
	m.OrderSide = ""
	m.OrderType = ""
	m.OrderSize = 0
	m.OrderPrice = 0
	m.LastOrderID = ""
	m.LastError = ""
	m.SearchQuery = ""
	m.SearchPage = 0
	m.CopyFilter = ""
	m.PendingWallet = ""
}

// userEntry pairs a MenuState with the per-user lock that serializes
// concurrently dispatched callbacks for that user.
type userEntry struct {
	mu    sync.Mutex
	state *MenuState
}

// Manager owns the process-lifetime map of per-user MenuState. It
// survives hot reloads: the gateway orchestrator constructs one Manager
// at boot and never replaces it.
type Manager struct {
	mu           sync.Mutex
	users        map[string]*userEntry
	historyDepth int
}

// NewManager constructs a Manager with the configured history depth
// (defaults to 10 when unset).
func NewManager(historyDepth int) *Manager {
	if historyDepth <= 0 {
		historyDepth = 10
	}
	return &Manager{users: make(map[string]*userEntry), historyDepth: historyDepth}
}

// key scopes per-user state by (channel, userID) so the same human
// across two channels is tracked independently.
func key(channel, userID string) string { return channel + ":" + userID }

// entryFor returns (creating lazily) the userEntry for (channel, userID).
func (mgr *Manager) entryFor(channel, userID, chatID string) *userEntry {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	k := key(channel, userID)
	e, ok := mgr.users[k]
	if !ok {
		e = &userEntry{state: &MenuState{UserID: userID, ChatID: chatID, Channel: channel, CurrentMenu: "main"}}
		mgr.users[k] = e
	}
	return e
}

// WithLock runs fn holding the per-user lock for (channel, userID),
// lazily creating the MenuState on first access. This
// is the sole entry point callers should use to read or mutate state,
// guaranteeing per-user ordering of state mutations.
func (mgr *Manager) WithLock(channel, userID, chatID string, fn func(*MenuState)) {
	e := mgr.entryFor(channel, userID, chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if chatID != "" {
		e.state.ChatID = chatID
	}
	fn(e.state)
}

// Clear removes (channel, userID)'s state entirely, used by "/new".
func (mgr *Manager) Clear(channel, userID string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.users, key(channel, userID))
}

// Count returns the number of tracked per-user states, exposed for the
// health/metrics surface.
func (mgr *Manager) Count() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.users)
}

// HistoryDepth returns the configured bound on MenuState.History.
func (mgr *Manager) HistoryDepth() int { return mgr.historyDepth }
