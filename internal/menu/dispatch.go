package menu

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/lattice-run/convoy/internal/channels"
	"github.com/lattice-run/convoy/internal/collab"
	"github.com/lattice-run/convoy/internal/pairing"
)

var ethAddressRegex = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Dispatcher routes callback tokens and coupled text input to the menu
// state machine's handlers.
type Dispatcher struct {
	Manager     *Manager
	Feeds       collab.FeedManager
	Execution   collab.ExecutionService
	CopyTrader  collab.CopyTradingOrchestrator
	Credentials collab.CredentialsManager
	Pairing     *pairing.Service
	Logger      *slog.Logger
}

// NewDispatcher constructs a Dispatcher. Feeds, Execution, and CopyTrader
// may be nil in tests that don't exercise those paths; handlers that
// need them render a collaborator-error card instead of panicking.
// Credentials and Pairing are set separately via their exported fields
// once the credentials collaborator and pairing service are available,
// since neither is needed by most call sites.
func NewDispatcher(mgr *Manager, feeds collab.FeedManager, exec collab.ExecutionService, copyTrader collab.CopyTradingOrchestrator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Manager: mgr, Feeds: feeds, Execution: exec, CopyTrader: copyTrader, Logger: logger}
}

// hasCredentials reports whether wallet has execution credentials on
// file, defaulting to false (and therefore blocking the action) when no
// credentials collaborator is wired — matching the HTTP copy-trading
// surface's policy of enforcing this check uniformly.
func (d *Dispatcher) hasCredentials(ctx context.Context, wallet string) bool {
	if d.Credentials == nil || wallet == "" {
		return false
	}
	ok, err := d.Credentials.HasCredentials(ctx, wallet, collab.Polymarket)
	return err == nil && ok
}

// walletForUser resolves the wallet linked to the menu's (Channel,
// UserID), returning "" when no pairing service is wired or no wallet
// is linked.
func (d *Dispatcher) walletForUser(ctx context.Context, st *MenuState) string {
	if d.Pairing == nil {
		return ""
	}
	link, err := d.Pairing.GetWalletForChatUser(ctx, st.Channel, st.UserID)
	if err != nil || link == nil {
		return ""
	}
	return link.WalletAddress
}

// Dispatch runs the full dispatch pipeline for one callback token from
// (channel, chatID, userID).
func (d *Dispatcher) Dispatch(ctx context.Context, channel, chatID, userID, token string) RenderResult {
	action, params := ParseToken(token)
	if action == ActionNoop {
		return noopResult
	}

	var result RenderResult
	d.Manager.WithLock(channel, userID, chatID, func(st *MenuState) {
		result = d.dispatchLocked(ctx, st, action, params)
	})
	return result
}

// dispatchLocked resolves and runs the handler for action while holding
// the per-user lock, recovering from any handler panic as an internal
// error.
func (d *Dispatcher) dispatchLocked(ctx context.Context, st *MenuState, action string, params []string) (result RenderResult) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Warn("menu: handler panicked", "action", action, "panic", r)
			result = errorCard("Something went wrong. Please try again.")
			result.NextMenu = st.CurrentMenu
		}
	}()

	// back and refresh are navigation, not destinations: neither pushes
	// the menu it came from.
	previousMenu := st.CurrentMenu
	if action != ActionBack && action != ActionRefresh {
		st.PushHistory(previousMenu, d.Manager.HistoryDepth())
	}

	handler, ok := handlers[action]
	if !ok {
		d.Logger.Warn("menu: unknown callback action", "action", action)
		return errorCard("Unknown action.")
	}

	res, err := handler(ctx, d, st, params)
	if err != nil {
		d.Logger.Warn("menu: handler error", "action", action, "error", err)
		res = errorCard(err.Error())
		res.NextMenu = st.CurrentMenu
	}
	if res.NextMenu != "" {
		st.CurrentMenu = res.NextMenu
	}
	return res
}

type handlerFunc func(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error)

var handlers = map[string]handlerFunc{
	ActionMenu:     handleMenu,
	ActionSearch:   handleSearch,
	ActionMarket:   handleMarket,
	ActionBuy:      handleOrderStart("buy", "market"),
	ActionSell:     handleOrderStart("sell", "market"),
	ActionLimitBuy: handleOrderStart("buy", "limit"),
	ActionLimitSel: handleOrderStart("sell", "limit"),
	ActionOrder:    handleOrder,
	ActionPos:      handlePos,
	ActionCancel:   handleCancel,
	ActionOrders:   handleOrders,
	ActionWallet:   handleWallet,
	ActionCopy:     handleCopy,
	ActionRefresh:  handleRefresh,
	ActionBack:     handleBack,
	ActionFind:     handleSearch,
	ActionQuickBuy: handleOrderStart("buy", "market"),
}

func handleMenu(_ context.Context, _ *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	name := "main"
	if len(params) > 0 {
		name = params[0]
	}
	st.ClearWizard()
	switch name {
	case "main":
		return RenderResult{
			Text: "Main Menu",
			Buttons: [][]channels.Button{
				{{Text: "Portfolio", CallbackData: BuildToken(ActionMenu, "portfolio")}, {Text: "Orders", CallbackData: BuildToken(ActionMenu, "orders")}},
				{{Text: "Search", CallbackData: BuildToken(ActionMenu, "search")}, {Text: "Wallet", CallbackData: BuildToken(ActionMenu, "wallet")}},
				{{Text: "Copy Trading", CallbackData: BuildToken(ActionMenu, "copy")}, {Text: "Settings", CallbackData: BuildToken(ActionMenu, "settings")}},
			},
			NextMenu: "main",
		}, nil
	case "search":
		st.SubState = SubStateSearchInput
		st.SearchPage = 1
		return RenderResult{Text: "Send a search query, or tap a shortcut.", Buttons: [][]channels.Button{
			{{Text: "Trending", CallbackData: BuildToken(ActionSearch, "_trending", "1")}, {Text: "Volume", CallbackData: BuildToken(ActionSearch, "_volume", "1")}},
			{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
		}, NextMenu: "search"}, nil
	case "wallet":
		return RenderResult{Text: "Wallet", Buttons: [][]channels.Button{
			{{Text: "Deposit", CallbackData: BuildToken(ActionWallet, "deposit")}, {Text: "Withdraw", CallbackData: BuildToken(ActionWallet, "withdraw")}},
			{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
		}, NextMenu: "wallet"}, nil
	case "copy":
		st.CopyFilter = "active"
		return RenderResult{Text: "Copy Trading", Buttons: [][]channels.Button{
			{{Text: "Add", CallbackData: BuildToken(ActionCopy, "add")}, {Text: "Discover", CallbackData: BuildToken(ActionCopy, "discover")}},
			{{Text: "Activity", CallbackData: BuildToken(ActionCopy, "activity")}},
			{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
		}, NextMenu: "copy"}, nil
	default:
		return RenderResult{Text: fmt.Sprintf("%s menu", strings.Title(name)), Buttons: [][]channels.Button{
			{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
		}, NextMenu: name}, nil
	}
}

func handleRefresh(ctx context.Context, d *Dispatcher, st *MenuState, _ []string) (RenderResult, error) {
	// refresh re-invokes the current menu's handler without touching
	// history.
	return handleMenu(ctx, d, st, []string{st.CurrentMenu})
}

func handleBack(_ context.Context, _ *Dispatcher, st *MenuState, _ []string) (RenderResult, error) {
	target := st.PopHistory()
	return RenderResult{Text: fmt.Sprintf("%s menu", strings.Title(target)), Buttons: [][]channels.Button{
		{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
	}, NextMenu: target}, nil
}

func handleSearch(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	query := "_trending"
	page := 1
	if len(params) > 0 {
		query = params[0]
	}
	if len(params) > 1 {
		if p, err := strconv.Atoi(params[1]); err == nil && p > 0 {
			page = p
		}
	}
	st.SearchQuery = query
	st.SearchPage = page

	if d.Feeds == nil {
		return RenderResult{}, fmt.Errorf("search is temporarily unavailable")
	}
	markets, err := d.Feeds.SearchMarkets(ctx, query, "")
	if err != nil {
		return RenderResult{}, fmt.Errorf("search failed: %w", err)
	}
	rows := make([][]channels.Button, 0, len(markets)+1)
	for _, m := range markets {
		rows = append(rows, []channels.Button{{Text: m.Question, CallbackData: BuildToken(ActionMarket, m.ID)}})
	}
	rows = append(rows, []channels.Button{{Text: "Back", CallbackData: BuildToken(ActionBack)}})
	return RenderResult{Text: fmt.Sprintf("Results for %q (page %d)", query, page), Buttons: rows, NextMenu: "search"}, nil
}

func handleMarket(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if len(params) == 0 {
		return RenderResult{}, fmt.Errorf("missing market id")
	}
	marketID := params[0]
	st.SelectedMarket = marketID
	if d.Feeds == nil {
		return RenderResult{}, fmt.Errorf("market data is temporarily unavailable")
	}
	market, err := d.Feeds.GetMarket(ctx, marketID, "")
	if err != nil {
		return RenderResult{}, fmt.Errorf("market lookup failed: %w", err)
	}
	st.MarketPrice = market.LastPrice
	return RenderResult{
		Text: fmt.Sprintf("%s\nLast price: %.2f", market.Question, market.LastPrice),
		Buttons: [][]channels.Button{
			{{Text: "Buy Yes", CallbackData: BuildToken(ActionBuy, market.TokenIDYes)}, {Text: "Sell Yes", CallbackData: BuildToken(ActionSell, market.TokenIDYes)}},
			{{Text: "Limit Buy", CallbackData: BuildToken(ActionLimitBuy, market.TokenIDYes)}, {Text: "Limit Sell", CallbackData: BuildToken(ActionLimitSel, market.TokenIDYes)}},
			{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
		},
		NextMenu: "market",
	}, nil
}

// handleOrderStart builds the handler for buy/sell/limitb/limits: it
// enters the wizard at size_select for the given side and order type
// into the size/price/confirm wizard.
func handleOrderStart(side, orderType string) handlerFunc {
	return func(_ context.Context, _ *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
		if len(params) == 0 {
			return RenderResult{}, fmt.Errorf("missing token id")
		}
		tokenID := params[0]
		st.SelectedToken = tokenID
		st.OrderSide = side
		st.OrderType = orderType
		st.SubState = SubStateSizeSelect
		return renderSizeSelect(side, tokenID), nil
	}
}

func sizeSelectAction(side string) string {
	if side == "sell" {
		return ActionSell
	}
	return ActionBuy
}

func renderSizeSelect(side, tokenID string) RenderResult {
	rows := make([][]channels.Button, 0, 4)
	for i := 0; i < len(SizeTiers); i += 2 {
		row := []channels.Button{{Text: formatUSD(SizeTiers[i]), CallbackData: BuildToken(ActionOrder, "size", tokenID, formatUSD(SizeTiers[i]))}}
		if i+1 < len(SizeTiers) {
			row = append(row, channels.Button{Text: formatUSD(SizeTiers[i+1]), CallbackData: BuildToken(ActionOrder, "size", tokenID, formatUSD(SizeTiers[i+1]))})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []channels.Button{{Text: "Custom", CallbackData: BuildToken(ActionOrder, "custom", tokenID)}})
	rows = append(rows, []channels.Button{{Text: "Back", CallbackData: BuildToken(ActionBack)}})
	return RenderResult{Text: fmt.Sprintf("%s: choose a size", strings.Title(side)), Buttons: rows, NextMenu: sideMenu(side)}
}

func sideMenu(side string) string {
	if side == "sell" {
		return "sell"
	}
	return "buy"
}

// handleOrder routes order:size / order:price / order:custom / order:exec.
func handleOrder(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if len(params) == 0 {
		return RenderResult{}, fmt.Errorf("malformed order token")
	}
	switch params[0] {
	case "size":
		return handleOrderSize(st, params[1:])
	case "price":
		return handleOrderPrice(st, params[1:])
	case "custom":
		return handleOrderCustom(st, params[1:])
	case "exec":
		return handleOrderExec(ctx, d, st, params[1:])
	default:
		return RenderResult{}, fmt.Errorf("unknown order sub-action %q", params[0])
	}
}

func handleOrderCustom(st *MenuState, _ []string) (RenderResult, error) {
	switch st.OrderSide {
	case "sell":
		st.SubState = SubStateSellCustom
	default:
		st.SubState = SubStateBuyCustom
	}
	if st.OrderType == "limit" {
		if st.OrderSide == "sell" {
			st.SubState = SubStateLimitSCustom
		} else {
			st.SubState = SubStateLimitBCustom
		}
	}
	return RenderResult{Text: "Enter a custom USD size (e.g. 125 or $125.50).", Buttons: [][]channels.Button{
		{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
	}, NextMenu: st.CurrentMenu}, nil
}

func handleOrderSize(st *MenuState, params []string) (RenderResult, error) {
	if len(params) < 2 {
		return RenderResult{}, fmt.Errorf("malformed order:size token")
	}
	tokenID, raw := params[0], params[1]
	size, err := ParseUSDAmount(raw)
	if err != nil {
		return errorCard(err.Error()), nil
	}
	st.SelectedToken = tokenID
	st.OrderSize = size
	return advanceAfterSize(st), nil
}

// advanceAfterSize moves the wizard to price_select for limit orders or
// straight to confirm for market orders. The confirm estimate uses the
// market's last price, falling back to a 0.50 floor when no live price
// was captured.
func advanceAfterSize(st *MenuState) RenderResult {
	if st.OrderType == "limit" {
		st.SubState = SubStatePriceSelect
		return renderPriceSelect(st)
	}
	st.SubState = SubStateConfirm
	return renderConfirm(st, st.MarketPrice)
}

// livePriceOrMidpoint returns the captured live outcome price, or 0.50
// when the wizard was entered without a market lookup.
func livePriceOrMidpoint(st *MenuState) float64 {
	if st.MarketPrice > 0 {
		return st.MarketPrice
	}
	return 0.50
}

func renderPriceSelect(st *MenuState) RenderResult {
	tiers := PriceTiers(livePriceOrMidpoint(st))
	rows := make([][]channels.Button, 0, 3)
	for i := 0; i < len(tiers); i += 2 {
		row := []channels.Button{{Text: formatCents(tiers[i]), CallbackData: BuildToken(ActionOrder, "price", st.SelectedToken, fmt.Sprintf("%.2f", tiers[i]))}}
		if i+1 < len(tiers) {
			row = append(row, channels.Button{Text: formatCents(tiers[i+1]), CallbackData: BuildToken(ActionOrder, "price", st.SelectedToken, fmt.Sprintf("%.2f", tiers[i+1]))})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []channels.Button{{Text: "Back", CallbackData: BuildToken(ActionBack)}})
	return RenderResult{Text: "Choose a limit price", Buttons: rows, NextMenu: st.CurrentMenu}
}

func handleOrderPrice(st *MenuState, params []string) (RenderResult, error) {
	if len(params) < 2 {
		return RenderResult{}, fmt.Errorf("malformed order:price token")
	}
	price, err := strconv.ParseFloat(params[1], 64)
	if err != nil {
		return RenderResult{}, fmt.Errorf("invalid price %q", params[1])
	}
	st.OrderPrice = clampPrice(price)
	st.SubState = SubStateConfirm
	return renderConfirm(st, st.OrderPrice), nil
}

func renderConfirm(st *MenuState, fallbackPrice float64) RenderResult {
	price := st.OrderPrice
	if st.OrderType != "limit" {
		price = fallbackPrice
		if price <= 0 {
			price = 0.50
		}
	}
	shares := 0.0
	if price > 0 {
		shares = st.OrderSize / price
	}
	var text string
	if st.OrderType == "limit" {
		text = fmt.Sprintf("Confirm %s %s: %s at %s (~%.2f shares)", st.OrderType, st.OrderSide, formatUSD(st.OrderSize), formatCents(price), shares)
	} else {
		text = fmt.Sprintf("Confirm %s %s: %s (~%.2f shares)", st.OrderType, st.OrderSide, formatUSD(st.OrderSize), shares)
	}
	return RenderResult{Text: text, Buttons: [][]channels.Button{
		{{Text: "Confirm", CallbackData: BuildToken(ActionOrder, "exec", st.SelectedToken)}},
		{{Text: "Back", CallbackData: BuildToken(ActionBack)}},
	}, NextMenu: st.CurrentMenu}
}

func handleOrderExec(ctx context.Context, d *Dispatcher, st *MenuState, _ []string) (RenderResult, error) {
	st.SubState = SubStateExecuting
	if d.Execution == nil {
		return renderExecFailed(st, "execution is temporarily unavailable"), nil
	}

	var (
		result collab.ExecutionResult
		err    error
	)
	switch {
	case st.OrderType == "limit" && st.OrderSide == "buy":
		result, err = d.Execution.BuyLimit(ctx, "", st.SelectedToken, st.OrderSize, st.OrderPrice)
	case st.OrderType == "limit" && st.OrderSide == "sell":
		result, err = d.Execution.SellLimit(ctx, "", st.SelectedToken, st.OrderSize, st.OrderPrice)
	case st.OrderSide == "sell":
		result, err = d.Execution.MarketSell(ctx, "", st.SelectedToken, st.OrderSize)
	default:
		result, err = d.Execution.MarketBuy(ctx, "", st.SelectedToken, st.OrderSize)
	}
	if err != nil {
		return renderExecFailed(st, err.Error()), nil
	}
	if !result.Success {
		return renderExecFailed(st, result.Error), nil
	}
	st.LastOrderID = result.OrderID
	st.SubState = SubStateNone
	return RenderResult{
		Text:     fmt.Sprintf("Order placed: %s\nStatus: %s\nFilled: %.2f @ %.2f", result.OrderID, result.Status, result.FilledSize, result.AvgFillPrice),
		Buttons:  [][]channels.Button{{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}}},
		NextMenu: "main",
	}, nil
}

// renderExecFailed keeps the wizard in confirm/executing so the user can
// retry after a collaborator error.
func renderExecFailed(st *MenuState, reason string) RenderResult {
	st.LastError = reason
	st.SubState = SubStateSizeSelect
	return RenderResult{
		Text: fmt.Sprintf("Order failed: %s", reason),
		Buttons: [][]channels.Button{
			{{Text: "Retry", CallbackData: BuildToken(sizeSelectAction(st.OrderSide), st.SelectedToken)}},
			{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}},
		},
		NextMenu: st.CurrentMenu,
	}
}

func handlePos(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if len(params) < 1 {
		return RenderResult{}, fmt.Errorf("malformed pos token")
	}
	switch params[0] {
	case "view":
		return RenderResult{Text: "Position details", Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "portfolio"}, nil
	case "close", "exec":
		if d.Execution == nil {
			return RenderResult{}, fmt.Errorf("execution is temporarily unavailable")
		}
		return RenderResult{Text: "Position close requested.", Buttons: [][]channels.Button{{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}}}, NextMenu: "portfolio"}, nil
	default:
		return RenderResult{}, fmt.Errorf("unknown pos sub-action %q", params[0])
	}
}

func handleCancel(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if d.Execution == nil {
		return RenderResult{}, fmt.Errorf("execution is temporarily unavailable")
	}
	orderID := ""
	if len(params) > 0 {
		orderID = params[0]
	}
	res, err := d.Execution.CancelOrder(ctx, "", orderID)
	if err != nil || !res.Success {
		return RenderResult{}, fmt.Errorf("cancel failed")
	}
	return RenderResult{Text: fmt.Sprintf("Order %s cancelled.", orderID), Buttons: [][]channels.Button{{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}}}, NextMenu: "orders"}, nil
}

func handleOrders(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if len(params) > 0 && (params[0] == "cancelall" || (len(params) > 1 && params[0] == "exec" && params[1] == "cancelall")) {
		if d.Execution == nil {
			return RenderResult{}, fmt.Errorf("execution is temporarily unavailable")
		}
		if _, err := d.Execution.CancelAllOrders(ctx, ""); err != nil {
			return RenderResult{}, fmt.Errorf("cancel all failed: %w", err)
		}
		return RenderResult{Text: "All orders cancelled.", Buttons: [][]channels.Button{{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}}}, NextMenu: "orders"}, nil
	}
	if d.Execution == nil {
		return RenderResult{}, fmt.Errorf("execution is temporarily unavailable")
	}
	open, err := d.Execution.GetOpenOrders(ctx, "")
	if err != nil {
		return RenderResult{}, fmt.Errorf("failed to list orders: %w", err)
	}
	rows := make([][]channels.Button, 0, len(open)+1)
	for _, o := range open {
		rows = append(rows, []channels.Button{{Text: o.OrderID, CallbackData: BuildToken(ActionCancel, o.OrderID)}})
	}
	if len(open) > 0 {
		rows = append(rows, []channels.Button{{Text: "Cancel All", CallbackData: BuildToken(ActionOrders, "cancelall")}})
	}
	rows = append(rows, []channels.Button{{Text: "Back", CallbackData: BuildToken(ActionBack)}})
	return RenderResult{Text: fmt.Sprintf("%d open orders", len(open)), Buttons: rows, NextMenu: "orders"}, nil
}

func handleWallet(_ context.Context, _ *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	action := "deposit"
	if len(params) > 0 {
		action = params[0]
	}
	return RenderResult{Text: fmt.Sprintf("Wallet %s instructions sent.", action), Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "wallet"}, nil
}

func handleCopy(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if len(params) == 0 {
		return RenderResult{}, fmt.Errorf("malformed copy token")
	}
	switch params[0] {
	case "add":
		st.SubState = SubStateCopyAddInput
		st.PendingWallet = d.walletForUser(ctx, st)
		return RenderResult{Text: "Send the wallet address to follow.", Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "copy"}, nil
	case "exec":
		return handleCopyExec(ctx, d, st, params[1:])
	case "toggle":
		if len(params) < 2 || d.CopyTrader == nil {
			return RenderResult{}, fmt.Errorf("copy trading is temporarily unavailable")
		}
		if _, err := d.CopyTrader.ToggleConfig(ctx, params[1], true); err != nil {
			return RenderResult{}, fmt.Errorf("toggle failed: %w", err)
		}
		return RenderResult{Text: "Configuration toggled.", Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "copy"}, nil
	case "del":
		if len(params) < 2 || d.CopyTrader == nil {
			return RenderResult{}, fmt.Errorf("copy trading is temporarily unavailable")
		}
		if err := d.CopyTrader.DeleteConfig(ctx, params[1]); err != nil {
			return RenderResult{}, fmt.Errorf("delete failed: %w", err)
		}
		return RenderResult{Text: "Configuration removed.", Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "copy"}, nil
	case "stats", "discover", "activity":
		return RenderResult{Text: fmt.Sprintf("Copy %s", params[0]), Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "copy"}, nil
	case "filter":
		if len(params) > 1 {
			st.CopyFilter = params[1]
		}
		return RenderResult{Text: fmt.Sprintf("Showing %s configs", st.CopyFilter), Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "copy"}, nil
	default:
		return RenderResult{}, fmt.Errorf("unknown copy sub-action %q", params[0])
	}
}

func handleCopyExec(ctx context.Context, d *Dispatcher, st *MenuState, params []string) (RenderResult, error) {
	if len(params) < 2 {
		return RenderResult{}, fmt.Errorf("malformed copy:exec token")
	}
	if d.CopyTrader == nil {
		return RenderResult{}, fmt.Errorf("copy trading is temporarily unavailable")
	}
	switch params[0] {
	case "add":
		wallet := params[1]
		if !d.hasCredentials(ctx, st.PendingWallet) {
			return RenderResult{}, fmt.Errorf("link a wallet with Polymarket credentials before adding a copy-trading config")
		}
		if _, err := d.CopyTrader.CreateConfig(ctx, collab.CopyConfig{Wallet: st.PendingWallet, TargetAddress: wallet, Active: true}); err != nil {
			return RenderResult{}, fmt.Errorf("create config failed: %w", err)
		}
		st.PendingWallet = ""
		st.SubState = SubStateNone
		return RenderResult{Text: "Now following " + wallet, Buttons: [][]channels.Button{{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}}}, NextMenu: "copy"}, nil
	case "del":
		if err := d.CopyTrader.DeleteConfig(ctx, params[1]); err != nil {
			return RenderResult{}, fmt.Errorf("delete config failed: %w", err)
		}
		return RenderResult{Text: "Configuration removed.", Buttons: [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}}, NextMenu: "copy"}, nil
	default:
		return RenderResult{}, fmt.Errorf("unknown copy:exec sub-action %q", params[0])
	}
}

// ParseUSDAmount parses a free-form custom-size string:
// strip a leading "$" and thousands commas, reject non-positive or
// amounts over MaxCustomSizeUSD.
func ParseUSDAmount(raw string) (float64, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("that doesn't look like an amount")
	}
	if v <= 0 {
		return 0, fmt.Errorf("amount must be greater than zero")
	}
	if v > MaxCustomSizeUSD {
		return 0, fmt.Errorf("amount must be %s or less", formatUSD(MaxCustomSizeUSD))
	}
	return v, nil
}

// HandleTextInput lets a channel adapter's text handler consult the
// menu service for DM messages before general command/agent dispatch.
// It returns (result, consumed); consumed=false means the text was not
// claimed by any sub-state and should fall through to command/agent
// dispatch.
func (d *Dispatcher) HandleTextInput(ctx context.Context, channel, chatID, userID, text string) (result RenderResult, consumed bool) {
	d.Manager.WithLock(channel, userID, chatID, func(st *MenuState) {
		switch st.SubState {
		case SubStateSearchInput:
			st.SearchPage = 1
			res, err := handleSearch(ctx, d, st, []string{text, "1"})
			if err != nil {
				res = errorCard(err.Error())
				res.NextMenu = st.CurrentMenu
			}
			if res.NextMenu != "" {
				st.CurrentMenu = res.NextMenu
			}
			result, consumed = res, true
		case SubStateCopyAddInput:
			if !ethAddressRegex.MatchString(strings.ToLower(text)) {
				result = RenderResult{
					Text:     "That doesn't look like a wallet address (expected 0x + 40 hex chars).",
					Buttons:  [][]channels.Button{{{Text: "Back", CallbackData: BuildToken(ActionBack)}}},
					NextMenu: st.CurrentMenu,
				}
				consumed = true
				return
			}
			st.SubState = SubStateNone
			result = RenderResult{
				Text:     fmt.Sprintf("Follow %s?", text),
				Buttons:  [][]channels.Button{{{Text: "Confirm", CallbackData: BuildToken(ActionCopy, "exec", "add", text)}}, {{Text: "Cancel", CallbackData: BuildToken(ActionBack)}}},
				NextMenu: st.CurrentMenu,
			}
			consumed = true
		case SubStateBuyCustom, SubStateSellCustom, SubStateLimitBCustom, SubStateLimitSCustom:
			size, err := ParseUSDAmount(text)
			if err != nil {
				result = errorCard(err.Error())
				result.NextMenu = st.CurrentMenu
				consumed = true
				return
			}
			st.OrderSize = size
			result = advanceAfterSize(st)
			consumed = true
		default:
			consumed = false
		}
	})
	return result, consumed
}
