package menu_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lattice-run/convoy/internal/collab"
	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/menu"
	"github.com/lattice-run/convoy/internal/pairing"
	"github.com/lattice-run/convoy/internal/store"
)

type fakeFeeds struct {
	market collab.Market
	err    error
}

func (f *fakeFeeds) SearchMarkets(ctx context.Context, query, platform string) ([]collab.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []collab.Market{f.market}, nil
}
func (f *fakeFeeds) GetMarket(ctx context.Context, id, platform string) (*collab.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := f.market
	return &m, nil
}

type fakeExecution struct {
	result collab.ExecutionResult
	err    error
}

func (f *fakeExecution) MarketBuy(ctx context.Context, wallet, tokenID string, usdSize float64) (collab.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeExecution) MarketSell(ctx context.Context, wallet, tokenID string, usdSize float64) (collab.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeExecution) BuyLimit(ctx context.Context, wallet, tokenID string, usdSize, price float64) (collab.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeExecution) SellLimit(ctx context.Context, wallet, tokenID string, usdSize, price float64) (collab.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeExecution) CancelOrder(ctx context.Context, wallet, orderID string) (collab.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeExecution) CancelAllOrders(ctx context.Context, wallet string) (collab.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeExecution) GetOpenOrders(ctx context.Context, wallet string) ([]collab.ExecutionResult, error) {
	return nil, f.err
}

func newDispatcher(feeds collab.FeedManager, exec collab.ExecutionService) (*menu.Dispatcher, *menu.Manager) {
	mgr := menu.NewManager(3)
	return menu.NewDispatcher(mgr, feeds, exec, nil, nil), mgr
}

type fakeCopyTrader struct {
	created collab.CopyConfig
}

func (f *fakeCopyTrader) Initialize(ctx context.Context) error { return nil }
func (f *fakeCopyTrader) Shutdown(ctx context.Context) error    { return nil }
func (f *fakeCopyTrader) CreateConfig(ctx context.Context, cfg collab.CopyConfig) (collab.CopyConfig, error) {
	f.created = cfg
	return cfg, nil
}
func (f *fakeCopyTrader) UpdateConfig(ctx context.Context, cfg collab.CopyConfig) (collab.CopyConfig, error) {
	return cfg, nil
}
func (f *fakeCopyTrader) DeleteConfig(ctx context.Context, id string) error { return nil }
func (f *fakeCopyTrader) ToggleConfig(ctx context.Context, id string, active bool) (collab.CopyConfig, error) {
	return collab.CopyConfig{ID: id, Active: active}, nil
}
func (f *fakeCopyTrader) ListConfigs(ctx context.Context, wallet string) ([]collab.CopyConfig, error) {
	return nil, nil
}
func (f *fakeCopyTrader) GetHistory(ctx context.Context, id string) ([]byte, error) { return nil, nil }
func (f *fakeCopyTrader) GetAggregatedStats(ctx context.Context, wallet string) ([]byte, error) {
	return nil, nil
}

type fakeCredentials struct {
	has map[string]bool
}

func (f *fakeCredentials) HasCredentials(ctx context.Context, wallet, platform string) (bool, error) {
	return f.has[wallet], nil
}
func (f *fakeCredentials) SetCredentials(ctx context.Context, wallet, platform string, payload []byte) error {
	return nil
}
func (f *fakeCredentials) DeleteCredentials(ctx context.Context, wallet, platform string) error {
	return nil
}
func (f *fakeCredentials) MarkSuccess(ctx context.Context, wallet, platform string) {}
func (f *fakeCredentials) MarkFailure(ctx context.Context, wallet, platform string) {}
func (f *fakeCredentials) IsInCooldown(ctx context.Context, wallet, platform string) (bool, error) {
	return false, nil
}
func (f *fakeCredentials) ListUserPlatforms(ctx context.Context, wallet string) ([]string, error) {
	return nil, nil
}

func openTestPairing(t *testing.T) *pairing.Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "convoy.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return pairing.New(st, nil, nil, config.PairingConfig{})
}

func TestDispatch_CopyAddBlockedWithoutCredentials(t *testing.T) {
	copyTrader := &fakeCopyTrader{}
	d, _ := newDispatcher(nil, nil)
	d.CopyTrader = copyTrader
	d.Credentials = &fakeCredentials{}
	ctx := context.Background()

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionCopy, "add"))
	result := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionCopy, "exec", "add", "0x1111111111111111111111111111111111111111"))
	if !strings.Contains(result.Text, "credentials") {
		t.Fatalf("expected a missing-credentials error, got %q", result.Text)
	}
	if copyTrader.created.TargetAddress != "" {
		t.Fatalf("expected CreateConfig not to be called, got %+v", copyTrader.created)
	}
}

func TestDispatch_CopyAddUsesLinkedWalletWhenCredentialed(t *testing.T) {
	pairingSvc := openTestPairing(t)
	ctx := context.Background()

	code, err := pairingSvc.CreateWalletPairingCode(ctx, "0xabc0000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("CreateWalletPairingCode: %v", err)
	}
	if _, err := pairingSvc.ValidateWalletPairingCode(ctx, "telegram", "user-1", code.Code); err != nil {
		t.Fatalf("ValidateWalletPairingCode: %v", err)
	}

	copyTrader := &fakeCopyTrader{}
	d, _ := newDispatcher(nil, nil)
	d.CopyTrader = copyTrader
	d.Pairing = pairingSvc
	d.Credentials = &fakeCredentials{has: map[string]bool{"0xabc0000000000000000000000000000000000000": true}}

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionCopy, "add"))
	result := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionCopy, "exec", "add", "0x1111111111111111111111111111111111111111"))
	if strings.Contains(result.Text, "credentials") {
		t.Fatalf("expected credentials check to pass, got %q", result.Text)
	}
	if copyTrader.created.Wallet != "0xabc0000000000000000000000000000000000000" {
		t.Fatalf("expected config to carry the linked wallet, got %+v", copyTrader.created)
	}
	if copyTrader.created.TargetAddress != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("expected config to follow the requested target, got %+v", copyTrader.created)
	}
}

func TestDispatch_MainMenuThenBack(t *testing.T) {
	d, _ := newDispatcher(nil, nil)
	ctx := context.Background()

	res := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMenu, "search"))
	if res.NextMenu != "search" {
		t.Fatalf("expected search menu, got %q", res.NextMenu)
	}

	back := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionBack))
	if back.NextMenu != "main" {
		t.Fatalf("expected back to main, got %q", back.NextMenu)
	}
}

func TestDispatch_Noop(t *testing.T) {
	d, _ := newDispatcher(nil, nil)
	res := d.Dispatch(context.Background(), "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionNoop))
	if !res.IsNoop() {
		t.Fatalf("expected noop result, got %+v", res)
	}
}

func TestDispatch_HistoryBoundAndDeduped(t *testing.T) {
	d, mgr := newDispatcher(nil, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMenu, "wallet"))
		d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMenu, "copy"))
	}
	mgr.WithLock("telegram", "user-1", "chat-1", func(st *menu.MenuState) {
		if len(st.History) > mgr.HistoryDepth() {
			t.Fatalf("history exceeded bound: %d > %d", len(st.History), mgr.HistoryDepth())
		}
	})
}

func TestDispatch_MarketOrderWizard(t *testing.T) {
	feeds := &fakeFeeds{market: collab.Market{ID: "m1", Question: "Will it rain?", TokenIDYes: "tok-yes", LastPrice: 0.42}}
	exec := &fakeExecution{result: collab.ExecutionResult{Success: true, OrderID: "ord-1", Status: "filled", FilledSize: 25, AvgFillPrice: 0.5}}
	d, _ := newDispatcher(feeds, exec)
	ctx := context.Background()

	market := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMarket, "m1"))
	if !strings.Contains(market.Text, "Will it rain?") {
		t.Fatalf("expected market text, got %q", market.Text)
	}

	sizeSelect := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionBuy, "tok-yes"))
	if sizeSelect.NextMenu != "buy" {
		t.Fatalf("expected buy wizard menu, got %q", sizeSelect.NextMenu)
	}

	confirm := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "size", "tok-yes", "25"))
	if !strings.Contains(confirm.Text, "Confirm") {
		t.Fatalf("expected confirm card, got %q", confirm.Text)
	}

	done := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "exec", "tok-yes"))
	if !strings.Contains(done.Text, "ord-1") {
		t.Fatalf("expected order id in result, got %q", done.Text)
	}
}

func TestDispatch_LimitOrderWizard(t *testing.T) {
	feeds := &fakeFeeds{market: collab.Market{ID: "m1", Question: "Will it rain?", TokenIDYes: "tok-yes", LastPrice: 0.42}}
	exec := &fakeExecution{result: collab.ExecutionResult{Success: true, OrderID: "ord-2", Status: "open"}}
	d, _ := newDispatcher(feeds, exec)
	ctx := context.Background()

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionLimitBuy, "tok-yes"))
	priceSelect := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "size", "tok-yes", "50"))
	if !strings.Contains(priceSelect.Text, "limit price") {
		t.Fatalf("expected price select prompt, got %q", priceSelect.Text)
	}

	confirm := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "price", "tok-yes", "0.45"))
	if !strings.Contains(confirm.Text, "45") {
		t.Fatalf("expected confirm to show chosen price, got %q", confirm.Text)
	}

	done := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "exec", "tok-yes"))
	if !strings.Contains(done.Text, "ord-2") {
		t.Fatalf("expected order id in result, got %q", done.Text)
	}
}

func TestDispatch_ExecutionFailureKeepsWizardRetryable(t *testing.T) {
	feeds := &fakeFeeds{market: collab.Market{ID: "m1", TokenIDYes: "tok-yes"}}
	exec := &fakeExecution{err: errors.New("upstream unavailable")}
	d, _ := newDispatcher(feeds, exec)
	ctx := context.Background()

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionBuy, "tok-yes"))
	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "size", "tok-yes", "10"))
	failed := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "exec", "tok-yes"))
	if !strings.Contains(failed.Text, "failed") {
		t.Fatalf("expected failure text, got %q", failed.Text)
	}
	if len(failed.Buttons) == 0 || failed.Buttons[0][0].Text != "Retry" {
		t.Fatalf("expected retry button, got %+v", failed.Buttons)
	}
}

func TestParseUSDAmount(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"125", false},
		{"$125.50", false},
		{"1,250", false},
		{"10000", false},
		{"10000.01", true},
		{"0", true},
		{"-5", true},
		{"abc", true},
	}
	for _, c := range cases {
		_, err := menu.ParseUSDAmount(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseUSDAmount(%q): err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
	}
}

func TestDispatch_LimitPriceTiersCenterOnLivePrice(t *testing.T) {
	feeds := &fakeFeeds{market: collab.Market{ID: "m1", Question: "Will it rain?", TokenIDYes: "tok-yes", LastPrice: 0.42}}
	d, _ := newDispatcher(feeds, nil)
	ctx := context.Background()

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMarket, "m1"))
	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionLimitBuy, "tok-yes"))
	priceSelect := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "size", "tok-yes", "50"))

	var labels []string
	for _, row := range priceSelect.Buttons {
		for _, b := range row {
			labels = append(labels, b.Text)
		}
	}
	joined := strings.Join(labels, " ")
	// ±20 cents around the 42¢ live price, not around a hardcoded 50¢.
	for _, want := range []string{"22¢", "32¢", "37¢", "47¢", "52¢", "62¢"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected tier %s around the live price, got %v", want, labels)
		}
	}
}

func TestDispatch_MarketConfirmUsesLivePriceForShares(t *testing.T) {
	feeds := &fakeFeeds{market: collab.Market{ID: "m1", Question: "Will it rain?", TokenIDYes: "tok-yes", LastPrice: 0.25}}
	d, _ := newDispatcher(feeds, nil)
	ctx := context.Background()

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMarket, "m1"))
	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionBuy, "tok-yes"))
	confirm := d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionOrder, "size", "tok-yes", "50"))

	// $50 at the 25¢ last price is 200 shares; a 0.50 floor would say 100.
	if !strings.Contains(confirm.Text, "200.00 shares") {
		t.Fatalf("expected the share estimate to use the live price, got %q", confirm.Text)
	}
}

func TestPriceTiers_ClampedAtBounds(t *testing.T) {
	low := menu.PriceTiers(0.05)
	for _, p := range low {
		if p < 0.01 || p > 0.99 {
			t.Fatalf("price %v out of bounds", p)
		}
	}
	high := menu.PriceTiers(0.97)
	for _, p := range high {
		if p < 0.01 || p > 0.99 {
			t.Fatalf("price %v out of bounds", p)
		}
	}
}

func TestDispatch_SearchInputTextCoupling(t *testing.T) {
	feeds := &fakeFeeds{market: collab.Market{ID: "m1", Question: "Election 2028", TokenIDYes: "tok-yes"}}
	d, _ := newDispatcher(feeds, nil)
	ctx := context.Background()

	d.Dispatch(ctx, "telegram", "chat-1", "user-1", menu.BuildToken(menu.ActionMenu, "search"))
	res, consumed := d.HandleTextInput(ctx, "telegram", "chat-1", "user-1", "election")
	if !consumed {
		t.Fatalf("expected search_input to consume free text")
	}
	if !strings.Contains(res.Text, "election") {
		t.Fatalf("expected search results text, got %q", res.Text)
	}
}

func TestDispatch_TextInputNotConsumedOutsideSubState(t *testing.T) {
	d, _ := newDispatcher(nil, nil)
	_, consumed := d.HandleTextInput(context.Background(), "telegram", "chat-1", "user-9", "hello")
	if consumed {
		t.Fatalf("expected text to fall through when no sub-state is active")
	}
}

func TestBuildToken_TruncatesToTokenBudget(t *testing.T) {
	longID := strings.Repeat("x", 200)
	token := menu.BuildToken(menu.ActionMarket, longID)
	if len(token) > menu.MaxTokenBytes {
		t.Fatalf("token exceeds budget: %d bytes", len(token))
	}
}
