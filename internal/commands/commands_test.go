package commands

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lattice-run/convoy/internal/bus"
	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/menu"
	"github.com/lattice-run/convoy/internal/pairing"
	"github.com/lattice-run/convoy/internal/store"
)

func TestParseSlashCommand(t *testing.T) {
	p, ok := Parse("/start abc123")
	if !ok {
		t.Fatal("expected /start to parse as a command")
	}
	if p.Name != "start" || p.Args != "abc123" {
		t.Fatalf("unexpected parse: %+v", p)
	}
}

func TestParseStripsGroupBotSuffix(t *testing.T) {
	p, ok := Parse("/help@convoybot")
	if !ok || p.Name != "help" || p.Args != "" {
		t.Fatalf("unexpected parse: %+v ok=%v", p, ok)
	}
}

func TestParseNonCommandText(t *testing.T) {
	if _, ok := Parse("just chatting"); ok {
		t.Fatal("plain text must not parse as a command")
	}
}

func TestParseBareSlashIsNotACommand(t *testing.T) {
	if _, ok := Parse("/"); ok {
		t.Fatal("a bare slash with no name must not parse as a command")
	}
}

type fakeAgent struct {
	reply string
	err   error
}

func (f *fakeAgent) HandleMessage(ctx context.Context, sessionID, text string) (string, error) {
	return f.reply, f.err
}
func (f *fakeAgent) ReloadConfig(ctx context.Context) error { return nil }
func (f *fakeAgent) ReloadSkills(ctx context.Context) error { return nil }
func (f *fakeAgent) Dispose()                               {}

func newTestRouter(t *testing.T, agent *fakeAgent) *Router {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "convoy.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := pairing.New(st, bus.New(), nil, config.PairingConfig{MaxPendingPerChannel: 3})
	mgr := menu.NewManager(10)
	if agent == nil {
		return New(mgr, svc, nil, nil)
	}
	return New(mgr, svc, agent, nil)
}

func TestHandleNewClearsMenuState(t *testing.T) {
	r := newTestRouter(t, nil)
	result := r.Handle(context.Background(), "telegram", "c1", "u1", "s1", "/new")
	if result.NextMenu != "main" {
		t.Fatalf("expected /new to return to main menu, got %+v", result)
	}
}

func TestHandleHelp(t *testing.T) {
	r := newTestRouter(t, nil)
	result := r.Handle(context.Background(), "telegram", "c1", "u1", "s1", "/help")
	if result.Text != helpText {
		t.Fatalf("expected help text, got %q", result.Text)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	r := newTestRouter(t, nil)
	result := r.Handle(context.Background(), "telegram", "c1", "u1", "s1", "/nonsense")
	if result.Text == "" {
		t.Fatal("expected an unknown-command reply")
	}
}

func TestHandleStartWithoutCode(t *testing.T) {
	r := newTestRouter(t, nil)
	result := r.Handle(context.Background(), "telegram", "c1", "u1", "s1", "/start")
	if result.NextMenu != "main" {
		t.Fatalf("expected /start with no code to land on main menu, got %+v", result)
	}
}

func TestHandleStartWithInvalidCode(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "convoy.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	svc := pairing.New(st, bus.New(), nil, config.PairingConfig{MaxPendingPerChannel: 3})
	mgr := menu.NewManager(10)
	r := New(mgr, svc, nil, nil)

	ctx := context.Background()
	result := r.Handle(ctx, "telegram", "c1", "u1", "s1", "/start wrongcode")
	if result.Text != "That code could not be validated. Please try again." {
		t.Fatalf("unexpected result for invalid code: %+v", result)
	}

	level, err := svc.TrustLevelFor(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("TrustLevelFor: %v", err)
	}
	if level != store.TrustStranger {
		t.Fatalf("an invalid code must not grant trust, got %v", level)
	}
}

func TestHandleStartWithValidCode(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "convoy.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	svc := pairing.New(st, bus.New(), nil, config.PairingConfig{MaxPendingPerChannel: 3})
	mgr := menu.NewManager(10)
	r := New(mgr, svc, nil, nil)

	ctx := context.Background()
	req, err := svc.CreatePairingRequest(ctx, "telegram", "u1", "someone")
	if err != nil {
		t.Fatalf("CreatePairingRequest: %v", err)
	}

	result := r.Handle(ctx, "telegram", "c1", "u1", "s1", "/start "+req.Code)
	if result.Text != "Paired. Welcome aboard." {
		t.Fatalf("unexpected result for valid code: %+v", result)
	}
}

func TestHandleForwardsFreeTextToAgent(t *testing.T) {
	agent := &fakeAgent{reply: "hello from the assistant"}
	r := newTestRouter(t, agent)
	result := r.Handle(context.Background(), "telegram", "c1", "u1", "s1", "what's the price of BTC")
	if result.Text != "hello from the assistant" {
		t.Fatalf("expected agent reply to be forwarded, got %+v", result)
	}
}

func TestHandleFreeTextWithoutAgentConfigured(t *testing.T) {
	r := newTestRouter(t, nil)
	result := r.Handle(context.Background(), "telegram", "c1", "u1", "s1", "hi there")
	if result.Text != "The assistant is not available right now." {
		t.Fatalf("expected a placeholder reply with no agent wired, got %+v", result)
	}
}
