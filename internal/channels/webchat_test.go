package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lattice-run/convoy/internal/config"
)

func dialWebchat(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func TestWebchatUpgradeDeliversMessage(t *testing.T) {
	var mu sync.Mutex
	var received ChatMessage
	ch := NewWebchatChannel(WebchatConfig{
		DMPolicy: config.DMPolicyOpen,
		OnMessage: func(ctx context.Context, msg ChatMessage) {
			mu.Lock()
			received = msg
			mu.Unlock()
		},
	})

	srv := httptest.NewServer(http.HandlerFunc(ch.Upgrade))
	defer srv.Close()

	conn := dialWebchat(t, srv)
	if err := wsjson.Write(context.Background(), conn, wireInbound{Type: "message", Text: "hello there"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		text := received.Text
		mu.Unlock()
		if text != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Text != "hello there" {
		t.Fatalf("expected normalized message text, got %+v", received)
	}
	if received.Platform != "webchat" || received.ChatType != ChatDM {
		t.Fatalf("unexpected platform/chat type: %+v", received)
	}
}

func TestWebchatUpgradeDeliversCallback(t *testing.T) {
	var mu sync.Mutex
	var gotToken, gotChannel string
	ch := NewWebchatChannel(WebchatConfig{
		OnCallback: func(ctx context.Context, channel, chatID, userID, token string) {
			mu.Lock()
			gotToken = token
			gotChannel = channel
			mu.Unlock()
		},
	})

	srv := httptest.NewServer(http.HandlerFunc(ch.Upgrade))
	defer srv.Close()

	conn := dialWebchat(t, srv)
	if err := wsjson.Write(context.Background(), conn, wireInbound{Type: "callback", Data: "menu:main"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		token := gotToken
		mu.Unlock()
		if token != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotToken != "menu:main" || gotChannel != "webchat" {
		t.Fatalf("unexpected callback: token=%q channel=%q", gotToken, gotChannel)
	}
}

func TestWebchatSendTextRequiresConnectedChat(t *testing.T) {
	ch := NewWebchatChannel(WebchatConfig{})
	if _, err := ch.SendText(context.Background(), "missing-chat", "hi"); err == nil {
		t.Fatal("expected an error for a chat with no live connection")
	}
}

func TestWebchatSendTextRoundTrip(t *testing.T) {
	connected := make(chan string, 1)
	ch := NewWebchatChannel(WebchatConfig{
		DMPolicy: config.DMPolicyOpen,
		OnMessage: func(ctx context.Context, msg ChatMessage) {
			connected <- msg.ChatID
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(ch.Upgrade))
	defer srv.Close()

	conn := dialWebchat(t, srv)
	if err := wsjson.Write(context.Background(), conn, wireInbound{Type: "message", Text: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var chatID string
	select {
	case chatID = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection to register")
	}

	if _, err := ch.SendText(context.Background(), chatID, "reply text"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var out wireOutbound
	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Type != "message" || out.Text != "reply text" {
		t.Fatalf("unexpected outbound frame: %+v", out)
	}
}
