package bus

import (
	"testing"
)

func TestEventTopics_Constants(t *testing.T) {
	if TopicMessageReceived == "" {
		t.Fatal("TopicMessageReceived is empty")
	}
	if TopicMessageSent == "" {
		t.Fatal("TopicMessageSent is empty")
	}
	if TopicPairingRequested == "" {
		t.Fatal("TopicPairingRequested is empty")
	}
	if TopicPairingApproved == "" {
		t.Fatal("TopicPairingApproved is empty")
	}
	if TopicDraftToken == "" {
		t.Fatal("TopicDraftToken is empty")
	}
	if TopicMenuActionDispatched == "" {
		t.Fatal("TopicMenuActionDispatched is empty")
	}

	topics := map[string]bool{
		TopicMessageReceived:      true,
		TopicMessageSent:          true,
		TopicMessageFailed:        true,
		TopicChannelConnected:     true,
		TopicChannelDropped:       true,
		TopicPairingRequested:     true,
		TopicPairingApproved:      true,
		TopicPairingExpired:       true,
		TopicWalletLinked:         true,
		TopicDraftToken:           true,
		TopicDraftFinish:          true,
		TopicMenuActionDispatched: true,
		TopicMenuErrorShown:       true,
	}
	if len(topics) != 13 {
		t.Fatalf("expected 13 unique topics, got %d", len(topics))
	}
}

func TestMessageReceivedEvent_Fields(t *testing.T) {
	event := MessageReceivedEvent{
		Channel: "telegram",
		ChatID:  "chat-1",
		UserID:  "user-1",
		Text:    "/start",
	}
	if event.Channel != "telegram" {
		t.Fatalf("Channel mismatch: got %s", event.Channel)
	}
	if event.Text != "/start" {
		t.Fatalf("Text mismatch: got %s", event.Text)
	}
}

func TestPairingRequestedEvent_Fields(t *testing.T) {
	event := PairingRequestedEvent{
		RequestID: "req-1",
		Channel:   "telegram",
		ChatID:    "chat-1",
		Code:      "ABC123",
	}
	if event.RequestID == "" {
		t.Fatal("RequestID must not be empty")
	}
	if event.Code == "" {
		t.Fatal("Code must not be empty")
	}
}

func TestDraftTokenEvent_Fields(t *testing.T) {
	event := DraftTokenEvent{DraftID: "d1", Token: "hel"}
	if event.DraftID == "" {
		t.Fatal("DraftID must not be empty")
	}
	finish := DraftFinishEvent{DraftID: "d1", Final: "hello"}
	if finish.Final != "hello" {
		t.Fatalf("Final mismatch: got %s", finish.Final)
	}
}

func TestMenuActionEvent_Fields(t *testing.T) {
	event := MenuActionEvent{
		Channel: "webchat",
		ChatID:  "chat-2",
		UserID:  "user-2",
		Action:  "menu:trade:buy",
	}
	if event.Action == "" {
		t.Fatal("Action must not be empty")
	}
}
