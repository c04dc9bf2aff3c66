package channels

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MinUpdateInterval bounds how often a draft stream may edit its message.
const MinUpdateInterval = 500 * time.Millisecond

const cursorGlyph = "▋" // left-eighth block, used as a typing cursor

// DraftTransport is the minimal egress surface a draft stream needs from
// an adapter: send one message, edit it in place, or delete it.
type DraftTransport interface {
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
	EditText(ctx context.Context, chatID, messageID, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// DraftStream is a single outgoing message progressively edited in
// place, with updates coalesced to at most one edit per
// MinUpdateInterval.
type DraftStream struct {
	gate        *TransportGate
	transport   DraftTransport
	chatID      string
	minInterval time.Duration

	mu        sync.Mutex
	messageID string
	started   bool
	finished  bool
	lastFlush time.Time
	lastText  string
	pending   *string
	timer     *time.Timer
}

// NewDraftStream constructs a draft stream bound to one chat. interval
// overrides the default MinUpdateInterval when positive.
func NewDraftStream(gate *TransportGate, transport DraftTransport, chatID string, interval ...time.Duration) *DraftStream {
	min := MinUpdateInterval
	if len(interval) > 0 && interval[0] > 0 {
		min = interval[0]
	}
	return &DraftStream{gate: gate, transport: transport, chatID: chatID, minInterval: min}
}

// Start sends the initial message suffixed with a cursor glyph and
// records the resulting message id.
func (d *DraftStream) Start(ctx context.Context, initial string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var msgID string
	err := d.gate.Call(ctx, d.chatID, func() error {
		id, err := d.transport.SendText(ctx, d.chatID, initial+cursorGlyph)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	d.messageID = msgID
	d.started = true
	d.lastFlush = time.Now()
	d.lastText = initial
	return msgID, nil
}

// Update schedules (or immediately performs) an edit with text. A new
// pending update replaces any prior one still waiting on the timer.
func (d *DraftStream) Update(ctx context.Context, text string) error {
	d.mu.Lock()
	if !d.started || d.finished {
		d.mu.Unlock()
		return nil
	}
	elapsed := time.Since(d.lastFlush)
	if elapsed >= d.minInterval {
		d.cancelTimerLocked()
		d.pending = nil
		d.mu.Unlock()
		return d.flush(ctx, text)
	}

	d.pending = &text
	remaining := d.minInterval - elapsed
	d.cancelTimerLocked()
	d.timer = time.AfterFunc(remaining, func() {
		d.mu.Lock()
		p := d.pending
		d.pending = nil
		d.mu.Unlock()
		if p != nil {
			_ = d.flush(context.Background(), *p)
		}
	})
	d.mu.Unlock()
	return nil
}

// Append is a convenience for streaming token-by-token accumulation; the
// caller is expected to pass the full accumulated text each time
// (callers that only have the delta should track their own buffer and
// call Update with the concatenation).
func (d *DraftStream) Append(ctx context.Context, accumulated string) error {
	return d.Update(ctx, accumulated)
}

func (d *DraftStream) flush(ctx context.Context, text string) error {
	d.mu.Lock()
	messageID := d.messageID
	d.mu.Unlock()
	if messageID == "" {
		return nil
	}
	err := d.gate.Call(ctx, d.chatID, func() error {
		return d.transport.EditText(ctx, d.chatID, messageID, text+cursorGlyph)
	})
	if err != nil && isContentUnchanged(err) {
		return nil
	}
	if err == nil {
		d.mu.Lock()
		d.lastFlush = time.Now()
		d.lastText = text
		d.mu.Unlock()
	}
	return err
}

// Finish cancels any pending timer and edits the message to the final
// text without the cursor. When final is empty, the last rendered text
// is reused instead of blanking the message. If Start was never called,
// it sends a fresh message instead.
func (d *DraftStream) Finish(ctx context.Context, final string) error {
	d.mu.Lock()
	d.cancelTimerLocked()
	d.pending = nil
	started := d.started
	messageID := d.messageID
	if final == "" {
		final = d.lastText
	}
	d.finished = true
	d.mu.Unlock()

	if !started || messageID == "" {
		var msgID string
		err := d.gate.Call(ctx, d.chatID, func() error {
			id, err := d.transport.SendText(ctx, d.chatID, final)
			if err != nil {
				return err
			}
			msgID = id
			return nil
		})
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.messageID = msgID
		d.mu.Unlock()
		return nil
	}

	err := d.gate.Call(ctx, d.chatID, func() error {
		return d.transport.EditText(ctx, d.chatID, messageID, final)
	})
	if err != nil && isContentUnchanged(err) {
		return nil
	}
	return err
}

// Cancel cancels the pending timer and deletes the message if one exists.
func (d *DraftStream) Cancel(ctx context.Context) error {
	d.mu.Lock()
	d.cancelTimerLocked()
	d.pending = nil
	messageID := d.messageID
	d.finished = true
	d.mu.Unlock()
	if messageID == "" {
		return nil
	}
	return d.gate.Call(ctx, d.chatID, func() error {
		return d.transport.DeleteMessage(ctx, d.chatID, messageID)
	})
}

// GetMessageID returns the message id backing this draft, if any.
func (d *DraftStream) GetMessageID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageID
}

func (d *DraftStream) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// isContentUnchanged recognizes the "edit would not change content"
// family of transport-benign errors that must be tolerated as success.
func isContentUnchanged(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not modified") || strings.Contains(msg, "content unchanged") ||
		strings.Contains(msg, "message is not modified")
}
