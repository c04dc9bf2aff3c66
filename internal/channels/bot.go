package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/retrypolicy"
	"github.com/lattice-run/convoy/internal/store"
)

// MessageHandler is invoked once per normalized inbound message.
type MessageHandler func(ctx context.Context, msg ChatMessage)

// CallbackHandler is invoked once per inline-button click, carrying the
// opaque callback token the menu machine emitted.
type CallbackHandler func(ctx context.Context, platform, chatID, userID, token string)

// BotConfig configures a BotChannel.
type BotConfig struct {
	Token            string
	AllowedIDs       []int64
	DMPolicy         config.DMPolicy
	GroupAdminTTL    time.Duration
	DraftMinInterval time.Duration
	Pairing          *store.Store
	Gate             *TransportGate
	Logger           *slog.Logger
	OnMessage        MessageHandler
	OnCallback       CallbackHandler
}

// BotChannel implements the Channel and Transport interfaces for a
// Telegram-like bot API: long-poll ingress, rate-gated egress, group
// admin gating, and DM pairing enforcement.
type BotChannel struct {
	cfg BotConfig
	bot *tgbotapi.BotAPI

	allowedIDs map[int64]struct{}

	adminMu    sync.Mutex
	adminCache map[int64]adminCacheEntry
	warnedMu   sync.Mutex
	warnedAt   map[int64]time.Time
}

type adminCacheEntry struct {
	isAdmin   bool
	expiresAt time.Time
}

// NewBotChannel constructs a bot adapter. The bot connection itself is
// established in Start.
func NewBotChannel(cfg BotConfig) *BotChannel {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if cfg.GroupAdminTTL <= 0 {
		cfg.GroupAdminTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BotChannel{
		cfg:        cfg,
		allowedIDs: allowed,
		adminCache: make(map[int64]adminCacheEntry),
		warnedAt:   make(map[int64]time.Time),
	}
}

func (b *BotChannel) Name() string { return "telegram" }

// Start connects and runs the long-poll ingress loop until ctx is
// cancelled, reconnecting with exponential backoff on disconnect.
func (b *BotChannel) Start(ctx context.Context) error {
	var err error
	b.bot, err = tgbotapi.NewBotAPI(b.cfg.Token)
	if err != nil {
		return fmt.Errorf("bot channel: init failed: %w", err)
	}
	b.cfg.Logger.Info("bot channel started", "user", b.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.bot.GetUpdatesChan(u)

		pollErr := b.pollUpdates(ctx, updates)
		b.bot.StopReceivingUpdates()

		if pollErr != nil {
			b.cfg.Logger.Warn("bot channel disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel, detecting a stalled
// long-poll connection via a timer reset on every update (including
// empty long-poll returns).
func (b *BotChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				b.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (b *BotChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatType := ChatDM
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		chatType = ChatGroup
	}
	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	userID := fmt.Sprintf("%d", msg.From.ID)

	if chatType == ChatGroup {
		if !b.checkGroupAdmin(ctx, msg.Chat.ID) {
			b.warnAdminRequiredOnce(msg.Chat.ID)
			return
		}
		if !b.addressedToBot(msg) {
			return
		}
		text = b.stripMention(text)
	}

	if chatType == ChatDM {
		allowed, handled := enforceDMPolicy(ctx, b.cfg.Pairing, b.Name(), userID, msg.From.UserName, text, b.cfg.DMPolicy, b.isAllowlisted, func(reply string) { b.reply(chatID, reply) })
		if handled {
			return
		}
		if !allowed {
			return
		}
	}

	if text == "" {
		return
	}

	normalized := ChatMessage{
		ID:        fmt.Sprintf("%d", msg.MessageID),
		Platform:  b.Name(),
		UserID:    userID,
		Username:  msg.From.UserName,
		ChatID:    chatID,
		ChatType:  chatType,
		Text:      text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if b.cfg.OnMessage != nil {
		b.cfg.OnMessage(ctx, normalized)
	}
}

// isAllowlisted reports whether userID is in the bot's static numeric
// allowlist or already paired, satisfying the isAllowlisted callback
// enforceDMPolicy expects.
func (b *BotChannel) isAllowlisted(ctx context.Context, userID string) bool {
	var asInt int64
	fmt.Sscanf(userID, "%d", &asInt)
	_, staticallyAllowed := b.allowedIDs[asInt]
	return isPairedOrAllowlisted(ctx, b.cfg.Pairing, b.Name(), userID, staticallyAllowed)
}

func (b *BotChannel) checkGroupAdmin(ctx context.Context, chatID int64) bool {
	b.adminMu.Lock()
	entry, ok := b.adminCache[chatID]
	b.adminMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.isAdmin
	}

	member, err := b.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: b.bot.Self.ID},
	})
	isAdmin := err == nil && (member.Status == "administrator" || member.Status == "creator")

	b.adminMu.Lock()
	b.adminCache[chatID] = adminCacheEntry{isAdmin: isAdmin, expiresAt: time.Now().Add(b.cfg.GroupAdminTTL)}
	b.adminMu.Unlock()
	return isAdmin
}

func (b *BotChannel) warnAdminRequiredOnce(chatID int64) {
	b.warnedMu.Lock()
	defer b.warnedMu.Unlock()
	last, warned := b.warnedAt[chatID]
	if warned && time.Since(last) < time.Hour {
		return
	}
	b.warnedAt[chatID] = time.Now()
	b.reply(fmt.Sprintf("%d", chatID), "I need to be an admin in this group to work here.")
}

func (b *BotChannel) addressedToBot(msg *tgbotapi.Message) bool {
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == b.bot.Self.ID {
		return true
	}
	mention := "@" + b.bot.Self.UserName
	return strings.Contains(msg.Text, mention)
}

func (b *BotChannel) stripMention(text string) string {
	mention := "@" + b.bot.Self.UserName
	return strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
}

func (b *BotChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	ack := tgbotapi.NewCallback(query.ID, "")
	if _, err := b.bot.Request(ack); err != nil {
		b.cfg.Logger.Warn("bot channel: failed to ack callback", "error", err)
	}
	if b.cfg.OnCallback != nil {
		chatID := ""
		if query.Message != nil {
			chatID = fmt.Sprintf("%d", query.Message.Chat.ID)
		}
		b.cfg.OnCallback(ctx, b.Name(), chatID, fmt.Sprintf("%d", query.From.ID), query.Data)
	}
}

func (b *BotChannel) reply(chatID, text string) {
	var id int64
	fmt.Sscanf(chatID, "%d", &id)
	if _, err := b.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
		b.cfg.Logger.Error("bot channel: failed to send reply", "error", err)
	}
}

// --- Transport / DraftTransport implementation ---

// classifyErr converts the transport's flood-wait responses into the
// retry policy's RateLimitedError so the bounded 429 loop engages;
// everything else propagates unchanged.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return &retrypolicy.RateLimitedError{Err: err, RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	}
	return err
}

func (b *BotChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	var id int64
	fmt.Sscanf(chatID, "%d", &id)
	sent, err := b.bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return "", classifyErr(err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

func (b *BotChannel) EditText(ctx context.Context, chatID, messageID, text string) error {
	var chat int64
	var msg int
	fmt.Sscanf(chatID, "%d", &chat)
	fmt.Sscanf(messageID, "%d", &msg)
	_, err := b.bot.Send(tgbotapi.NewEditMessageText(chat, msg, text))
	return classifyErr(err)
}

func (b *BotChannel) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	var chat int64
	var msg int
	fmt.Sscanf(chatID, "%d", &chat)
	fmt.Sscanf(messageID, "%d", &msg)
	_, err := b.bot.Request(tgbotapi.NewDeleteMessage(chat, msg))
	return classifyErr(err)
}

// EditReplyMarkup replaces just the inline keyboard of an existing
// message, leaving its text alone.
func (b *BotChannel) EditReplyMarkup(ctx context.Context, chatID, messageID string, buttons [][]Button) error {
	var chat int64
	var msg int
	fmt.Sscanf(chatID, "%d", &chat)
	fmt.Sscanf(messageID, "%d", &msg)
	return b.cfg.Gate.Call(ctx, chatID, func() error {
		_, err := b.bot.Send(tgbotapi.NewEditMessageReplyMarkup(chat, msg, buildKeyboard(buttons)))
		if err != nil && isContentUnchanged(err) {
			return nil
		}
		return classifyErr(err)
	})
}

// ReactMessage sets an emoji reaction on a message. The underlying
// library predates setMessageReaction, so the call goes through the raw
// request path.
func (b *BotChannel) ReactMessage(ctx context.Context, chatID, messageID, emoji string) error {
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	params := tgbotapi.Params{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction":   string(reaction),
	}
	return b.cfg.Gate.Call(ctx, chatID, func() error {
		_, err := b.bot.MakeRequest("setMessageReaction", params)
		return classifyErr(err)
	})
}

// SendPoll posts a native poll and returns the resulting message id.
func (b *BotChannel) SendPoll(ctx context.Context, chatID, question string, options []string) (string, error) {
	var chat int64
	fmt.Sscanf(chatID, "%d", &chat)
	var messageID string
	err := b.cfg.Gate.Call(ctx, chatID, func() error {
		sent, err := b.bot.Send(tgbotapi.NewPoll(chat, question, options...))
		if err != nil {
			return classifyErr(err)
		}
		messageID = fmt.Sprintf("%d", sent.MessageID)
		return nil
	})
	return messageID, err
}

// SendMessageWithID sends a menu card (text + keyboard) and returns the
// transport message id so callers can edit it in place later.
func (b *BotChannel) SendMessageWithID(ctx context.Context, out OutgoingMessage) (string, error) {
	var chat int64
	fmt.Sscanf(out.ChatID, "%d", &chat)
	var messageID string
	err := b.cfg.Gate.Call(ctx, out.ChatID, func() error {
		msg := tgbotapi.NewMessage(chat, out.Text)
		if out.ParseMode == ParseMarkdownV2 {
			msg.ParseMode = "MarkdownV2"
		}
		if len(out.Buttons) > 0 {
			msg.ReplyMarkup = buildKeyboard(out.Buttons)
		}
		sent, err := b.bot.Send(msg)
		if err != nil {
			return classifyErr(err)
		}
		messageID = fmt.Sprintf("%d", sent.MessageID)
		return nil
	})
	return messageID, err
}

// EditMessage rewrites a previously sent menu card in place, replacing
// both text and keyboard. "Content unchanged" responses are success.
func (b *BotChannel) EditMessage(ctx context.Context, chatID, messageID string, out OutgoingMessage) error {
	var chat int64
	var msg int
	fmt.Sscanf(chatID, "%d", &chat)
	fmt.Sscanf(messageID, "%d", &msg)
	return b.cfg.Gate.Call(ctx, chatID, func() error {
		var err error
		if len(out.Buttons) > 0 {
			_, err = b.bot.Send(tgbotapi.NewEditMessageTextAndMarkup(chat, msg, out.Text, buildKeyboard(out.Buttons)))
		} else {
			_, err = b.bot.Send(tgbotapi.NewEditMessageText(chat, msg, out.Text))
		}
		if err != nil && isContentUnchanged(err) {
			return nil
		}
		return classifyErr(err)
	})
}

// CreateDraftStream returns a draft stream bound to this bot's transport
// and rate gate.
func (b *BotChannel) CreateDraftStream(chatID string) *DraftStream {
	return NewDraftStream(b.cfg.Gate, b, chatID, b.cfg.DraftMinInterval)
}

// SendOutgoing dispatches an OutgoingMessage: attachments first (each
// via the matching transport primitive), text last unless an attachment
// consumed it as a caption.
func (b *BotChannel) SendOutgoing(ctx context.Context, out OutgoingMessage) error {
	var chat int64
	fmt.Sscanf(out.ChatID, "%d", &chat)

	textConsumed := false
	for i, att := range out.Attachments {
		caption := att.Caption
		if !textConsumed && caption == "" && out.Text != "" {
			caption = out.Text
			textConsumed = true
		}
		if err := b.sendAttachment(ctx, chat, att, caption); err != nil {
			b.cfg.Logger.Warn("bot channel: failed to send attachment", "index", i, "kind", att.Kind, "error", err)
		}
	}

	if out.Text != "" && !textConsumed {
		return b.gateSendMessage(ctx, chat, out)
	}
	return nil
}

func (b *BotChannel) gateSendMessage(ctx context.Context, chat int64, out OutgoingMessage) error {
	return b.cfg.Gate.Call(ctx, out.ChatID, func() error {
		msg := tgbotapi.NewMessage(chat, out.Text)
		if out.ParseMode == ParseMarkdownV2 {
			msg.ParseMode = "MarkdownV2"
		}
		if len(out.Buttons) > 0 {
			msg.ReplyMarkup = buildKeyboard(out.Buttons)
		}
		_, err := b.bot.Send(msg)
		return classifyErr(err)
	})
}

func (b *BotChannel) sendAttachment(ctx context.Context, chat int64, att Attachment, caption string) error {
	if att.URL == "" && len(att.Bytes) == 0 {
		return fmt.Errorf("attachment missing both url and inline bytes")
	}
	var file tgbotapi.RequestFileData
	if att.URL != "" {
		file = tgbotapi.FileURL(att.URL)
	} else {
		file = tgbotapi.FileBytes{Name: att.Filename, Bytes: att.Bytes}
	}
	return b.cfg.Gate.Call(ctx, fmt.Sprintf("%d", chat), func() error {
		var err error
		switch att.Kind {
		case AttachmentImage:
			c := tgbotapi.NewPhoto(chat, file)
			c.Caption = caption
			_, err = b.bot.Send(c)
		case AttachmentVideo:
			c := tgbotapi.NewVideo(chat, file)
			c.Caption = caption
			_, err = b.bot.Send(c)
		case AttachmentAudio:
			c := tgbotapi.NewAudio(chat, file)
			c.Caption = caption
			_, err = b.bot.Send(c)
		case AttachmentVoice:
			c := tgbotapi.NewVoice(chat, file)
			c.Caption = caption
			_, err = b.bot.Send(c)
		case AttachmentDocument:
			c := tgbotapi.NewDocument(chat, file)
			c.Caption = caption
			_, err = b.bot.Send(c)
		case AttachmentSticker:
			c := tgbotapi.NewSticker(chat, file)
			_, err = b.bot.Send(c)
		default:
			return fmt.Errorf("unknown attachment kind %q", att.Kind)
		}
		return classifyErr(err)
	})
}

func buildKeyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			}
		}
		keyboard = append(keyboard, btns)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: keyboard}
}

// escapeMarkdownV2 escapes the reserved MarkdownV2 character set before
// injecting untrusted external strings into a Markdown body. Menu cards
// currently send with the default plain parse mode, so this is only
// reached by callers that explicitly opt into ParseMarkdownV2; any such
// caller must route external strings (market questions, usernames,
// error text) through here first.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!"
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
