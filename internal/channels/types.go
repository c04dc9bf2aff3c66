package channels

import "time"

// ChatType distinguishes a direct message from a group conversation.
type ChatType string

const (
	ChatDM    ChatType = "dm"
	ChatGroup ChatType = "group"
)

// ParseMode selects how OutgoingMessage.Text is rendered by the transport.
type ParseMode string

const (
	ParsePlain      ParseMode = "plain"
	ParseMarkdown   ParseMode = "markdown"
	ParseMarkdownV2 ParseMode = "markdownV2"
	ParseHTML       ParseMode = "html"
)

// AttachmentKind is the closed set of attachment variants a transport
// must be able to dispatch on.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentDocument AttachmentKind = "document"
	AttachmentSticker  AttachmentKind = "sticker"
)

// ChatMessage is an immutable inbound message, normalized across channels.
type ChatMessage struct {
	ID          string
	Platform    string
	UserID      string
	Username    string
	ChatID      string
	ChatType    ChatType
	Text        string
	ReplyToID   string
	Attachments []Attachment
	Timestamp   time.Time
	// RemoteAddr is set only for transports that can observe a network
	// peer address (used by the pairing service's auto-approve check).
	RemoteAddr string
}

// Button is one inline-keyboard button. Exactly one of URL or
// CallbackData must be set; CallbackData must fit in 64 bytes.
type Button struct {
	Text         string
	URL          string
	CallbackData string
}

// Attachment is a tagged variant describing one outgoing or incoming
// media item. Exactly one of URL or Bytes should be set on egress.
type Attachment struct {
	Kind     AttachmentKind
	URL      string
	Bytes    []byte
	MimeType string
	Filename string
	Width    int
	Height   int
	Duration time.Duration
	Caption  string
}

// OutgoingMessage is produced transiently by a handler and consumed by
// an adapter's transport primitives.
type OutgoingMessage struct {
	Platform    string
	ChatID      string
	Text        string
	ParseMode   ParseMode
	Buttons     [][]Button
	Attachments []Attachment
	ThreadID    string
}
