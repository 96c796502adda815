package store

// Message direction values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message status values.
const (
	StatusUploading = "uploading"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
	StatusFailed    = "failed"
)

// Message content types.
const (
	ContentText    = "text"
	ContentImage   = "image"
	ContentFile    = "file"
	ContentSticker = "sticker"
)

// Account is the durable record of one external identity, keyed by a
// locally generated handle until a merge retires it.
type Account struct {
	Handle         string
	Credential     string // opaque blob sufficient to resume a session
	DisplayName    string
	AvatarURL      string
	ExternalUserID string
	PhoneNumber    string
	Proxy          string
	LastLoginAt    int64
}

// Thread is one conversation with a counterparty, scoped to one account.
// JSON tags are the browser-facing wire shape.
type Thread struct {
	AccountID       string `json:"accountId"`
	ThreadID        string `json:"threadId"`
	Name            string `json:"name"`
	Avatar          string `json:"avatar"`
	Unread          int    `json:"unread"`
	Pinned          bool   `json:"pinned"`
	Muted           bool   `json:"muted"`
	LastMessageAt   int64  `json:"lastMessageAt"`
	LastMessageText string `json:"lastMessageText"`
	LastMessageType string `json:"lastMessageType"`
	LastMessageFrom string `json:"lastMessageFrom"`
}

// Attachment describes one file carried by a message. URL points at the
// network's transient location until the object-storage upload patches in
// the durable links.
type Attachment struct {
	Name          string `json:"name"`
	Mime          string `json:"mime"`
	Size          int64  `json:"size"`
	URL           string `json:"url,omitempty"`
	Path          string `json:"path,omitempty"`
	Type          string `json:"type"`
	DriveID       string `json:"driveId,omitempty"`
	ViewLink      string `json:"viewLink,omitempty"`
	DownloadLink  string `json:"downloadLink,omitempty"`
	ThumbnailLink string `json:"thumbnailLink,omitempty"`
}

// Message is one wire message. MsgID is the external network's id when
// known; CliMsgID is the locally generated id used to reconcile optimistic
// outbound writes. At least one of the two must be set.
type Message struct {
	ID          int64        `json:"-"`
	AccountID   string       `json:"accountId"`
	ThreadID    string       `json:"threadId"`
	MsgID       string       `json:"msgId,omitempty"`
	CliMsgID    string       `json:"cliMsgId,omitempty"`
	Direction   string       `json:"direction"`
	IsSelf      bool         `json:"isSelf"`
	ContentType string       `json:"contentType"`
	Body        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Status      string       `json:"status"`
	Ts          int64        `json:"ts"`
}
