// Package chatnet defines the contract between the session runtime and the
// external chat network. The real implementation lives in the whatsapp
// subpackage; tests substitute fakes.
package chatnet

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the session lifecycle.
var (
	// ErrNotOnline is returned when an operation needs a live session and
	// the account is offline. Recoverable by logging in.
	ErrNotOnline = errors.New("account not online")

	// ErrLoginTimeout is returned when an interactive QR challenge is not
	// completed within the configured bound. Recoverable by retry.
	ErrLoginTimeout = errors.New("login challenge timed out")

	// ErrInvalidCredential is returned when stored credential material is
	// rejected by the network. A fresh interactive login is required.
	ErrInvalidCredential = errors.New("stored credential rejected")
)

// NetworkError wraps a transient network failure. The specific operation is
// safe to retry; the session itself is still considered live.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Content types for normalized messages.
const (
	ContentText    = "text"
	ContentImage   = "image"
	ContentFile    = "file"
	ContentSticker = "sticker"
)

// Profile is the identity snapshot reported by the network after login.
// PhoneNumber and ExternalUserID are the keys used for merge detection.
type Profile struct {
	ExternalUserID string `json:"externalUserId"`
	DisplayName    string `json:"displayName"`
	AvatarURL      string `json:"avatarUrl"`
	PhoneNumber    string `json:"phoneNumber"`
}

// Ack is the network's acknowledgement of an outbound send.
type Ack struct {
	MsgID string
}

// Attachment describes a file carried by an inbound message. Ref is an
// opaque handle the owning Session can resolve to bytes via Fetch; URL or
// Path point at the network's transient copy.
type Attachment struct {
	Ref  string
	Name string
	Mime string
	Size int64
	URL  string
	Path string
}

// IncomingMessage is a wire message normalized to the runtime's shape.
type IncomingMessage struct {
	ThreadID    string
	MsgID       string
	IsSelf      bool
	SenderName  string
	ContentType string // text|image|file|sticker
	Text        string
	Attachments []Attachment
	Ts          int64
}

// Event is a normalized event pushed onto a Session's channel. Exactly one
// variant per concrete type; runners consume with a type switch.
type Event interface {
	isEvent()
}

// MessageEvent carries one inbound (or self-echoed) message.
type MessageEvent struct {
	Message IncomingMessage
}

// DisconnectedEvent signals unrecoverable session loss. The session's event
// channel is closed after this is delivered.
type DisconnectedEvent struct {
	Reason string
}

func (MessageEvent) isEvent()      {}
func (DisconnectedEvent) isEvent() {}

// Session is one live authenticated connection against the network.
// Events delivers normalized events in arrival order; the channel is owned
// by the session and closed by Stop.
type Session interface {
	Profile() Profile
	// Credential returns the opaque blob sufficient to resume this session
	// without interactive login.
	Credential() string
	SendText(ctx context.Context, threadID, text string) (Ack, error)
	SendAttachment(ctx context.Context, threadID, name, mime string, data []byte) (Ack, error)
	// Fetch resolves an inbound attachment's bytes from the network's
	// transient location.
	Fetch(ctx context.Context, att Attachment) ([]byte, error)
	Events() <-chan Event
	Stop()
}

// Client dials sessions for a single account.
type Client interface {
	// LoginWithCredential resumes a session from stored credential
	// material. Fails with ErrInvalidCredential when the network rejects it.
	LoginWithCredential(ctx context.Context, credential string) (Session, error)
	// LoginQR requests a fresh login challenge. Challenge codes stream on
	// codes until the login completes, fails, or ctx expires; the caller
	// bounds ctx. The codes channel is closed before LoginQR returns.
	LoginQR(ctx context.Context, codes chan<- string) (Session, error)
	// Close releases resources held for the account without touching the
	// network credential state.
	Close() error
}

// Factory constructs the network client for one account handle. The proxy
// string is an outbound egress override, empty for direct.
type Factory func(accountID, proxy string) (Client, error)
