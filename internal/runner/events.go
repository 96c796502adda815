package runner

import (
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/store"
)

// Broadcast payload shapes. Field names are the browser-facing wire format.

type OnlinePayload struct {
	ID      string          `json:"id"`
	Profile chatnet.Profile `json:"profile"`
}

type OfflinePayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type QRPayload struct {
	ID    string `json:"id"`
	Image string `json:"image"`
}

type MessagePayload struct {
	ID   string        `json:"id"`
	Data store.Message `json:"data"`
}

type MessageUpdatePayload struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"threadId"`
	Data     store.Message `json:"data"`
}

type ThreadsUpdatePayload struct {
	AccountID string `json:"accountId"`
	ThreadID  string `json:"threadId"`
}
