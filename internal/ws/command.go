package ws

import (
	"encoding/json"
	"fmt"
)

// Command is the closed set of client requests. Wire names exist only at
// the decode boundary; everything past DecodeCommand dispatches on the
// concrete type.
type Command interface {
	isCommand()
}

type LoginQR struct {
	ID string `json:"id"`
}

type LoginCookie struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
}

type Logout struct {
	ID string `json:"id"`
}

type SendText struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
}

type SendFile struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Path     string   `json:"path,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

type ThreadSeen struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type ThreadPin struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Pinned   bool   `json:"pinned"`
}

type ThreadMute struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Muted    bool   `json:"muted"`
}

type SetProxy struct {
	ID    string `json:"id"`
	Proxy string `json:"proxy"`
}

type ListSessions struct{}

type UnreadAll struct{}

type UnreadAccount struct {
	ID string `json:"id"`
}

type MessagesRecent struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Limit    int    `json:"limit,omitempty"`
}

type MessagesHistory struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	BeforeTs int64  `json:"beforeTs,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type ThreadsList struct {
	ID string `json:"id"`
}

func (LoginQR) isCommand()         {}
func (LoginCookie) isCommand()     {}
func (Logout) isCommand()          {}
func (SendText) isCommand()        {}
func (SendFile) isCommand()        {}
func (ThreadSeen) isCommand()      {}
func (ThreadPin) isCommand()       {}
func (ThreadMute) isCommand()      {}
func (SetProxy) isCommand()        {}
func (ListSessions) isCommand()    {}
func (UnreadAll) isCommand()       {}
func (UnreadAccount) isCommand()   {}
func (MessagesRecent) isCommand()  {}
func (MessagesHistory) isCommand() {}
func (ThreadsList) isCommand()     {}

// DecodeCommand maps a wire command name and its JSON payload onto one of
// the concrete Command variants.
func DecodeCommand(name string, payload json.RawMessage) (Command, error) {
	decode := func(dst Command) (Command, error) {
		if len(payload) == 0 {
			return dst, nil
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", name, err)
		}
		return dst, nil
	}

	switch name {
	case "login:qr":
		return decode(&LoginQR{})
	case "login:cookie":
		return decode(&LoginCookie{})
	case "logout":
		return decode(&Logout{})
	case "send:text":
		return decode(&SendText{})
	case "send:file":
		return decode(&SendFile{})
	case "thread:seen":
		return decode(&ThreadSeen{})
	case "thread:pin":
		return decode(&ThreadPin{})
	case "thread:mute":
		return decode(&ThreadMute{})
	case "proxy:set":
		return decode(&SetProxy{})
	case "sessions:list":
		return &ListSessions{}, nil
	case "unread:all":
		return &UnreadAll{}, nil
	case "unread:account":
		return decode(&UnreadAccount{})
	case "messages:recent":
		return decode(&MessagesRecent{})
	case "messages:history":
		return decode(&MessagesHistory{})
	case "threads:list":
		return decode(&ThreadsList{})
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}
