package ws

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/manager"
	"github.com/assistant-support/chathub/internal/runner"
	"github.com/assistant-support/chathub/internal/store"
)

// Router executes decoded commands against the manager and its runners.
type Router struct {
	manager *manager.Manager
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
}

func NewRouter(m *manager.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *Router {
	return &Router{manager: m, db: db, bus: b, logger: logger}
}

// ack is the reply body for commands whose effect is fully described by a
// subsequent broadcast.
type ack struct {
	ID string `json:"id,omitempty"`
}

// Dispatch runs one command and returns its reply payload. The type switch
// is exhaustive over the Command variants; an unlisted variant is a
// programming error.
func (rt *Router) Dispatch(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case *LoginQR:
		id := c.ID
		if id == "" {
			id = manager.NewHandle()
		}
		r := rt.manager.GetOrCreate(id)
		if err := r.LoginByQR(ctx); err != nil {
			return nil, err
		}
		// A merge during login may have retired the provisional handle.
		return r.Info(), nil

	case *LoginCookie:
		if c.ID == "" {
			return nil, errors.New("missing account id")
		}
		r := rt.manager.GetOrCreate(c.ID)
		if err := r.LoginByCookie(ctx, c.Credential); err != nil {
			return nil, err
		}
		return r.Info(), nil

	case *Logout:
		rt.manager.GetOrCreate(c.ID).Logout()
		return ack{ID: c.ID}, nil

	case *SendText:
		return rt.manager.GetOrCreate(c.ID).SendText(ctx, c.ThreadID, c.Text)

	case *SendFile:
		paths := c.Paths
		if c.Path != "" {
			paths = append(paths, c.Path)
		}
		if len(paths) == 0 {
			return nil, errors.New("no file path given")
		}
		return rt.manager.GetOrCreate(c.ID).SendAttachments(ctx, c.ThreadID, paths)

	case *ThreadSeen:
		if err := rt.manager.GetOrCreate(c.ID).ResetUnread(c.ThreadID); err != nil {
			return nil, err
		}
		return ack{ID: c.ID}, nil

	case *ThreadPin:
		if err := rt.db.SetThreadPinned(c.ID, c.ThreadID, c.Pinned); err != nil {
			return nil, err
		}
		rt.broadcastThreads(c.ID, c.ThreadID)
		return ack{ID: c.ID}, nil

	case *ThreadMute:
		if err := rt.db.SetThreadMuted(c.ID, c.ThreadID, c.Muted); err != nil {
			return nil, err
		}
		rt.broadcastThreads(c.ID, c.ThreadID)
		return ack{ID: c.ID}, nil

	case *SetProxy:
		if err := rt.manager.SetProxy(c.ID, c.Proxy); err != nil {
			return nil, err
		}
		return ack{ID: c.ID}, nil

	case *ListSessions:
		return rt.manager.ListSessions(), nil

	case *UnreadAll:
		return rt.manager.UnreadTotals()

	case *UnreadAccount:
		n, err := rt.manager.UnreadTotalForAccount(c.ID)
		if err != nil {
			return nil, err
		}
		return map[string]int{c.ID: n}, nil

	case *MessagesRecent:
		r := rt.manager.GetOrCreate(c.ID)
		msgs := r.GetRecentMessages(c.ThreadID, c.Limit)
		if len(msgs) == 0 {
			// Cold buffer after a restart; fall back to the store. The
			// store lists newest first, the buffer serves arrival order,
			// so flip the page to keep one ordering on the wire.
			stored, err := rt.db.ListMessages(c.ID, c.ThreadID, 0, c.Limit)
			if err != nil {
				return nil, err
			}
			slices.Reverse(stored)
			return stored, nil
		}
		return msgs, nil

	case *MessagesHistory:
		return rt.db.ListMessages(c.ID, c.ThreadID, c.BeforeTs, c.Limit)

	case *ThreadsList:
		return rt.db.ListThreads(c.ID, 0, 0)

	default:
		return nil, fmt.Errorf("unhandled command %T", cmd)
	}
}

func (rt *Router) broadcastThreads(accountID, threadID string) {
	rt.bus.Publish(bus.Event{
		Room:    bus.AccountRoom(accountID),
		Name:    bus.EventThreadsUpdate,
		Payload: runner.ThreadsUpdatePayload{AccountID: accountID, ThreadID: threadID},
	})
}

// errorCode flattens an error into the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chatnet.ErrNotOnline):
		return "NotOnline"
	case errors.Is(err, chatnet.ErrLoginTimeout):
		return "LoginTimeout"
	case errors.Is(err, chatnet.ErrInvalidCredential):
		return "InvalidCredential"
	default:
		var ne *chatnet.NetworkError
		if errors.As(err, &ne) {
			return "NetworkError"
		}
		return "Internal"
	}
}
