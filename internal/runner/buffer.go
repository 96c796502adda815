package runner

import "github.com/assistant-support/chathub/internal/store"

// ring is a bounded per-thread buffer of the most recent messages, kept in
// arrival order. It serves fast "recent messages" queries without a store
// round-trip; it is a cache, not the source of truth.
type ring struct {
	capacity int
	items    []store.Message
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

func (b *ring) push(m store.Message) {
	b.items = append(b.items, m)
	if len(b.items) > b.capacity {
		// Drop the oldest; copy so the backing array doesn't grow forever.
		b.items = append(b.items[:0:0], b.items[len(b.items)-b.capacity:]...)
	}
}

// recent returns up to limit most recent messages in arrival order.
func (b *ring) recent(limit int) []store.Message {
	if limit <= 0 || limit > len(b.items) {
		limit = len(b.items)
	}
	out := make([]store.Message, limit)
	copy(out, b.items[len(b.items)-limit:])
	return out
}

// restamp rewrites the account handle on every buffered message, for
// identity merges that re-key the runner.
func (b *ring) restamp(accountID string) {
	for i := range b.items {
		b.items[i].AccountID = accountID
	}
}

// patch applies fn to the buffered message matching the idempotency key,
// if it is still in the window.
func (b *ring) patch(msgID, cliMsgID string, fn func(*store.Message)) {
	for i := range b.items {
		m := &b.items[i]
		if (msgID != "" && m.MsgID == msgID) || (cliMsgID != "" && m.CliMsgID == cliMsgID) {
			fn(m)
			return
		}
	}
}
