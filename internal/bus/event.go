package bus

import "time"

// Room names used across the daemon. Each account gets its own room for
// thread/message traffic; account-list and QR events go to the shared room.
const (
	RoomAccounts = "accounts"
)

// AccountRoom returns the room carrying one account's chat traffic.
func AccountRoom(id string) string {
	return "acc:" + id
}

// Event names on the browser-facing wire.
const (
	EventOnline        = "online"
	EventOffline       = "offline"
	EventMerged        = "merged"
	EventMessage       = "message"
	EventMessageUpdate = "message:update"
	EventThreadsUpdate = "threads:update"
	EventQR            = "qr"
	EventProxySet      = "proxy:set"
)

// Event is a broadcastable state change scoped to a room.
type Event struct {
	Room      string
	Name      string
	Timestamp time.Time
	Payload   any
}
