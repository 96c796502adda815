// Package runner owns the full lifecycle of one account's external session:
// login, the inbound listener loop, local message buffers, and sends.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/drive"
	"github.com/assistant-support/chathub/internal/store"
)

// Runner status values. A runner is online exactly while it holds a live
// session; there is no intermediate state visible to callers.
const (
	StatusOffline = "offline"
	StatusOnline  = "online"
)

// DefaultBufferSize bounds the per-thread recent-message cache.
const DefaultBufferSize = 200

// SessionInfo is the snapshot served to dashboard clients.
type SessionInfo struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	PhoneNumber string `json:"phoneNumber"`
	Proxy       string `json:"proxy,omitempty"`
}

// Options configures a Runner. OnLogin is the manager's merge-detection
// hook, invoked synchronously after every successful login once the
// profile's phone number is known.
type Options struct {
	ID         string
	Proxy      string
	Factory    chatnet.Factory
	DB         *store.DB
	Uploader   drive.Uploader // nil disables attachment hosting
	Bus        *bus.Bus
	Logger     *zap.Logger
	QRTimeout  time.Duration
	BufferSize int
	OnLogin    func(r *Runner, profile chatnet.Profile)
}

// Runner drives one account's connection.
type Runner struct {
	db       *store.DB
	uploader drive.Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	factory  chatnet.Factory
	onLogin  func(*Runner, chatnet.Profile)

	qrTimeout time.Duration
	bufSize   int

	mu          sync.Mutex
	id          string
	epoch       uint64 // bumped on logout and disconnect to invalidate in-flight logins
	status      string
	proxy       string
	client      chatnet.Client
	clientProxy string // egress the current client was built with
	session     chatnet.Session
	profile     chatnet.Profile
	buffers     map[string]*ring
}

// New constructs an offline runner. No network activity happens until a
// login call.
func New(opts Options) *Runner {
	if opts.QRTimeout <= 0 {
		opts.QRTimeout = 60 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Runner{
		db:        opts.DB,
		uploader:  opts.Uploader,
		bus:       opts.Bus,
		logger:    opts.Logger.With(zap.String("account", opts.ID)),
		factory:   opts.Factory,
		onLogin:   opts.OnLogin,
		qrTimeout: opts.QRTimeout,
		bufSize:   opts.BufferSize,
		id:        opts.ID,
		status:    StatusOffline,
		proxy:     opts.Proxy,
		buffers:   make(map[string]*ring),
	}
}

// ID returns the current account handle.
func (r *Runner) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// SetID re-keys the runner during an identity merge. Only the manager
// calls this, inside its registry critical section.
func (r *Runner) SetID(id string) {
	r.mu.Lock()
	r.id = id
	// Buffered messages still carry the retired handle; re-stamp them so
	// recent-message queries agree with the store after the re-key.
	for _, buf := range r.buffers {
		buf.restamp(id)
	}
	r.logger = r.logger.With(zap.String("merged_as", id))
	r.mu.Unlock()
}

// Status returns offline or online.
func (r *Runner) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Info returns the snapshot used for session listings.
func (r *Runner) Info() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SessionInfo{
		ID:          r.id,
		Status:      r.status,
		DisplayName: r.profile.DisplayName,
		AvatarURL:   r.profile.AvatarURL,
		PhoneNumber: r.profile.PhoneNumber,
		Proxy:       r.proxy,
	}
}

// Profile returns the last known identity snapshot.
func (r *Runner) Profile() chatnet.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile
}

// SetProxy records a new egress override. It takes effect on the next
// login; an already-open connection keeps its current egress until the
// account reconnects.
func (r *Runner) SetProxy(proxy string) {
	r.mu.Lock()
	r.proxy = proxy
	if r.status == StatusOffline && r.client != nil {
		// Drop the idle client so the next login dials through the new proxy.
		_ = r.client.Close()
		r.client = nil
	}
	r.mu.Unlock()
}

// SetProfile seeds the profile from a persisted record, for listings
// before the first login of this process.
func (r *Runner) SetProfile(p chatnet.Profile) {
	r.mu.Lock()
	r.profile = p
	r.mu.Unlock()
}

// ensureClient returns the dialable client plus the epoch the handshake
// started under, so finishLogin can tell whether a logout intervened.
func (r *Runner) ensureClient() (chatnet.Client, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil && r.clientProxy != r.proxy {
		// Proxy changed since this client was built; dial fresh.
		_ = r.client.Close()
		r.client = nil
	}
	if r.client == nil {
		c, err := r.factory(r.id, r.proxy)
		if err != nil {
			return nil, 0, err
		}
		r.client = c
		r.clientProxy = r.proxy
	}
	return r.client, r.epoch, nil
}

// LoginByQR requests a fresh login challenge and suspends until the user
// completes it or the configured timeout elapses. Challenge codes are
// broadcast to the shared room as rendered QR images. Already-online is a
// no-op.
func (r *Runner) LoginByQR(ctx context.Context) error {
	if r.Status() == StatusOnline {
		return nil
	}
	client, epoch, err := r.ensureClient()
	if err != nil {
		return err
	}

	qrCtx, cancel := context.WithTimeout(ctx, r.qrTimeout)
	defer cancel()

	codes := make(chan string, 4)
	go r.publishChallenges(codes)

	sess, err := client.LoginQR(qrCtx, codes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = chatnet.ErrLoginTimeout
		}
		r.logger.Warn("qr login failed", zap.Error(err))
		return err
	}
	return r.finishLogin(sess, epoch)
}

// LoginByCookie resumes a session from stored credential material.
func (r *Runner) LoginByCookie(ctx context.Context, cred string) error {
	if r.Status() == StatusOnline {
		return nil
	}
	client, epoch, err := r.ensureClient()
	if err != nil {
		return err
	}

	sess, err := client.LoginWithCredential(ctx, cred)
	if err != nil {
		r.logger.Warn("credential login failed", zap.Error(err))
		return err
	}
	return r.finishLogin(sess, epoch)
}

func (r *Runner) publishChallenges(codes <-chan string) {
	for code := range codes {
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			r.logger.Error("render qr code", zap.Error(err))
			continue
		}
		r.bus.Publish(bus.Event{
			Room: bus.RoomAccounts,
			Name: bus.EventQR,
			Payload: QRPayload{
				ID:    r.ID(),
				Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			},
		})
	}
}

func (r *Runner) finishLogin(sess chatnet.Session, epoch uint64) error {
	profile := sess.Profile()

	r.mu.Lock()
	if r.epoch != epoch {
		// A logout raced the handshake; the fresh connection must not
		// outlive it.
		r.mu.Unlock()
		sess.Stop()
		return chatnet.ErrNotOnline
	}
	r.epoch++
	r.session = sess
	r.status = StatusOnline
	r.profile = profile
	id := r.id
	proxy := r.proxy
	r.mu.Unlock()

	if err := r.db.UpsertAccount(&store.Account{
		Handle:         id,
		Credential:     sess.Credential(),
		DisplayName:    profile.DisplayName,
		AvatarURL:      profile.AvatarURL,
		ExternalUserID: profile.ExternalUserID,
		PhoneNumber:    profile.PhoneNumber,
		Proxy:          proxy,
		LastLoginAt:    time.Now().UnixMilli(),
	}); err != nil {
		r.logger.Error("persist account after login", zap.Error(err))
	}

	go r.consume(sess)

	r.logger.Info("account online", zap.String("phone", profile.PhoneNumber))
	r.bus.Publish(bus.Event{
		Room:    bus.RoomAccounts,
		Name:    bus.EventOnline,
		Payload: OnlinePayload{ID: id, Profile: profile},
	})

	// Merge detection runs synchronously so a concurrent lookup can never
	// observe the retired handle half-moved.
	if r.onLogin != nil && profile.PhoneNumber != "" {
		r.onLogin(r, profile)
	}
	return nil
}

// Logout stops the listener and releases the live session. Idempotent;
// safe to call while a login or send is in flight, since the session is
// invalidated first and those fail fast.
func (r *Runner) Logout() {
	r.mu.Lock()
	r.epoch++
	sess := r.session
	r.session = nil
	wasOnline := r.status == StatusOnline
	r.status = StatusOffline
	id := r.id
	r.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	if wasOnline {
		r.logger.Info("account offline")
		r.bus.Publish(bus.Event{
			Room:    bus.RoomAccounts,
			Name:    bus.EventOffline,
			Payload: OfflinePayload{ID: id, Reason: "logout"},
		})
	}
}

// GetRecentMessages serves up to limit buffered messages for a thread
// without touching the store.
func (r *Runner) GetRecentMessages(threadID string, limit int) []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[threadID]
	if !ok {
		return nil
	}
	return buf.recent(limit)
}

// ResetUnread zeroes the thread's unread counter and re-broadcasts the
// thread summary.
func (r *Runner) ResetUnread(threadID string) error {
	id := r.ID()
	if err := r.db.ResetUnread(id, threadID); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{
		Room:    bus.AccountRoom(id),
		Name:    bus.EventThreadsUpdate,
		Payload: ThreadsUpdatePayload{AccountID: id, ThreadID: threadID},
	})
	return nil
}

func (r *Runner) bufferPush(m store.Message) {
	r.mu.Lock()
	buf, ok := r.buffers[m.ThreadID]
	if !ok {
		buf = newRing(r.bufSize)
		r.buffers[m.ThreadID] = buf
	}
	buf.push(m)
	r.mu.Unlock()
}

func (r *Runner) bufferPatch(threadID, msgID, cliMsgID string, fn func(*store.Message)) {
	r.mu.Lock()
	if buf, ok := r.buffers[threadID]; ok {
		buf.patch(msgID, cliMsgID, fn)
	}
	r.mu.Unlock()
}

// liveSession returns the current session or ErrNotOnline.
func (r *Runner) liveSession() (chatnet.Session, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusOnline || r.session == nil {
		return nil, r.id, chatnet.ErrNotOnline
	}
	return r.session, r.id, nil
}
