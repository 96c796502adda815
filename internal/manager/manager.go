// Package manager owns the process-wide registry of connection runners.
// It is the only component that constructs runners, and the single writer
// for identity merges, so registry lookups and re-keys never race.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/drive"
	"github.com/assistant-support/chathub/internal/runner"
	"github.com/assistant-support/chathub/internal/store"
)

// MergedPayload announces that a provisional handle was folded into the
// canonical one. Clients watching the retired handle re-subscribe to "to".
type MergedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Options wires the manager's collaborators.
type Options struct {
	DB         *store.DB
	Bus        *bus.Bus
	Uploader   drive.Uploader
	Factory    chatnet.Factory
	Logger     *zap.Logger
	QRTimeout  time.Duration
	BufferSize int
}

// Manager maps account handle to its Runner.
type Manager struct {
	mu      sync.Mutex
	runners map[string]*runner.Runner

	db        *store.DB
	bus       *bus.Bus
	uploader  drive.Uploader
	factory   chatnet.Factory
	logger    *zap.Logger
	qrTimeout time.Duration
	bufSize   int
}

func New(opts Options) *Manager {
	return &Manager{
		runners:   make(map[string]*runner.Runner),
		db:        opts.DB,
		bus:       opts.Bus,
		uploader:  opts.Uploader,
		factory:   opts.Factory,
		logger:    opts.Logger,
		qrTimeout: opts.QRTimeout,
		bufSize:   opts.BufferSize,
	}
}

// NewHandle mints a provisional account handle for a fresh QR login.
func NewHandle() string {
	return "acc_" + uuid.NewString()
}

// GetOrCreate returns the runner registered under id, constructing an
// offline one if absent. The persisted proxy assignment, if any, is loaded
// onto a freshly constructed runner.
func (m *Manager) GetOrCreate(id string) *runner.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(id)
}

func (m *Manager) getOrCreateLocked(id string) *runner.Runner {
	if r, ok := m.runners[id]; ok {
		return r
	}

	proxy := ""
	acc, err := m.db.GetAccount(id)
	if err != nil {
		m.logger.Error("load account", zap.Error(err), zap.String("id", id))
	} else if acc != nil {
		proxy = acc.Proxy
	}

	r := runner.New(runner.Options{
		ID:         id,
		Proxy:      proxy,
		Factory:    m.factory,
		DB:         m.db,
		Uploader:   m.uploader,
		Bus:        m.bus,
		Logger:     m.logger,
		QRTimeout:  m.qrTimeout,
		BufferSize: m.bufSize,
		OnLogin:    m.checkMerge,
	})
	if acc != nil {
		// Seed listings with the last known profile before any login.
		r.SetProfile(chatnet.Profile{
			ExternalUserID: acc.ExternalUserID,
			DisplayName:    acc.DisplayName,
			AvatarURL:      acc.AvatarURL,
			PhoneNumber:    acc.PhoneNumber,
		})
	}
	m.runners[id] = r
	return r
}

// Bootstrap restores every persisted account that has credential material.
// Individual login failures are logged so one broken account does not block
// the rest. Accounts without credentials stay offline until a QR login.
func (m *Manager) Bootstrap(ctx context.Context) {
	accounts, err := m.db.ListAccounts()
	if err != nil {
		m.logger.Error("list accounts for bootstrap", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, acc := range accounts {
		r := m.GetOrCreate(acc.Handle)
		if acc.Credential == "" {
			continue
		}
		wg.Add(1)
		go func(acc store.Account, r *runner.Runner) {
			defer wg.Done()
			if err := r.LoginByCookie(ctx, acc.Credential); err != nil {
				m.logger.Warn("restore session", zap.Error(err), zap.String("id", acc.Handle))
			}
		}(acc, r)
	}
	wg.Wait()
	m.logger.Info("bootstrap finished", zap.Int("accounts", len(accounts)))
}

// checkMerge runs synchronously after every successful login, before the
// login call returns. If another persisted account already carries the same
// phone number, the just-logged-in provisional handle is folded into it:
// stored history is re-keyed, the fresh credential moves onto the canonical
// record, the retired record is deleted, and the live runner is re-keyed in
// the registry. Holding the registry mutex across the whole sequence keeps
// concurrent lookups from observing a half-merged state.
func (m *Manager) checkMerge(r *runner.Runner, profile chatnet.Profile) {
	if profile.PhoneNumber == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldID := r.ID()
	canonical, err := m.db.FindAccountByPhone(profile.PhoneNumber, oldID)
	if err != nil {
		m.logger.Error("merge lookup", zap.Error(err), zap.String("id", oldID))
		return
	}
	if canonical == nil {
		return
	}

	fresh, err := m.db.GetAccount(oldID)
	if err != nil || fresh == nil {
		m.logger.Error("load provisional account for merge", zap.Error(err), zap.String("id", oldID))
		return
	}

	// Move the fresh credential and profile onto the canonical record,
	// keeping the canonical proxy unless the new login set one.
	proxy := canonical.Proxy
	if fresh.Proxy != "" {
		proxy = fresh.Proxy
	}
	if err := m.db.UpsertAccount(&store.Account{
		Handle:         canonical.Handle,
		Credential:     fresh.Credential,
		DisplayName:    fresh.DisplayName,
		AvatarURL:      fresh.AvatarURL,
		ExternalUserID: fresh.ExternalUserID,
		PhoneNumber:    fresh.PhoneNumber,
		Proxy:          proxy,
		LastLoginAt:    fresh.LastLoginAt,
	}); err != nil {
		m.logger.Error("merge account record", zap.Error(err), zap.String("to", canonical.Handle))
		return
	}

	// History written under the provisional handle moves to the canonical
	// one, then the retired record goes away.
	if err := m.db.RekeyAccount(oldID, canonical.Handle); err != nil {
		m.logger.Error("re-key history", zap.Error(err), zap.String("from", oldID), zap.String("to", canonical.Handle))
		return
	}
	if err := m.db.DeleteAccount(oldID); err != nil {
		m.logger.Error("delete retired account", zap.Error(err), zap.String("id", oldID))
	}

	// An offline stub may already sit under the canonical key, typically
	// created by bootstrap for the stored record. The live runner wins.
	if displaced, ok := m.runners[canonical.Handle]; ok && displaced != r {
		displaced.Logout()
	}
	delete(m.runners, oldID)
	r.SetID(canonical.Handle)
	r.SetProxy(proxy)
	m.runners[canonical.Handle] = r

	m.logger.Info("accounts merged", zap.String("from", oldID), zap.String("to", canonical.Handle))
	m.bus.Publish(bus.Event{
		Room:    bus.RoomAccounts,
		Name:    bus.EventMerged,
		Payload: MergedPayload{From: oldID, To: canonical.Handle},
	})
}

// ListSessions snapshots every known account for the dashboard: the live
// registry plus persisted accounts that have no runner yet.
func (m *Manager) ListSessions() []runner.SessionInfo {
	accounts, err := m.db.ListAccounts()
	if err != nil {
		m.logger.Error("list accounts", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range accounts {
		m.getOrCreateLocked(acc.Handle)
	}
	infos := make([]runner.SessionInfo, 0, len(m.runners))
	for _, r := range m.runners {
		infos = append(infos, r.Info())
	}
	return infos
}

// UnreadTotals aggregates unread counts per account across the store.
func (m *Manager) UnreadTotals() (map[string]int, error) {
	return m.db.UnreadTotals()
}

// UnreadTotalForAccount aggregates one account's unread count.
func (m *Manager) UnreadTotalForAccount(id string) (int, error) {
	return m.db.UnreadTotal(id)
}

// SetProxy persists a proxy assignment and updates the live runner. The
// new egress applies on the next login, not to an open connection.
func (m *Manager) SetProxy(id, proxy string) error {
	if err := m.db.SetAccountProxy(id, proxy); err != nil {
		return err
	}
	m.GetOrCreate(id).SetProxy(proxy)
	m.bus.Publish(bus.Event{
		Room:    bus.RoomAccounts,
		Name:    bus.EventProxySet,
		Payload: ProxyPayload{ID: id, Proxy: proxy},
	})
	return nil
}

// ProxyPayload is the proxy:set broadcast body.
type ProxyPayload struct {
	ID    string `json:"id"`
	Proxy string `json:"proxy"`
}

// ShutdownAll logs out every runner. The process is exiting, so failures
// are swallowed.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	runners := make([]*runner.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.Logout()
	}
	m.logger.Info("all runners shut down", zap.Int("count", len(runners)))
}
