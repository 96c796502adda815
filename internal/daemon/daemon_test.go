package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/config"
	"github.com/assistant-support/chathub/internal/lock"
	"github.com/assistant-support/chathub/internal/manager"
	"github.com/assistant-support/chathub/internal/store"
	"github.com/assistant-support/chathub/internal/ws"
)

// TestFxModuleWiring verifies the dependency graph resolves without errors,
// so a provider signature change cannot crash startup silently.
func TestFxModuleWiring(t *testing.T) {
	err := fx.ValidateApp(Module(Params{DataDir: t.TempDir()}))
	if err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

func TestServerRoutes(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	// A second daemon against the same data dir must be refused.
	if _, err := lock.Acquire(dir); err == nil {
		t.Fatal("second lock acquire succeeded")
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	factory := func(_, _ string) (chatnet.Client, error) {
		return nil, chatnet.ErrInvalidCredential
	}
	mgr := manager.New(manager.Options{DB: db, Bus: b, Factory: factory, Logger: logger})
	hub := ws.NewHub(ws.NewRouter(mgr, db, b, logger), b, logger)
	defer hub.CloseAll()
	go hub.Run(t.Context())

	srv := NewServer(cfg, hub, mgr, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Liveness probe.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	var health struct {
		Status   string         `json:"status"`
		Accounts map[string]int `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("healthz status = %q", health.Status)
	}

	// Realtime endpoint upgrades and serves commands end to end.
	sock, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sock.Close() }()

	if err := sock.WriteJSON(ws.Frame{Op: "cmd", ID: "1", Name: "sessions:list"}); err != nil {
		t.Fatal(err)
	}
	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	if err := sock.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["ok"] != true {
		t.Fatalf("sessions:list reply = %v", reply)
	}

	srv.Stop(context.Background())
}
