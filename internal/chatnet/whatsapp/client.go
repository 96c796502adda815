// Package whatsapp implements chatnet against WhatsApp via whatsmeow.
// Each account owns its own session.db holding the device credential state.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/chatnet"

	_ "github.com/mattn/go-sqlite3"
)

const connectWait = 15 * time.Second

// credential is the opaque blob persisted in the account record. The real
// secret material lives in the per-account session.db; the blob only pins
// which device identity the db is expected to hold.
type credential struct {
	JID string `json:"jid"`
}

// Client dials WhatsApp sessions for one account.
type Client struct {
	wc        *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
}

// NewFactory returns a chatnet.Factory backed by whatsmeow, with one
// session store per account handle under dataDir/accounts/<handle>.
func NewFactory(sessionDBPath func(handle string) string, logger *zap.Logger) chatnet.Factory {
	return func(accountID, proxy string) (chatnet.Client, error) {
		return NewClient(context.Background(), sessionDBPath(accountID), proxy, logger.With(zap.String("account", accountID)))
	}
}

// NewClient opens the account's device store and prepares a whatsmeow
// client. No network traffic happens until a login call.
func NewClient(ctx context.Context, dbPath, proxy string, logger *zap.Logger) (*Client, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("ChatHub", [3]uint32{1, 0, 0})

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create account dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	wc := whatsmeow.NewClient(deviceStore, nil)
	if proxy != "" {
		if err := wc.SetProxyAddress(proxy); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	return &Client{
		wc:        wc,
		container: container,
		logger:    logger,
	}, nil
}

// LoginWithCredential resumes the stored device session without interaction.
func (c *Client) LoginWithCredential(ctx context.Context, blob string) (chatnet.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.wc.Store.ID == nil {
		return nil, chatnet.ErrInvalidCredential
	}
	if blob != "" {
		var cred credential
		if err := json.Unmarshal([]byte(blob), &cred); err == nil && cred.JID != "" && cred.JID != c.wc.Store.ID.String() {
			c.logger.Warn("credential blob does not match device store",
				zap.String("blob_jid", cred.JID),
				zap.String("device_jid", c.wc.Store.ID.String()))
			return nil, chatnet.ErrInvalidCredential
		}
	}

	sess := newSession(c.wc, c.logger)
	if err := c.wc.Connect(); err != nil {
		sess.Stop()
		return nil, &chatnet.NetworkError{Op: "connect", Err: err}
	}
	if !c.wc.WaitForConnection(connectWait) {
		sess.Stop()
		return nil, &chatnet.NetworkError{Op: "connect", Err: fmt.Errorf("no connection within %s", connectWait)}
	}
	if !c.wc.IsLoggedIn() {
		// The server dropped the device registration.
		sess.Stop()
		return nil, chatnet.ErrInvalidCredential
	}
	return sess, nil
}

// LoginQR runs the interactive pairing flow, streaming challenge codes on
// codes until the login completes or ctx expires.
func (c *Client) LoginQR(ctx context.Context, codes chan<- string) (chatnet.Session, error) {
	defer close(codes)

	if c.wc.Store.ID != nil {
		// Already paired; a QR request on a paired device falls back to
		// a plain resume.
		return c.LoginWithCredential(ctx, "")
	}

	qrChan, err := c.wc.GetQRChannel(ctx)
	if err != nil {
		return nil, &chatnet.NetworkError{Op: "qr channel", Err: err}
	}

	sess := newSession(c.wc, c.logger)
	if err := c.wc.Connect(); err != nil {
		sess.Stop()
		return nil, &chatnet.NetworkError{Op: "connect", Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			sess.Stop()
			return nil, chatnet.ErrLoginTimeout
		case item, ok := <-qrChan:
			if !ok {
				sess.Stop()
				return nil, chatnet.ErrLoginTimeout
			}
			switch item.Event {
			case "code":
				select {
				case codes <- item.Code:
				case <-ctx.Done():
					sess.Stop()
					return nil, chatnet.ErrLoginTimeout
				}
			case "success":
				return sess, nil
			case "timeout":
				sess.Stop()
				return nil, chatnet.ErrLoginTimeout
			default:
				if item.Error != nil {
					sess.Stop()
					return nil, &chatnet.NetworkError{Op: "qr login", Err: item.Error}
				}
			}
		}
	}
}

// Close releases the device store container.
func (c *Client) Close() error {
	return c.container.Close()
}
