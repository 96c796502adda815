package store

import (
	"database/sql"
	"time"
)

// UpsertAccount inserts or updates an account record keyed by handle.
func (db *DB) UpsertAccount(a *Account) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO accounts (handle, credential, display_name, avatar_url, external_user_id, phone_number, proxy, last_login_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			credential = excluded.credential,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			external_user_id = excluded.external_user_id,
			phone_number = excluded.phone_number,
			proxy = excluded.proxy,
			last_login_at = excluded.last_login_at`,
		a.Handle, a.Credential, a.DisplayName, a.AvatarURL, a.ExternalUserID, a.PhoneNumber, a.Proxy, a.LastLoginAt, now)
	return err
}

// GetAccount returns a single account by handle, or nil if absent.
func (db *DB) GetAccount(handle string) (*Account, error) {
	var a Account
	err := db.QueryRow(`
		SELECT handle, credential, display_name, avatar_url, external_user_id, phone_number, proxy, last_login_at
		FROM accounts WHERE handle = ?`, handle).
		Scan(&a.Handle, &a.Credential, &a.DisplayName, &a.AvatarURL, &a.ExternalUserID, &a.PhoneNumber, &a.Proxy, &a.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns all persisted accounts, oldest first.
func (db *DB) ListAccounts() ([]Account, error) {
	rows, err := db.Query(`
		SELECT handle, credential, display_name, avatar_url, external_user_id, phone_number, proxy, last_login_at
		FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Handle, &a.Credential, &a.DisplayName, &a.AvatarURL, &a.ExternalUserID, &a.PhoneNumber, &a.Proxy, &a.LastLoginAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// FindAccountByPhone returns the account with the given phone number whose
// handle differs from exclude, or nil. Used for merge detection after login.
func (db *DB) FindAccountByPhone(phone, exclude string) (*Account, error) {
	if phone == "" {
		return nil, nil
	}
	var a Account
	err := db.QueryRow(`
		SELECT handle, credential, display_name, avatar_url, external_user_id, phone_number, proxy, last_login_at
		FROM accounts WHERE phone_number = ? AND handle != ?`, phone, exclude).
		Scan(&a.Handle, &a.Credential, &a.DisplayName, &a.AvatarURL, &a.ExternalUserID, &a.PhoneNumber, &a.Proxy, &a.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAccountProxy persists the outbound proxy override for an account.
func (db *DB) SetAccountProxy(handle, proxy string) error {
	_, err := db.Exec(`UPDATE accounts SET proxy = ? WHERE handle = ?`, proxy, handle)
	return err
}

// DeleteAccount removes an account record. Only called when a merge has
// copied its data onto the canonical handle.
func (db *DB) DeleteAccount(handle string) error {
	_, err := db.Exec(`DELETE FROM accounts WHERE handle = ?`, handle)
	return err
}
