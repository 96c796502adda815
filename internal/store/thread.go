package store

import (
	"database/sql"
	"time"
)

// TouchThread upserts a thread's denormalized summary from its latest
// message and bumps the unread counter by unreadDelta. Name and avatar are
// only overwritten when the incoming values are non-empty, so opportunistic
// refreshes never erase known display info.
func (db *DB) TouchThread(t *Thread, unreadDelta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO threads (account_id, thread_id, name, avatar, unread, last_message_at, last_message_text, last_message_type, last_message_from, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, thread_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE threads.name END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE threads.avatar END,
			unread = threads.unread + ?,
			last_message_at = excluded.last_message_at,
			last_message_text = excluded.last_message_text,
			last_message_type = excluded.last_message_type,
			last_message_from = excluded.last_message_from,
			updated_at = excluded.updated_at`,
		t.AccountID, t.ThreadID, t.Name, t.Avatar, unreadDelta, t.LastMessageAt, t.LastMessageText, t.LastMessageType, t.LastMessageFrom, now,
		unreadDelta)
	return err
}

// ResetUnread zeroes a thread's unread counter.
func (db *DB) ResetUnread(accountID, threadID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE threads SET unread = 0, updated_at = ? WHERE account_id = ? AND thread_id = ?`, now, accountID, threadID)
	return err
}

// SetThreadPinned sets the user-controlled pinned flag.
func (db *DB) SetThreadPinned(accountID, threadID string, pinned bool) error {
	_, err := db.Exec(`UPDATE threads SET pinned = ? WHERE account_id = ? AND thread_id = ?`, pinned, accountID, threadID)
	return err
}

// SetThreadMuted sets the user-controlled muted flag.
func (db *DB) SetThreadMuted(accountID, threadID string, muted bool) error {
	_, err := db.Exec(`UPDATE threads SET muted = ? WHERE account_id = ? AND thread_id = ?`, muted, accountID, threadID)
	return err
}

// GetThread returns one thread, or nil if absent.
func (db *DB) GetThread(accountID, threadID string) (*Thread, error) {
	var t Thread
	err := db.QueryRow(`
		SELECT account_id, thread_id, name, avatar, unread, pinned, muted, last_message_at, last_message_text, last_message_type, last_message_from
		FROM threads WHERE account_id = ? AND thread_id = ?`, accountID, threadID).
		Scan(&t.AccountID, &t.ThreadID, &t.Name, &t.Avatar, &t.Unread, &t.Pinned, &t.Muted, &t.LastMessageAt, &t.LastMessageText, &t.LastMessageType, &t.LastMessageFrom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListThreads returns an account's threads, pinned first, then by most
// recent message.
func (db *DB) ListThreads(accountID string, limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT account_id, thread_id, name, avatar, unread, pinned, muted, last_message_at, last_message_text, last_message_type, last_message_from
		FROM threads
		WHERE account_id = ?
		ORDER BY pinned DESC, last_message_at DESC
		LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.AccountID, &t.ThreadID, &t.Name, &t.Avatar, &t.Unread, &t.Pinned, &t.Muted, &t.LastMessageAt, &t.LastMessageText, &t.LastMessageType, &t.LastMessageFrom); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// UnreadTotal returns the sum of unread counters for one account.
func (db *DB) UnreadTotal(accountID string) (int, error) {
	var total int
	err := db.QueryRow(`SELECT COALESCE(SUM(unread), 0) FROM threads WHERE account_id = ?`, accountID).Scan(&total)
	return total, err
}

// UnreadTotals returns unread sums grouped by account.
func (db *DB) UnreadTotals() (map[string]int, error) {
	rows, err := db.Query(`SELECT account_id, COALESCE(SUM(unread), 0) FROM threads GROUP BY account_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		totals[id] = n
	}
	return totals, rows.Err()
}

// RekeyAccount moves all threads and messages from the retired handle to
// the canonical one. Runs in a transaction so a merge never leaves history
// split across both keys.
func (db *DB) RekeyAccount(oldID, newID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE OR IGNORE threads SET account_id = ? WHERE account_id = ?`, newID, oldID); err != nil {
		return err
	}
	// Threads already present under the canonical handle win; drop leftovers.
	if _, err := tx.Exec(`DELETE FROM threads WHERE account_id = ?`, oldID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE OR IGNORE messages SET account_id = ? WHERE account_id = ?`, newID, oldID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ?`, oldID); err != nil {
		return err
	}
	return tx.Commit()
}
