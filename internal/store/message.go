package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func encodeAttachments(atts []Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(data), nil
}

func decodeAttachments(raw string) ([]Attachment, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return atts, nil
}

// UpsertMessage stores a message idempotently. The key is (account_id,
// msg_id) when the external id is known, else (account_id, cli_msg_id).
// Repeated delivery of the same key patches mutable fields (body, status,
// attachments) instead of creating a second row. A write that carries both
// ids first tries to reconcile an optimistic row stored under cli_msg_id,
// so the network echo of an outbound send never duplicates it.
func (db *DB) UpsertMessage(m *Message) error {
	atts, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	if m.CliMsgID != "" {
		res, err := db.Exec(`
			UPDATE messages SET
				msg_id = CASE WHEN ? != '' THEN ? ELSE msg_id END,
				body = ?,
				status = ?,
				attachments = ?
			WHERE account_id = ? AND cli_msg_id = ?`,
			m.MsgID, m.MsgID, m.Body, m.Status, atts, m.AccountID, m.CliMsgID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	if m.MsgID != "" {
		_, err = db.Exec(`
			INSERT INTO messages (account_id, thread_id, msg_id, cli_msg_id, direction, is_self, content_type, body, attachments, status, ts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, msg_id) WHERE msg_id != '' DO UPDATE SET
				body = excluded.body,
				status = excluded.status,
				attachments = excluded.attachments`,
			m.AccountID, m.ThreadID, m.MsgID, m.CliMsgID, m.Direction, m.IsSelf, m.ContentType, m.Body, atts, m.Status, m.Ts, now)
		return err
	}

	if m.CliMsgID == "" {
		return fmt.Errorf("message has neither msg_id nor cli_msg_id")
	}
	_, err = db.Exec(`
		INSERT INTO messages (account_id, thread_id, msg_id, cli_msg_id, direction, is_self, content_type, body, attachments, status, ts, created_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, cli_msg_id) WHERE cli_msg_id != '' DO UPDATE SET
			body = excluded.body,
			status = excluded.status,
			attachments = excluded.attachments`,
		m.AccountID, m.ThreadID, m.CliMsgID, m.Direction, m.IsSelf, m.ContentType, m.Body, atts, m.Status, m.Ts, now)
	return err
}

// PatchMessageUpload patches a message's attachments and status once the
// object-storage upload has finished. Keyed by cli_msg_id when present,
// else msg_id.
func (db *DB) PatchMessageUpload(accountID, msgID, cliMsgID string, attachments []Attachment, status string) error {
	atts, err := encodeAttachments(attachments)
	if err != nil {
		return err
	}
	if cliMsgID != "" {
		_, err = db.Exec(`UPDATE messages SET attachments = ?, status = ? WHERE account_id = ? AND cli_msg_id = ?`,
			atts, status, accountID, cliMsgID)
		return err
	}
	_, err = db.Exec(`UPDATE messages SET attachments = ?, status = ? WHERE account_id = ? AND msg_id = ?`,
		atts, status, accountID, msgID)
	return err
}

// ListMessages returns a thread's messages using keyset pagination by
// timestamp, most recent first.
func (db *DB) ListMessages(accountID, threadID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, account_id, thread_id, msg_id, cli_msg_id, direction, is_self, content_type, body, attachments, status, ts
		FROM messages
		WHERE account_id = ? AND thread_id = ? AND ts < ?
		ORDER BY ts DESC
		LIMIT ?`, accountID, threadID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var atts string
		if err := rows.Scan(&m.ID, &m.AccountID, &m.ThreadID, &m.MsgID, &m.CliMsgID, &m.Direction, &m.IsSelf, &m.ContentType, &m.Body, &atts, &m.Status, &m.Ts); err != nil {
			return nil, err
		}
		if m.Attachments, err = decodeAttachments(atts); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one message by its idempotency key, or nil.
func (db *DB) GetMessage(accountID, msgID, cliMsgID string) (*Message, error) {
	var (
		query string
		key   string
	)
	if msgID != "" {
		query = `SELECT id, account_id, thread_id, msg_id, cli_msg_id, direction, is_self, content_type, body, attachments, status, ts
			FROM messages WHERE account_id = ? AND msg_id = ?`
		key = msgID
	} else {
		query = `SELECT id, account_id, thread_id, msg_id, cli_msg_id, direction, is_self, content_type, body, attachments, status, ts
			FROM messages WHERE account_id = ? AND cli_msg_id = ?`
		key = cliMsgID
	}
	row := db.QueryRow(query, accountID, key)

	var m Message
	var atts string
	err := row.Scan(&m.ID, &m.AccountID, &m.ThreadID, &m.MsgID, &m.CliMsgID, &m.Direction, &m.IsSelf, &m.ContentType, &m.Body, &atts, &m.Status, &m.Ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Attachments, err = decodeAttachments(atts); err != nil {
		return nil, err
	}
	return &m, nil
}
