package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SaveDraft stores body for the conversation. Blank text removes the draft.
func (db *DB) SaveDraft(conversationID int64, body string) error {
	if strings.TrimSpace(body) == "" {
		return db.DeleteDraft(conversationID)
	}
	_, err := db.Exec(`
		INSERT INTO drafts (conversation_id, body, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		conversationID, body, time.Now().UnixMilli())
	return err
}

// GetDraft returns the draft for a conversation, or nil when there is none.
func (db *DB) GetDraft(conversationID int64) (*Draft, error) {
	var d Draft
	err := db.QueryRow(`SELECT conversation_id, body, updated_at FROM drafts WHERE conversation_id = ?`, conversationID).
		Scan(&d.ConversationID, &d.Body, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDraft removes a conversation's draft. Missing drafts are not an error.
func (db *DB) DeleteDraft(conversationID int64) error {
	_, err := db.Exec(`DELETE FROM drafts WHERE conversation_id = ?`, conversationID)
	return err
}

// ListDrafts returns every stored draft, most recently edited first.
func (db *DB) ListDrafts() ([]Draft, error) {
	rows, err := db.Query(`SELECT conversation_id, body, updated_at FROM drafts ORDER BY updated_at DESC, conversation_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var drafts []Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.ConversationID, &d.Body, &d.UpdatedAt); err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}
