package store

import (
	"database/sql"
	"errors"
	"time"
)

const tokenKey = "bearer_token"

// SaveToken stores the bearer token used for REST and realtime auth.
func (db *DB) SaveToken(token string) error {
	_, err := db.Exec(`
		INSERT INTO credentials (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		tokenKey, token, time.Now().UnixMilli())
	return err
}

// Token returns the stored bearer token, or "" when none was saved.
func (db *DB) Token() (string, error) {
	var tok string
	err := db.QueryRow(`SELECT value FROM credentials WHERE name = ?`, tokenKey).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tok, err
}

// ClearToken forgets the stored bearer token.
func (db *DB) ClearToken() error {
	_, err := db.Exec(`DELETE FROM credentials WHERE name = ?`, tokenKey)
	return err
}
