package store

import (
	"database/sql"
	"time"
)

// Session returns the stored login session blob for an account, nil if the
// account has no session.
func (db *DB) Session(accountID string) ([]byte, error) {
	var blob []byte
	err := db.QueryRow(`SELECT blob FROM sessions WHERE account_id = ?`, accountID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// SetSession stores or replaces the login session blob for an account.
func (db *DB) SetSession(accountID string, blob []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (account_id, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at`,
		accountID, blob, now)
	return err
}

// ClearSession removes the stored session for an account. Removing a session
// that does not exist is not an error.
func (db *DB) ClearSession(accountID string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE account_id = ?`, accountID)
	return err
}

// SessionAccounts lists the account IDs that have a stored session, in
// insertion order.
func (db *DB) SessionAccounts() ([]string, error) {
	rows, err := db.Query(`SELECT account_id FROM sessions ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
