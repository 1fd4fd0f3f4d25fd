package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/mercury/internal/sync"
)

// LoadSnapshot reads the persisted snapshot for an account. It returns
// (nil, nil) when the account has never been synced.
func (db *DB) LoadSnapshot(accountID string) (*sync.Snapshot, error) {
	var name string
	err := db.QueryRow(`SELECT display_name FROM snapshots WHERE account_id = ?`, accountID).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &sync.Snapshot{Name: name, Users: make(map[string]sync.User)}

	rows, err := db.Query(`SELECT user_id, name FROM users WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, userName string
		if err := rows.Scan(&id, &userName); err != nil {
			return nil, err
		}
		snap.Users[id] = sync.User{Name: userName}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convRows, err := db.Query(`
		SELECT conversation_id, name, timestamp
		FROM conversations WHERE account_id = ?
		ORDER BY position`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = convRows.Close() }()

	byID := make(map[string]*sync.Conversation)
	for convRows.Next() {
		c := &sync.Conversation{Participants: sync.NewParticipants()}
		if err := convRows.Scan(&c.ID, &c.Name, &c.Timestamp); err != nil {
			return nil, err
		}
		byID[c.ID] = c
		snap.Conversations = append(snap.Conversations, c)
	}
	if err := convRows.Err(); err != nil {
		return nil, err
	}

	partRows, err := db.Query(`
		SELECT conversation_id, user_id, last_seen_message
		FROM participants WHERE account_id = ?
		ORDER BY conversation_id, position`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = partRows.Close() }()
	for partRows.Next() {
		var convID, userID, marker string
		if err := partRows.Scan(&convID, &userID, &marker); err != nil {
			return nil, err
		}
		if c, ok := byID[convID]; ok {
			c.Participants.Set(userID, sync.ParticipantState{LastSeenMessage: marker})
		}
	}
	return snap, partRows.Err()
}

// SaveSnapshot replaces the stored snapshot for an account in one
// transaction. A sync either persists completely or not at all.
func (db *DB) SaveSnapshot(accountID string, snap *sync.Snapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO snapshots (account_id, display_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		accountID, snap.Name, now); err != nil {
		return err
	}

	for _, q := range []string{
		`DELETE FROM participants WHERE account_id = ?`,
		`DELETE FROM conversations WHERE account_id = ?`,
		`DELETE FROM users WHERE account_id = ?`,
	} {
		if _, err := tx.Exec(q, accountID); err != nil {
			return err
		}
	}

	for id, u := range snap.Users {
		if _, err := tx.Exec(`
			INSERT INTO users (account_id, user_id, name)
			VALUES (?, ?, ?)`,
			accountID, id, u.Name); err != nil {
			return err
		}
	}

	for pos, c := range snap.Conversations {
		if _, err := tx.Exec(`
			INSERT INTO conversations (account_id, conversation_id, name, timestamp, position)
			VALUES (?, ?, ?, ?, ?)`,
			accountID, c.ID, c.Name, c.Timestamp, pos); err != nil {
			return err
		}
		ppos := 0
		for userID, st := range c.Participants.AllFromFront() {
			if _, err := tx.Exec(`
				INSERT INTO participants (account_id, conversation_id, user_id, last_seen_message, position)
				VALUES (?, ?, ?, ?, ?)`,
				accountID, c.ID, userID, st.LastSeenMessage, ppos); err != nil {
				return err
			}
			ppos++
		}
	}
	return tx.Commit()
}

// ConversationCount reports how many conversations the stored snapshot holds.
func (db *DB) ConversationCount(accountID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}
