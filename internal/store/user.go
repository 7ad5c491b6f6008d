package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a directory entry for a known participant.
func (db *DB) UpsertUser(u *User) error {
	return upsertUser(db, u)
}

func upsertUser(e execer, u *User) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		INSERT INTO users (user_id, email, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			updated_at = excluded.updated_at`,
		u.UserID, u.Email, u.DisplayName, now)
	return err
}

// GetUser returns a directory entry, or nil when unknown.
func (db *DB) GetUser(userID string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT user_id, email, display_name FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Email, &u.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SearchUsers returns directory entries whose name or email contains the
// query, for the new-conversation picker.
func (db *DB) SearchUsers(query string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.Query(`
		SELECT user_id, email, display_name FROM users
		WHERE display_name LIKE ? OR email LIKE ?
		ORDER BY display_name ASC
		LIMIT ?`, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.Email, &u.DisplayName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
