package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	sender      TEXT NOT NULL,
	body        TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	status      TEXT NOT NULL,
	fingerprint TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the local store at path. Use ":memory:"
// for an ephemeral store.
func NewSQLite(path string) (Service, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) SaveMessage(m Message) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages (id, sender, body, ts, status, fingerprint) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Sender, m.Text, m.Timestamp.UnixMilli(), m.Status, m.Fingerprint,
	)
	return err
}

func (s *sqliteStore) UpdateStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *sqliteStore) RecentMessages(limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, body, ts, status, fingerprint FROM messages ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &ts, &m.Status, &m.Fingerprint); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	// Oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqliteStore) PendingMessages() ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, body, ts, status, fingerprint FROM messages WHERE status = ? ORDER BY ts ASC`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &ts, &m.Status, &m.Fingerprint); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TrimLog(keep int) error {
	_, err := s.db.Exec(
		`DELETE FROM messages WHERE id NOT IN (SELECT id FROM messages ORDER BY ts DESC LIMIT ?)`, keep)
	return err
}

func (s *sqliteStore) SetLastGC(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('last_gc', ?)`, t.UnixMilli())
	return err
}

func (s *sqliteStore) LastGC() (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'last_gc'`).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ts), true, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
