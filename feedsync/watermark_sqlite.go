package feedsync

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// SqliteWatermarkStore is the durable WatermarkStore used by hosts that keep
// unread state across restarts
type SqliteWatermarkStore struct {
	db *sql.DB
}

func NewSqliteWatermarkStore(path string) (*SqliteWatermarkStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS watermarks (
			scope_id TEXT PRIMARY KEY,
			seen_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SqliteWatermarkStore{
		db: db,
	}, nil
}

func (self *SqliteWatermarkStore) Watermark(scopeId string) (int64, error) {
	var seenMs int64
	err := self.db.QueryRow(
		`SELECT seen_ms FROM watermarks WHERE scope_id = ?`,
		scopeId,
	).Scan(&seenMs)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seenMs, nil
}

func (self *SqliteWatermarkStore) SetWatermark(scopeId string, seenMs int64) error {
	_, err := self.db.Exec(
		`INSERT INTO watermarks (scope_id, seen_ms) VALUES (?, ?)
			ON CONFLICT(scope_id) DO UPDATE SET seen_ms = excluded.seen_ms`,
		scopeId,
		seenMs,
	)
	return err
}

func (self *SqliteWatermarkStore) Close() error {
	return self.db.Close()
}
