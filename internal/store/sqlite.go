package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLog 单机部署用的日志后端。
type SQLiteLog struct {
	db *sql.DB
}

func NewSQLiteLog(ctx context.Context, dbPath string) (*SQLiteLog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		content TEXT DEFAULT '',
		file_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_room ON records(room);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Room == "" {
		return ErrEmptyRecord
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO records (id, room, user_id, username, content, file_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Room, rec.UserID, rec.Username, rec.Content, rec.FileID, rec.CreatedAt)
	return err
}

func (l *SQLiteLog) Replay(ctx context.Context, room string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, room, user_id, username, content, file_id, created_at
		 FROM records WHERE room = ? ORDER BY id ASC`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Room, &r.UserID, &r.Username, &r.Content, &r.FileID, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (l *SQLiteLog) Close() error { return l.db.Close() }
