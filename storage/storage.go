package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"aim-bot/annotation"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("not found")

// Setting keys.
const (
	SettingLastMessageID = "last_message_id"
)

// Report is a SmokeDetector report relayed to Telegram.
type Report struct {
	ChatMessageID int64
	PostLink      string
	Reason        string
	Title         string
	Site          string
	Author        string
	TelegramMsgID int64
	RelayedAt     time.Time
}

// DB wraps the SQLite database connection and provides storage operations.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		chat_message_id INTEGER PRIMARY KEY,
		post_link TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		site TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		telegram_msg_id INTEGER NOT NULL,
		relayed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_post_link ON reports(post_link);
	CREATE INDEX IF NOT EXISTS idx_reports_relayed_at ON reports(relayed_at);

	CREATE TABLE IF NOT EXISTS annotations (
		identifier TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// SaveReport inserts or updates a relayed report.
func (db *DB) SaveReport(ctx context.Context, r *Report) error {
	query := `
	INSERT INTO reports (chat_message_id, post_link, reason, title, site, author, telegram_msg_id, relayed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_message_id) DO UPDATE SET
		post_link = excluded.post_link,
		reason = excluded.reason,
		title = excluded.title,
		site = excluded.site,
		author = excluded.author,
		telegram_msg_id = excluded.telegram_msg_id,
		relayed_at = excluded.relayed_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		r.ChatMessageID,
		r.PostLink,
		r.Reason,
		r.Title,
		r.Site,
		r.Author,
		r.TelegramMsgID,
		r.RelayedAt,
	)
	return err
}

// HasReport reports whether the chat message was already relayed.
func (db *DB) HasReport(ctx context.Context, chatMessageID int64) (bool, error) {
	query := `SELECT 1 FROM reports WHERE chat_message_id = ?`
	var dummy int
	err := db.conn.QueryRowContext(ctx, query, chatMessageID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const reportColumns = `chat_message_id, post_link, reason, title, site, author, telegram_msg_id, relayed_at`

func scanReports(rows *sql.Rows) ([]Report, error) {
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ChatMessageID, &r.PostLink, &r.Reason, &r.Title, &r.Site, &r.Author, &r.TelegramMsgID, &r.RelayedAt); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ReportsByLink returns every relay of a post, oldest first.
func (db *DB) ReportsByLink(ctx context.Context, link string) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE post_link = ? ORDER BY chat_message_id`
	rows, err := db.conn.QueryContext(ctx, query, link)
	if err != nil {
		return nil, err
	}
	return scanReports(rows)
}

// GetReportByLink returns the most recent relay of a post.
func (db *DB) GetReportByLink(ctx context.Context, link string) (*Report, error) {
	reports, err := db.ReportsByLink(ctx, link)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNotFound
	}
	return &reports[len(reports)-1], nil
}

// ListReportsSince returns reports relayed after since, oldest first.
func (db *DB) ListReportsSince(ctx context.Context, since time.Time) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE relayed_at > ? ORDER BY chat_message_id`
	rows, err := db.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	return scanReports(rows)
}

// CountReports returns the number of relayed reports.
func (db *DB) CountReports(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM reports`
	var count int
	err := db.conn.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// SaveAnnotation stores the latest annotation state of a post.
func (db *DB) SaveAnnotation(ctx context.Context, id annotation.Identifier, st annotation.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	query := `
	INSERT INTO annotations (identifier, state, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(identifier) DO UPDATE SET
		state = excluded.state,
		updated_at = excluded.updated_at
	`
	_, err = db.conn.ExecContext(ctx, query, string(id), string(data), time.Now())
	return err
}

// GetAnnotation returns the stored annotation state of a post.
func (db *DB) GetAnnotation(ctx context.Context, id annotation.Identifier) (annotation.State, error) {
	query := `SELECT state FROM annotations WHERE identifier = ?`
	var data string
	err := db.conn.QueryRowContext(ctx, query, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return annotation.State{}, ErrNotFound
	}
	if err != nil {
		return annotation.State{}, err
	}

	var st annotation.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return annotation.State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return st, nil
}

// LoadAnnotations returns every stored annotation state updated after since.
func (db *DB) LoadAnnotations(ctx context.Context, since time.Time) (map[annotation.Identifier]annotation.State, error) {
	query := `SELECT identifier, state FROM annotations WHERE updated_at > ?`
	rows, err := db.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[annotation.Identifier]annotation.State)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var st annotation.State
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("unmarshal state for %s: %w", id, err)
		}
		states[annotation.Identifier(id)] = st
	}
	return states, rows.Err()
}

// GetSetting retrieves a setting value by key.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM settings WHERE key = ?`
	var value string
	err := db.conn.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting stores or updates a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := db.conn.ExecContext(ctx, query, key, value)
	return err
}
