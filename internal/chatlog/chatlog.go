// Package chatlog is a supplemental local archive of chat messages: a
// GM may want to search or scroll further back than bootstrap ever
// backfills, since bootstrap deliberately sends chat group metadata only
// and never replays history to a new peer.
package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Archive persists chat messages for one table in a local SQLite file.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) path and runs migrations.
func Open(path string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("chatlog: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chatlog: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chatlog: open sqlite database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("chatlog archive opened", "path", path)
	return a, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Archive) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	msg_id INTEGER PRIMARY KEY,
	group_id INTEGER NOT NULL,
	sender_user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	kind INTEGER NOT NULL,
	content TEXT NOT NULL,
	reply_to_msg_id INTEGER NOT NULL DEFAULT 0,
	ts_seconds INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, ts_seconds);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_user_id);
`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("chatlog: run migrations: %w", err)
	}
	slog.Debug("chatlog migrations applied")
	return nil
}

// Entry is one archived chat message row.
type Entry struct {
	MsgID        uint64
	GroupID      uint64
	SenderUserID string
	DisplayName  string
	Kind         int
	Content      string
	ReplyToMsgID uint64
	TimestampSec int64
	Deleted      bool
}

// Append inserts or replaces one message row. A later Append for the same
// MsgID (e.g. an edit) overwrites the stored row, keeping the archive
// current with the in-memory Chat Manager rather than accumulating
// duplicate edit history.
func (a *Archive) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO messages (msg_id, group_id, sender_user_id, display_name, kind, content, reply_to_msg_id, ts_seconds, deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(msg_id) DO UPDATE SET
	content = excluded.content,
	kind = excluded.kind,
	deleted = excluded.deleted
`
	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	_, err := a.db.ExecContext(ctx, q, e.MsgID, e.GroupID, e.SenderUserID, e.DisplayName, e.Kind, e.Content, e.ReplyToMsgID, e.TimestampSec, deleted)
	if err != nil {
		return fmt.Errorf("chatlog: append message %d: %w", e.MsgID, err)
	}
	return nil
}

// MarkDeleted tombstones a message without removing its row, so a reply
// to it can still render a preview.
func (a *Archive) MarkDeleted(ctx context.Context, msgID uint64) error {
	const q = `UPDATE messages SET deleted = 1, content = '' WHERE msg_id = ?`
	if _, err := a.db.ExecContext(ctx, q, msgID); err != nil {
		return fmt.Errorf("chatlog: mark message %d deleted: %w", msgID, err)
	}
	return nil
}

// Recent returns the most recent limit messages for groupID, oldest first.
func (a *Archive) Recent(ctx context.Context, groupID uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT msg_id, group_id, sender_user_id, display_name, kind, content, reply_to_msg_id, ts_seconds, deleted
FROM messages WHERE group_id = ? ORDER BY ts_seconds DESC, msg_id DESC LIMIT ?
`
	rows, err := a.db.QueryContext(ctx, q, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("chatlog: query recent: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Search finds non-deleted messages in groupID whose content contains
// substring (case-insensitive), newest first, capped at limit.
func (a *Archive) Search(ctx context.Context, groupID uint64, substring string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT msg_id, group_id, sender_user_id, display_name, kind, content, reply_to_msg_id, ts_seconds, deleted
FROM messages
WHERE group_id = ? AND deleted = 0 AND content LIKE ? ESCAPE '\' COLLATE NOCASE
ORDER BY ts_seconds DESC, msg_id DESC LIMIT ?
`
	pattern := "%" + escapeLike(substring) + "%"
	rows, err := a.db.QueryContext(ctx, q, groupID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("chatlog: search: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var deleted int
		if err := rows.Scan(&e.MsgID, &e.GroupID, &e.SenderUserID, &e.DisplayName, &e.Kind, &e.Content, &e.ReplyToMsgID, &e.TimestampSec, &deleted); err != nil {
			return nil, fmt.Errorf("chatlog: scan row: %w", err)
		}
		e.Deleted = deleted != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
