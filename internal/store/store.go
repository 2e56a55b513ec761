// Package store is the local SQLite-backed persistence layer for agent
// memories, presets and conversation logs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and initializes the schema.
//
// WAL is enabled to support concurrent reads while writing (observer UI
// polling alongside tool execution).
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS memories (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  agent_id TEXT NOT NULL DEFAULT '',
  topic TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS presets (
  name TEXT PRIMARY KEY,
  payload_json TEXT NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id ASC);
`)
	return err
}

type Memory struct {
	ID              int64  `json:"id"`
	AgentID         string `json:"agent_id"`
	Topic           string `json:"topic"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (s *Store) PutMemory(ctx context.Context, m Memory) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("nil store")
	}
	if strings.TrimSpace(m.Content) == "" {
		return 0, errors.New("missing content")
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO memories (agent_id, topic, content, created_at_unix_ms)
VALUES (?, ?, ?, ?)
`, strings.TrimSpace(m.AgentID), strings.TrimSpace(m.Topic), m.Content, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, agent_id, topic, content, created_at_unix_ms
FROM memories
WHERE id = ?
`, id)
	var m Memory
	if err := row.Scan(&m.ID, &m.AgentID, &m.Topic, &m.Content, &m.CreatedAtUnixMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// SearchMemories does a plain substring match over topic and content.
func (s *Store) SearchMemories(ctx context.Context, query string, limit int) ([]Memory, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, errors.New("missing query")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	pattern := "%" + q + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_id, topic, content, created_at_unix_ms
FROM memories
WHERE topic LIKE ? OR content LIKE ?
ORDER BY created_at_unix_ms DESC
LIMIT ?
`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func (s *Store) ListMemories(ctx context.Context, agentID string, limit int) ([]Memory, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if a := strings.TrimSpace(agentID); a != "" {
		rows, err = s.db.QueryContext(ctx, `
SELECT id, agent_id, topic, content, created_at_unix_ms
FROM memories
WHERE agent_id = ?
ORDER BY created_at_unix_ms DESC
LIMIT ?
`, a, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT id, agent_id, topic, content, created_at_unix_ms
FROM memories
ORDER BY created_at_unix_ms DESC
LIMIT ?
`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	out := make([]Memory, 0)
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Topic, &m.Content, &m.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type Preset struct {
	Name            string `json:"name"`
	PayloadJSON     string `json:"payload_json"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

func (s *Store) SavePreset(ctx context.Context, name string, payloadJSON string) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing preset name")
	}
	if strings.TrimSpace(payloadJSON) == "" {
		payloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO presets (name, payload_json, updated_at_unix_ms)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET payload_json = excluded.payload_json, updated_at_unix_ms = excluded.updated_at_unix_ms
`, name, payloadJSON, time.Now().UnixMilli())
	return err
}

func (s *Store) GetPreset(ctx context.Context, name string) (*Preset, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT name, payload_json, updated_at_unix_ms
FROM presets
WHERE name = ?
`, strings.TrimSpace(name))
	var p Preset
	if err := row.Scan(&p.Name, &p.PayloadJSON, &p.UpdatedAtUnixMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPresets(ctx context.Context) ([]Preset, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT name, payload_json, updated_at_unix_ms
FROM presets
ORDER BY name ASC
`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Preset, 0)
	for rows.Next() {
		var p Preset
		if err := rows.Scan(&p.Name, &p.PayloadJSON, &p.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePreset(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type Conversation struct {
	ConversationID  string `json:"conversation_id"`
	Title           string `json:"title"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

type Message struct {
	ID              int64  `json:"id"`
	ConversationID  string `json:"conversation_id"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (s *Store) CreateConversation(ctx context.Context, id string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing conversation id")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations (conversation_id, title, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
`, id, strings.TrimSpace(title), now, now)
	return err
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, title, created_at_unix_ms, updated_at_unix_ms
FROM conversations
ORDER BY updated_at_unix_ms DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ConversationID, &c.Title, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("nil store")
	}
	convID := strings.TrimSpace(m.ConversationID)
	if convID == "" {
		return 0, errors.New("missing conversation id")
	}
	role := strings.TrimSpace(m.Role)
	if role == "" {
		return 0, errors.New("missing role")
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (conversation_id, role, content, created_at_unix_ms)
VALUES (?, ?, ?, ?)
`, convID, role, m.Content, now)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE conversations SET updated_at_unix_ms = ? WHERE conversation_id = ?
`, now, convID); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return nil, errors.New("missing conversation id")
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, created_at_unix_ms
FROM messages
WHERE conversation_id = ?
ORDER BY id ASC
LIMIT ?
`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
