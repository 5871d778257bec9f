// Package transcript keeps an append-only SQLite log of every message in
// every exchange and renders an exchange back out as HTML.
package transcript

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/llm"
)

// FileName is the database file created under the data directory.
const FileName = "transcript.db"

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when an exchange has no messages.
var ErrNotFound = errors.New("exchange not found")

// Summary describes one stored exchange.
type Summary struct {
	ID        string
	Model     string
	StartedAt time.Time
	Messages  int
	Preview   string
}

// Store is the SQLite-backed transcript.
type Store struct {
	db *sql.DB
}

// Open opens or creates the transcript database at path. Use ":memory:"
// for a throwaway store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" coherent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		exchange_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		model TEXT,
		name TEXT,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (exchange_id) REFERENCES exchanges(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_exchange ON messages(exchange_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records msg as the next message of the exchange, creating the
// exchange row on first use.
func (s *Store) Append(exchangeID string, msg llm.Message) error {
	if exchangeID == "" {
		return errors.New("append: empty exchange id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}
	ts := msg.Timestamp.UTC().Format(timeFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO exchanges (id, model, started_at) VALUES (?, ?, ?)
	`, exchangeID, msg.Model, ts); err != nil {
		return fmt.Errorf("create exchange: %w", err)
	}
	if msg.Model != "" {
		if _, err := tx.Exec(`
			UPDATE exchanges SET model = ? WHERE id = ? AND model = ''
		`, msg.Model, exchangeID); err != nil {
			return fmt.Errorf("update exchange: %w", err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, exchange_id, seq, role, content, model, name, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE exchange_id = ?), ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, exchangeID, exchangeID, msg.Role, string(content),
		nullable(msg.Model), nullable(msg.Name), toolCalls, nullable(msg.ToolCallID), ts); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Exchange returns the messages of one exchange in append order.
func (s *Store) Exchange(id string) ([]llm.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, model, name, tool_calls, tool_call_id, created_at
		FROM messages
		WHERE exchange_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var (
			m                        llm.Message
			content, created         string
			model, name, calls, call sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Role, &content, &model, &name, &calls, &call, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decode content of %s: %w", m.ID, err)
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		m.Model = model.String
		m.Name = name.String
		m.ToolCallID = call.String
		m.Timestamp, _ = time.Parse(timeFormat, created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return msgs, nil
}

// Recent lists the most recently started exchanges, newest first.
func (s *Store) Recent(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT e.id, e.model, e.started_at,
			(SELECT COUNT(*) FROM messages m WHERE m.exchange_id = e.id),
			COALESCE((SELECT m.content FROM messages m
				WHERE m.exchange_id = e.id AND m.role = 'user'
				ORDER BY m.seq LIMIT 1), '""')
		FROM exchanges e
		ORDER BY e.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			started, first string
		)
		if err := rows.Scan(&sum.ID, &sum.Model, &started, &sum.Messages, &first); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		sum.StartedAt, _ = time.Parse(timeFormat, started)
		var c llm.Content
		if json.Unmarshal([]byte(first), &c) == nil {
			sum.Preview = preview(c.String(), 60)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
