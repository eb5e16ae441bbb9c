// Package archive persists chat exchanges relayed by the bridge in SQLite.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	SourceHTTP = "http"
	SourceTool = "tool"
	SourceCLI  = "cli"
)

// Record is one archived exchange. Exactly one of Response or Error is set.
type Record struct {
	ID        int64          `json:"id"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Response  string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_exchanges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL DEFAULT 'http',
			message TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_source ON chat_exchanges(source, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts rec and returns its row id.
func (s *Store) Save(rec Record) (int64, error) {
	source := strings.TrimSpace(rec.Source)
	if source == "" {
		source = SourceHTTP
	}
	ctxJSON := []byte("{}")
	if len(rec.Context) > 0 {
		b, err := json.Marshal(rec.Context)
		if err != nil {
			return 0, fmt.Errorf("encode context: %w", err)
		}
		ctxJSON = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO chat_exchanges (source, message, response, error, context)
		VALUES (?, ?, ?, ?, ?)
	`, source, rec.Message, rec.Response, rec.Error, string(ctxJSON))
	if err != nil {
		return 0, fmt.Errorf("save exchange: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save exchange id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, source, message, response, error, context, created_at
		FROM chat_exchanges
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var ctxJSON string
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Message, &rec.Response, &rec.Error, &ctxJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		if ctxJSON != "" && ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
				return nil, fmt.Errorf("decode context of exchange %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_exchanges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return n, nil
}
