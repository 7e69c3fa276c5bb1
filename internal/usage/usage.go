package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Tracker 基于 SQLite (WAL) 记录每次执行的 token 用量与权限裁决。
// Tracker records per-execution token usage and permission decisions in
// SQLite with WAL mode. Writes are synchronous and return their error; callers
// treat them as best-effort and only log failures.
type Tracker struct {
	db *sql.DB
}

func NewTracker(dbPath string) (*Tracker, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("usage db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	t := &Tracker{db: db}
	if err := t.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return t, nil
}

func (t *Tracker) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_log (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id        TEXT NOT NULL DEFAULT '',
		queue_id          TEXT NOT NULL DEFAULT '',
		agent             TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permission_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		tool       TEXT NOT NULL DEFAULT '',
		decision   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_log(session_id);
	CREATE INDEX IF NOT EXISTS idx_permission_session ON permission_log(session_id);
	`
	_, err := t.db.Exec(schema)
	return err
}

func (t *Tracker) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// RecordUsage logs one execution's token counts. Errors are returned for the
// caller to log; they never abort orchestration.
func (t *Tracker) RecordUsage(sessionID, queueID, agent, model string, promptTokens, completionTokens, totalTokens int) error {
	if t == nil || t.db == nil {
		return nil
	}
	_, err := t.db.Exec(`
		INSERT INTO usage_log (session_id, queue_id, agent, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, queueID, agent, model, promptTokens, completionTokens, totalTokens,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// RecordDecision logs one permission verdict.
func (t *Tracker) RecordDecision(sessionID, requestID, tool, decision, reason string) error {
	if t == nil || t.db == nil {
		return nil
	}
	_, err := t.db.Exec(`
		INSERT INTO permission_log (session_id, request_id, tool, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, requestID, tool, decision, reason,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert permission decision: %w", err)
	}
	return nil
}

// Totals aggregates usage for the detailed health endpoint.
type Totals struct {
	Executions          int `json:"executions"`
	PromptTokens        int `json:"promptTokens"`
	CompletionTokens    int `json:"completionTokens"`
	TotalTokens         int `json:"totalTokens"`
	PermissionDecisions int `json:"permissionDecisions"`
	PermissionDenied    int `json:"permissionDenied"`
}

func (t *Tracker) Totals() (Totals, error) {
	out := Totals{}
	if t == nil || t.db == nil {
		return out, nil
	}
	row := t.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM usage_log`)
	if err := row.Scan(&out.Executions, &out.PromptTokens, &out.CompletionTokens, &out.TotalTokens); err != nil {
		return out, fmt.Errorf("aggregate usage: %w", err)
	}
	row = t.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN decision = 'denied' THEN 1 ELSE 0 END), 0)
		FROM permission_log`)
	if err := row.Scan(&out.PermissionDecisions, &out.PermissionDenied); err != nil {
		return out, fmt.Errorf("aggregate permission decisions: %w", err)
	}
	return out, nil
}
