package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver; NOT "sqlite3"

	"github.com/thereseai/therese/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	tool_calls      TEXT,
	tool_results    TEXT,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS board_decisions (
	id             TEXT PRIMARY KEY,
	question       TEXT NOT NULL,
	context        TEXT NOT NULL DEFAULT '',
	opinions       TEXT NOT NULL,
	synthesis      TEXT NOT NULL,
	recommendation TEXT NOT NULL DEFAULT '',
	confidence     TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON board_decisions(created_at);

CREATE TABLE IF NOT EXISTS token_usage (
	conversation_id TEXT NOT NULL,
	input_tokens    INTEGER NOT NULL,
	output_tokens   INTEGER NOT NULL,
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_conversation ON token_usage(conversation_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	resource   TEXT NOT NULL,
	detail     TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// OpenSQLite opens (creating if absent) the SQLite database at path,
// applies WAL/busy-timeout pragmas, runs the schema, and returns a
// StoreSet backed by it.
func OpenSQLite(path string) (StoreSet, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("storage: open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return StoreSet{}, fmt.Errorf("storage: pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return StoreSet{}, fmt.Errorf("storage: create schema: %w", err)
	}

	return StoreSet{
		Conversations: &sqliteConversationStore{db: db},
		Messages:      &sqliteMessageStore{db: db},
		Decisions:     &sqliteDecisionStore{db: db},
		Usage:         &sqliteUsageStore{db: db},
		Audit:         &sqliteAuditStore{db: db},
		closer:        db.Close,
	}, nil
}

type sqliteConversationStore struct{ db *sql.DB }

func (s *sqliteConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt.Unix(), conv.UpdatedAt.Unix())
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	var conv models.Conversation
	var created, updated int64
	if err := row.Scan(&conv.ID, &conv.Title, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conv.CreatedAt = time.Unix(created, 0).UTC()
	conv.UpdatedAt = time.Unix(updated, 0).UTC()
	return &conv, nil
}

func (s *sqliteConversationStore) List(ctx context.Context, limit, offset int) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		sqlLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var created, updated int64
		if err := rows.Scan(&conv.ID, &conv.Title, &created, &updated); err != nil {
			return nil, err
		}
		conv.CreatedAt = time.Unix(created, 0).UTC()
		conv.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (s *sqliteConversationStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *sqliteConversationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	return err
}

type sqliteMessageStore struct{ db *sql.DB }

func (s *sqliteMessageStore) Append(ctx context.Context, msg *models.Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, string(toolCalls), string(toolResults), msg.CreatedAt.Unix())
	return err
}

func (s *sqliteMessageStore) List(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT id, conversation_id, role, content, tool_calls, tool_results, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		// keep only the most recent `limit` rows while preserving ascending order
		query = `SELECT id, conversation_id, role, content, tool_calls, tool_results, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var toolCalls, toolResults string
		var created int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &toolCalls, &toolResults, &created); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.Unix(created, 0).UTC()
		if toolCalls != "" && toolCalls != "null" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, err
			}
		}
		if toolResults != "" && toolResults != "null" {
			if err := json.Unmarshal([]byte(toolResults), &msg.ToolResults); err != nil {
				return nil, err
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type sqliteDecisionStore struct{ db *sql.DB }

func (s *sqliteDecisionStore) Save(ctx context.Context, decision *models.BoardDecision) error {
	opinions, err := json.Marshal(decision.Opinions)
	if err != nil {
		return err
	}
	synthesis, err := json.Marshal(decision.Synthesis)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO board_decisions (id, question, context, opinions, synthesis, recommendation, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET question=excluded.question, context=excluded.context,
			opinions=excluded.opinions, synthesis=excluded.synthesis,
			recommendation=excluded.recommendation, confidence=excluded.confidence`,
		decision.ID, decision.Question, decision.Context, string(opinions), string(synthesis),
		decision.Recommendation, decision.Confidence, decision.CreatedAt.Unix())
	return err
}

func (s *sqliteDecisionStore) Get(ctx context.Context, id string) (*models.BoardDecision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, question, context, opinions, synthesis, recommendation, confidence, created_at
		 FROM board_decisions WHERE id = ?`, id)
	return scanDecision(row)
}

func scanDecision(row *sql.Row) (*models.BoardDecision, error) {
	var d models.BoardDecision
	var opinions, synthesis string
	var created int64
	if err := row.Scan(&d.ID, &d.Question, &d.Context, &opinions, &synthesis, &d.Recommendation, &d.Confidence, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.CreatedAt = time.Unix(created, 0).UTC()
	if err := json.Unmarshal([]byte(opinions), &d.Opinions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(synthesis), &d.Synthesis); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *sqliteDecisionStore) List(ctx context.Context, limit, offset int) ([]*models.BoardDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, context, opinions, synthesis, recommendation, confidence, created_at
		 FROM board_decisions ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		sqlLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.BoardDecision
	for rows.Next() {
		var d models.BoardDecision
		var opinions, synthesis string
		var created int64
		if err := rows.Scan(&d.ID, &d.Question, &d.Context, &opinions, &synthesis, &d.Recommendation, &d.Confidence, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		if err := json.Unmarshal([]byte(opinions), &d.Opinions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(synthesis), &d.Synthesis); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *sqliteDecisionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM board_decisions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

type sqliteUsageStore struct{ db *sql.DB }

func (s *sqliteUsageStore) Record(ctx context.Context, usage *models.TokenUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (conversation_id, input_tokens, output_tokens, provider, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		usage.ConversationID, usage.InputTokens, usage.OutputTokens, usage.Provider, usage.Model, usage.CreatedAt.Unix())
	return err
}

func (s *sqliteUsageStore) Totals(ctx context.Context, conversationID string) (int, int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0) FROM token_usage WHERE conversation_id = ?`,
		conversationID)
	var in, out int
	err := row.Scan(&in, &out)
	return in, out, err
}

type sqliteAuditStore struct{ db *sql.DB }

func (s *sqliteAuditStore) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action, resource, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.Resource, entry.Detail, entry.CreatedAt.Unix())
	return err
}

func (s *sqliteAuditStore) List(ctx context.Context, limit, offset int) ([]*models.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, resource, detail, created_at FROM audit_log ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		sqlLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var created int64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1 // SQLite treats a negative LIMIT as "no limit"
	}
	return limit
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations via their message
	// text rather than a typed sentinel.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
