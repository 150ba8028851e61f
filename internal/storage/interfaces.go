// Package storage defines the persistence interfaces for conversations,
// messages, board decisions, token usage, and the audit log, plus a SQLite
// implementation and an in-memory one used by tests and the board dry-run
// mode.
package storage

import (
	"context"
	"errors"

	"github.com/thereseai/therese/internal/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// ConversationStore persists Conversation rows.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	List(ctx context.Context, limit, offset int) ([]*models.Conversation, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// MessageStore persists Message rows scoped to a conversation.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	List(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// BoardDecisionStore persists completed deliberations.
type BoardDecisionStore interface {
	Save(ctx context.Context, decision *models.BoardDecision) error
	Get(ctx context.Context, id string) (*models.BoardDecision, error)
	List(ctx context.Context, limit, offset int) ([]*models.BoardDecision, error)
	Delete(ctx context.Context, id string) error
}

// TokenUsageStore persists one row per completed stream.
type TokenUsageStore interface {
	Record(ctx context.Context, usage *models.TokenUsage) error
	Totals(ctx context.Context, conversationID string) (inputTokens, outputTokens int, err error)
}

// AuditLogStore persists AuditLogEntry rows.
type AuditLogStore interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
	List(ctx context.Context, limit, offset int) ([]*models.AuditLogEntry, error)
}

// StoreSet groups every persistence dependency the core needs, plus a
// closer for the underlying connection (nil for the in-memory backend).
type StoreSet struct {
	Conversations ConversationStore
	Messages      MessageStore
	Decisions     BoardDecisionStore
	Usage         TokenUsageStore
	Audit         AuditLogStore
	closer        func() error
}

// Close releases any underlying resources (database handles).
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
