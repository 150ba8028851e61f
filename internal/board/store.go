package board

import (
	"context"

	"github.com/thereseai/therese/internal/models"
)

// GetDecision returns one persisted decision by id.
func (e *Engine) GetDecision(ctx context.Context, id string) (*models.BoardDecision, error) {
	return e.decisions.Get(ctx, id)
}

// ListDecisions returns persisted decisions, most recent first.
func (e *Engine) ListDecisions(ctx context.Context, limit, offset int) ([]*models.BoardDecision, error) {
	return e.decisions.List(ctx, limit, offset)
}

// DeleteDecision removes a persisted decision by id.
func (e *Engine) DeleteDecision(ctx context.Context, id string) error {
	return e.decisions.Delete(ctx, id)
}
