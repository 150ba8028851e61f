package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereseai/therese/internal/models"
)

func openTestSQLite(t *testing.T) StoreSet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "therese.db")
	stores, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestSQLiteConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	stores := openTestSQLite(t)

	conv := &models.Conversation{ID: uuid.NewString(), Title: "Pricing", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, stores.Conversations.Create(ctx, conv))
	assert.ErrorIs(t, stores.Conversations.Create(ctx, conv), ErrAlreadyExists)

	got, err := stores.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pricing", got.Title)

	require.NoError(t, stores.Conversations.Touch(ctx, conv.ID))
	assert.ErrorIs(t, stores.Conversations.Touch(ctx, "missing"), ErrNotFound)

	list, err := stores.Conversations.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, stores.Conversations.Delete(ctx, conv.ID))
	_, err = stores.Conversations.Get(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteMessageAppendAndList(t *testing.T) {
	ctx := context.Background()
	stores := openTestSQLite(t)
	convID := uuid.NewString()
	require.NoError(t, stores.Conversations.Create(ctx, &models.Conversation{ID: convID, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	for i := 0; i < 3; i++ {
		require.NoError(t, stores.Messages.Append(ctx, &models.Message{
			ID:             uuid.NewString(),
			ConversationID: convID,
			Role:           models.RoleUser,
			Content:        "hello",
			ToolCalls:      []models.ToolCall{{ID: "t1", Name: "search", Arguments: []byte(`{"q":"x"}`)}},
			CreatedAt:      time.Now(),
		}))
	}

	all, err := stores.Messages.List(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "search", all[0].ToolCalls[0].Name)

	last1, err := stores.Messages.List(ctx, convID, 1)
	require.NoError(t, err)
	require.Len(t, last1, 1)
}

func TestSQLiteDecisionRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := openTestSQLite(t)

	decision := &models.BoardDecision{
		ID:       uuid.NewString(),
		Question: "Should we expand to a second market?",
		Opinions: []models.AdvisorOpinion{{Role: models.AdvisorStrategist, Content: "Yes, with a pilot."}},
		Synthesis: models.BoardSynthesis{
			Recommendation:  "Run a 90-day pilot in one adjacent market.",
			ConsensusPoints: []string{"low capital outlay", "fast feedback loop"},
			Confidence:      models.ConfidenceHigh,
		},
		Recommendation: "Run a 90-day pilot in one adjacent market.",
		Confidence:     models.ConfidenceHigh,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, stores.Decisions.Save(ctx, decision))

	got, err := stores.Decisions.Get(ctx, decision.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.Question, got.Question)
	assert.Equal(t, decision.Synthesis.Recommendation, got.Synthesis.Recommendation)
	require.Len(t, got.Opinions, 1)
	assert.Equal(t, models.AdvisorStrategist, got.Opinions[0].Role)

	list, err := stores.Decisions.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, stores.Decisions.Delete(ctx, decision.ID))
	assert.ErrorIs(t, stores.Decisions.Delete(ctx, decision.ID), ErrNotFound)
}

func TestSQLiteUsageTotals(t *testing.T) {
	ctx := context.Background()
	stores := openTestSQLite(t)
	convID := uuid.NewString()

	require.NoError(t, stores.Usage.Record(ctx, &models.TokenUsage{ConversationID: convID, InputTokens: 100, OutputTokens: 50, Provider: "openai", Model: "gpt-4o", CreatedAt: time.Now()}))
	require.NoError(t, stores.Usage.Record(ctx, &models.TokenUsage{ConversationID: convID, InputTokens: 20, OutputTokens: 10, Provider: "openai", Model: "gpt-4o", CreatedAt: time.Now()}))

	in, out, err := stores.Usage.Totals(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 120, in)
	assert.Equal(t, 60, out)
}

func TestSQLiteAuditLogList(t *testing.T) {
	ctx := context.Background()
	stores := openTestSQLite(t)

	require.NoError(t, stores.Audit.Append(ctx, &models.AuditLogEntry{ID: uuid.NewString(), Actor: "system", Action: "mcp.server.start", Resource: "filesystem", CreatedAt: time.Now()}))
	require.NoError(t, stores.Audit.Append(ctx, &models.AuditLogEntry{ID: uuid.NewString(), Actor: "user", Action: "board.decision.delete", Resource: "decision-1", Detail: "manual cleanup", CreatedAt: time.Now()}))

	list, err := stores.Audit.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "board.decision.delete", list[0].Action)
	assert.Equal(t, "manual cleanup", list[0].Detail)
}
