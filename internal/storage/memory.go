package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thereseai/therese/internal/models"
)

// NewMemoryStoreSet builds an in-process, non-persistent StoreSet, used by
// unit tests and the `therese doctor --dry-run` path where touching disk
// isn't wanted.
func NewMemoryStoreSet() StoreSet {
	return StoreSet{
		Conversations: newMemoryConversationStore(),
		Messages:      newMemoryMessageStore(),
		Decisions:     newMemoryDecisionStore(),
		Usage:         newMemoryUsageStore(),
		Audit:         newMemoryAuditStore(),
	}
}

type memoryConversationStore struct {
	mu   sync.RWMutex
	byID map[string]*models.Conversation
}

func newMemoryConversationStore() *memoryConversationStore {
	return &memoryConversationStore{byID: make(map[string]*models.Conversation)}
}

func (s *memoryConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("storage: conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[conv.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *conv
	s.byID[conv.ID] = &cp
	return nil
}

func (s *memoryConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *memoryConversationStore) List(ctx context.Context, limit, offset int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*models.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, limit, offset), nil
}

func (s *memoryConversationStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryConversationStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

type memoryMessageStore struct {
	mu   sync.RWMutex
	byID map[string][]models.Message
}

func newMemoryMessageStore() *memoryMessageStore {
	return &memoryMessageStore{byID: make(map[string][]models.Message)}
}

func (s *memoryMessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ConversationID == "" {
		return fmt.Errorf("storage: message conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[msg.ConversationID] = append(s.byID[msg.ConversationID], *msg)
	return nil
}

func (s *memoryMessageStore) List(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.byID[conversationID]
	if limit <= 0 || limit >= len(all) {
		out := make([]models.Message, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]models.Message, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

type memoryDecisionStore struct {
	mu   sync.RWMutex
	byID map[string]*models.BoardDecision
}

func newMemoryDecisionStore() *memoryDecisionStore {
	return &memoryDecisionStore{byID: make(map[string]*models.BoardDecision)}
}

func (s *memoryDecisionStore) Save(ctx context.Context, decision *models.BoardDecision) error {
	if decision == nil || decision.ID == "" {
		return fmt.Errorf("storage: decision id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *decision
	s.byID[decision.ID] = &cp
	return nil
}

func (s *memoryDecisionStore) Get(ctx context.Context, id string) (*models.BoardDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memoryDecisionStore) List(ctx context.Context, limit, offset int) ([]*models.BoardDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*models.BoardDecision, 0, len(s.byID))
	for _, d := range s.byID {
		cp := *d
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}

func (s *memoryDecisionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

type memoryUsageStore struct {
	mu   sync.RWMutex
	rows []models.TokenUsage
}

func newMemoryUsageStore() *memoryUsageStore {
	return &memoryUsageStore{}
}

func (s *memoryUsageStore) Record(ctx context.Context, usage *models.TokenUsage) error {
	if usage == nil {
		return fmt.Errorf("storage: usage record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *usage)
	return nil
}

func (s *memoryUsageStore) Totals(ctx context.Context, conversationID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var in, out int
	for _, u := range s.rows {
		if u.ConversationID != conversationID {
			continue
		}
		in += u.InputTokens
		out += u.OutputTokens
	}
	return in, out, nil
}

type memoryAuditStore struct {
	mu   sync.RWMutex
	rows []*models.AuditLogEntry
}

func newMemoryAuditStore() *memoryAuditStore {
	return &memoryAuditStore{}
}

func (s *memoryAuditStore) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("storage: audit entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *memoryAuditStore) List(ctx context.Context, limit, offset int) ([]*models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*models.AuditLogEntry, len(s.rows))
	copy(all, s.rows)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}
