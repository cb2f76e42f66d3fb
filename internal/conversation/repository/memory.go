package repository

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/conversation/models"
)

// MemoryRepository provides in-memory conversation storage.
// Used by tests and by deployments that do not need durability.
type MemoryRepository struct {
	conversations map[string]*models.Conversation
	snapshots     map[string]*models.Snapshot
	mu            sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory conversation repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]*models.Conversation),
		snapshots:     make(map[string]*models.Snapshot),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateConversation persists a new conversation.
func (r *MemoryRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conversations[conv.ID]; ok && existing.DeletedAt == nil {
		return apperr.Conflict("conversation already exists: %s", conv.ID)
	}
	r.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

// GetConversation loads a conversation with its messages.
func (r *MemoryRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok || conv.DeletedAt != nil {
		return nil, apperr.NotFound("conversation not found: %s", id)
	}
	return cloneConversation(conv), nil
}

// UpdateConversation persists header fields.
func (r *MemoryRepository) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.conversations[conv.ID]
	if !ok {
		return apperr.NotFound("conversation not found: %s", conv.ID)
	}
	updated := cloneConversation(conv)
	updated.Messages = existing.Messages
	r.conversations[conv.ID] = updated
	return nil
}

// AppendMessage adds one message at the end of the timeline.
func (r *MemoryRepository) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok || conv.DeletedAt != nil {
		return apperr.NotFound("conversation not found: %s", conversationID)
	}
	conv.Messages = append(conv.Messages, cloneMessage(msg))
	if msg.CreatedAt.After(conv.LastActivity) {
		conv.LastActivity = msg.CreatedAt
	}
	return nil
}

// ReplaceMessages rewrites the timeline.
func (r *MemoryRepository) ReplaceMessages(ctx context.Context, conversationID string, msgs []*models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok || conv.DeletedAt != nil {
		return apperr.NotFound("conversation not found: %s", conversationID)
	}
	replaced := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		replaced = append(replaced, cloneMessage(msg))
	}
	conv.Messages = replaced
	return nil
}

// ListMessages returns the ordered timeline.
func (r *MemoryRepository) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok || conv.DeletedAt != nil {
		return nil, apperr.NotFound("conversation not found: %s", conversationID)
	}
	msgs := make([]*models.Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		msgs = append(msgs, cloneMessage(msg))
	}
	return msgs, nil
}

// SoftDeleteInactiveSince marks stale active conversations deleted.
func (r *MemoryRepository) SoftDeleteInactiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	for _, conv := range r.conversations {
		if conv.DeletedAt == nil && conv.LastActivity.Before(cutoff) {
			deletedAt := now
			conv.DeletedAt = &deletedAt
			conv.IsActive = false
			count++
		}
	}
	return count, nil
}

// HardDeleteBefore removes long-deleted conversations.
func (r *MemoryRepository) HardDeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, conv := range r.conversations {
		if conv.DeletedAt != nil && conv.DeletedAt.Before(cutoff) {
			delete(r.conversations, id)
			count++
		}
	}
	return count, nil
}

// SaveSnapshot persists a snapshot keyed by its id.
func (r *MemoryRepository) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots[snap.ID] = cloneSnapshot(snap)
	return nil
}

// GetSnapshot loads a snapshot by id.
func (r *MemoryRepository) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.snapshots[id]
	if !ok {
		return nil, apperr.NotFound("snapshot not found: %s", id)
	}
	return cloneSnapshot(snap), nil
}

// DeleteSnapshot removes a snapshot by id.
func (r *MemoryRepository) DeleteSnapshot(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshots[id]; !ok {
		return apperr.NotFound("snapshot not found: %s", id)
	}
	delete(r.snapshots, id)
	return nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	clone := *conv
	clone.Messages = make([]*models.Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		clone.Messages = append(clone.Messages, cloneMessage(msg))
	}
	clone.Metadata = cloneMap(conv.Metadata)
	if conv.DeletedAt != nil {
		deletedAt := *conv.DeletedAt
		clone.DeletedAt = &deletedAt
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		copy(clone.ToolCalls, msg.ToolCalls)
	}
	clone.Metadata = cloneMap(msg.Metadata)
	return &clone
}

func cloneSnapshot(snap *models.Snapshot) *models.Snapshot {
	clone := *snap
	clone.Messages = make([]*models.Message, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		clone.Messages = append(clone.Messages, cloneMessage(msg))
	}
	clone.Metadata = cloneMap(snap.Metadata)
	return &clone
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
