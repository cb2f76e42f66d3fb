// Package repository defines conversation storage contracts and implementations.
package repository

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/conversation/models"
)

// Repository is the durable store for conversations, their ordered message
// timelines, and out-of-band snapshots.
//
// Implementations handle their own concurrency control; callers never hold
// a store transaction across suspension points. Message order must survive
// a save/load round trip, including tool_calls, tool_call_id, and name.
type Repository interface {
	// CreateConversation persists a new conversation.
	// Returns a Conflict error when an undeleted row with the id exists.
	CreateConversation(ctx context.Context, conv *models.Conversation) error

	// GetConversation loads a conversation with its full message timeline.
	// Soft-deleted conversations are not returned.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// UpdateConversation persists header fields (title, description,
	// metadata, activity, soft-delete markers). Messages are untouched.
	UpdateConversation(ctx context.Context, conv *models.Conversation) error

	// AppendMessage adds one message at the end of the timeline.
	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error

	// ReplaceMessages atomically rewrites the whole timeline.
	// Used by tool-message cleanup and snapshot restore.
	ReplaceMessages(ctx context.Context, conversationID string, msgs []*models.Message) error

	// ListMessages returns the ordered timeline.
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)

	// SoftDeleteInactiveSince marks active conversations whose last activity
	// predates the cutoff as deleted. Returns the number affected.
	SoftDeleteInactiveSince(ctx context.Context, cutoff time.Time) (int, error)

	// HardDeleteBefore removes soft-deleted conversations whose deletion
	// predates the cutoff. Returns the number removed.
	HardDeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	// SaveSnapshot persists a snapshot keyed by its id, overwriting any
	// previous snapshot with the same id.
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error

	// GetSnapshot loads a snapshot by id.
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)

	// DeleteSnapshot removes a snapshot by id.
	DeleteSnapshot(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}
