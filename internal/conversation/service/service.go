// Package service implements conversation lifecycle operations on top of
// the repository: message appends, tool-message cleanup, and the
// snapshot/restore cycle that backs subtask isolation.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/common/clock"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/repository"
	"github.com/parleyhq/parley/internal/events/bus"
)

const eventSource = "conversation-service"

// Service coordinates conversation state changes and emits domain events.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	clock    clock.Clock
	logger   *logger.Logger

	// defaultMaxMessages overrides the model default for new conversations
	// when positive.
	defaultMaxMessages int
}

// NewService creates a conversation service.
func NewService(repo repository.Repository, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "conversation-service")),
	}
}

// SetDefaultMaxMessages sets the message cap applied to conversations
// created from now on. Zero or negative keeps the model default.
func (s *Service) SetDefaultMaxMessages(n int) {
	s.defaultMaxMessages = n
}

// Create starts a new conversation with the given id.
func (s *Service) Create(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := models.NewConversation(id)
	if err != nil {
		return nil, err
	}
	if s.defaultMaxMessages > 0 {
		conv.MaxMessages = s.defaultMaxMessages
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectConversationStarted, map[string]interface{}{
		"conversation_id": conv.ID,
	})
	s.logger.WithConversationID(conv.ID).Info("conversation created")
	return conv, nil
}

// Get loads a conversation with its timeline.
func (s *Service) Get(ctx context.Context, id string) (*models.Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

// GetOrCreate loads a conversation, creating it when missing.
func (s *Service) GetOrCreate(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}
	conv, err = s.Create(ctx, id)
	if err == nil {
		return conv, nil
	}
	// Lost a create race; the winner's row is authoritative.
	if apperr.IsKind(err, apperr.KindConflict) {
		return s.repo.GetConversation(ctx, id)
	}
	return nil, err
}

// AppendMessage validates and appends a message, enforcing the activity,
// capacity, and tool-call uniqueness rules of the conversation.
func (s *Service) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := conv.Append(msg); err != nil {
		return err
	}
	if err := s.repo.AppendMessage(ctx, conversationID, msg); err != nil {
		return err
	}
	// Title may have been set from the first user message.
	if err := s.repo.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	s.publish(ctx, bus.SubjectMessageAdded, map[string]interface{}{
		"conversation_id": conversationID,
		"message_id":      msg.ID,
		"role":            string(msg.Role),
	})
	return nil
}

// AppendToolResult appends a tool-role message answering a tool call.
func (s *Service) AppendToolResult(ctx context.Context, conversationID, toolCallID, content string) (*models.Message, error) {
	msg, err := models.NewToolResultMessage(toolCallID, content)
	if err != nil {
		return nil, err
	}
	if err := s.AppendMessage(ctx, conversationID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// isToolRelated reports whether the message belongs to a tool exchange:
// an assistant message that carries tool calls, or a tool result.
func isToolRelated(msg *models.Message) bool {
	return msg.Role == models.RoleTool || msg.HasToolCalls()
}

// ClearToolMessages removes all tool-related messages from the timeline.
func (s *Service) ClearToolMessages(ctx context.Context, conversationID string) (int, error) {
	removed, _, err := s.clearToolMessages(ctx, conversationID)
	return removed, err
}

// ClearToolMessagesSelective removes tool-related messages and reports the
// content of the most recent plain assistant message that existed before
// cleanup, so callers can re-anchor it after an agent switch.
func (s *Service) ClearToolMessagesSelective(ctx context.Context, conversationID string) (int, string, error) {
	return s.clearToolMessages(ctx, conversationID)
}

func (s *Service) clearToolMessages(ctx context.Context, conversationID string) (int, string, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, "", err
	}

	preserved := conv.LastAssistantContent()

	kept := make([]*models.Message, 0, len(conv.Messages))
	removed := 0
	for _, msg := range conv.Messages {
		if isToolRelated(msg) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	if removed == 0 {
		return 0, preserved, nil
	}

	if err := s.repo.ReplaceMessages(ctx, conversationID, kept); err != nil {
		return 0, "", err
	}

	s.publish(ctx, bus.SubjectToolMessagesCleared, map[string]interface{}{
		"conversation_id": conversationID,
		"removed":         removed,
	})
	s.logger.WithConversationID(conversationID).Info("cleared tool messages",
		zap.Int("removed", removed))
	return removed, preserved, nil
}

// CreateSubtaskContext snapshots the conversation, clears tool messages,
// and seeds the timeline with a system message summarizing the results the
// subtask depends on. Returns the snapshot id.
func (s *Service) CreateSubtaskContext(ctx context.Context, conversationID, subtaskID string, dependencyResults map[string]string) (string, error) {
	if subtaskID == "" {
		return "", apperr.Validation("subtask id must not be empty")
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	snap := models.TakeSnapshot(conv, subtaskID)
	if err := s.repo.SaveSnapshot(ctx, snap); err != nil {
		return "", err
	}

	if _, _, err := s.clearToolMessages(ctx, conversationID); err != nil {
		return "", err
	}

	if len(dependencyResults) > 0 {
		msg, err := models.NewMessage(models.RoleSystem, formatDependencyResults(dependencyResults))
		if err != nil {
			return "", err
		}
		if err := s.AppendMessage(ctx, conversationID, msg); err != nil {
			return "", err
		}
	}

	s.logger.WithConversationID(conversationID).Info("created subtask context",
		zap.String("subtask_id", subtaskID),
		zap.String("snapshot_id", snap.ID))
	return snap.ID, nil
}

// RestoreFromSnapshot overwrites the conversation's messages and metadata
// with the snapshot contents, then deletes the snapshot. When
// preserveLastResult is set, the current last plain assistant message is
// re-appended after the restore unless already present.
func (s *Service) RestoreFromSnapshot(ctx context.Context, conversationID, snapshotID string, preserveLastResult bool) error {
	snap, err := s.repo.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.ConversationID != conversationID {
		return apperr.Conflict("snapshot %s belongs to conversation %s, not %s",
			snapshotID, snap.ConversationID, conversationID)
	}

	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	var preserved string
	if preserveLastResult {
		preserved = conv.LastAssistantContent()
	}

	restored := make([]*models.Message, len(snap.Messages))
	copy(restored, snap.Messages)

	if preserved != "" && !containsAssistantContent(restored, preserved) {
		msg, err := models.NewMessage(models.RoleAssistant, preserved)
		if err != nil {
			return err
		}
		restored = append(restored, msg)
	}

	if err := s.repo.ReplaceMessages(ctx, conversationID, restored); err != nil {
		return err
	}

	conv.Metadata = snap.Metadata
	conv.Title = snap.Title
	conv.Description = snap.Description
	conv.LastActivity = s.clock.Now()
	if err := s.repo.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	if err := s.repo.DeleteSnapshot(ctx, snapshotID); err != nil {
		// The restore already succeeded; a stale snapshot only costs storage.
		s.logger.WithError(err).Warn("failed to delete snapshot after restore",
			zap.String("snapshot_id", snapshotID))
	}

	s.logger.WithConversationID(conversationID).Info("restored from snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.Int("messages", len(restored)))
	return nil
}

// CleanupOldConversations soft-deletes active conversations whose last
// activity is older than maxAge. Returns the number affected.
func (s *Service) CleanupOldConversations(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	count, err := s.repo.SoftDeleteInactiveSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("cleaned up stale conversations",
			zap.Int("count", count),
			zap.Duration("max_age", maxAge))
	}
	return count, nil
}

// Deactivate stops a conversation from accepting new messages.
func (s *Service) Deactivate(ctx context.Context, conversationID string) error {
	return s.setActive(ctx, conversationID, false)
}

// Reactivate re-enables message appends on a conversation.
func (s *Service) Reactivate(ctx context.Context, conversationID string) error {
	return s.setActive(ctx, conversationID, true)
}

func (s *Service) setActive(ctx context.Context, conversationID string, active bool) error {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.IsActive == active {
		return nil
	}
	conv.IsActive = active
	if err := s.repo.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	if !active {
		s.publish(ctx, bus.SubjectConversationDeactivated, map[string]interface{}{
			"conversation_id": conversationID,
		})
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}

func containsAssistantContent(msgs []*models.Message, content string) bool {
	for _, msg := range msgs {
		if msg.Role == models.RoleAssistant && msg.Content == content {
			return true
		}
	}
	return false
}

// formatDependencyResults renders one line per dependency, sorted for a
// stable rendering.
func formatDependencyResults(results map[string]string) string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Results from completed dependencies:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, results[id])
	}
	return strings.TrimRight(b.String(), "\n")
}
