// Package models defines the conversation aggregate and its messages.
package models

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/common/apperr"
)

const (
	// MaxConversationIDLength bounds conversation identifiers.
	MaxConversationIDLength = 255
	// MaxTitleLength bounds the auto-set conversation title.
	MaxTitleLength = 500
	// MaxDescriptionLength bounds the conversation description.
	MaxDescriptionLength = 2000
	// DefaultMaxMessages is the per-conversation message cap.
	DefaultMaxMessages = 1000

	// SnapshotVersion identifies the snapshot format.
	SnapshotVersion = "1.0"
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateConversationID checks the identifier charset and length.
func ValidateConversationID(id string) error {
	if id == "" {
		return apperr.Validation("conversation id must not be empty")
	}
	if len(id) > MaxConversationIDLength {
		return apperr.Validation("conversation id exceeds %d characters", MaxConversationIDLength)
	}
	if !conversationIDPattern.MatchString(id) {
		return apperr.Validation("conversation id contains invalid characters: %q", id)
	}
	return nil
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ToolCall is a model-emitted request to invoke an external tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message is a value in the conversation timeline.
type Message struct {
	ID         string                 `json:"id"`
	Role       Role                   `json:"role"`
	Content    string                 `json:"content"`
	Name       string                 `json:"name,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewMessage builds a validated message with a fresh id.
func NewMessage(role Role, content string) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewToolResultMessage builds a tool-role message answering a tool call.
func NewToolResultMessage(toolCallID, content string) (*Message, error) {
	msg := &Message{
		ID:         uuid.New().String(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewAssistantToolCallMessage builds an assistant message carrying tool calls.
// Content may be empty in this case.
func NewAssistantToolCallMessage(content string, calls []ToolCall) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate enforces the message invariants: user/system/tool content is
// non-empty; an assistant message carries content or tool calls; tool
// messages reference the call they answer; tool calls live only on
// assistant messages.
func (m *Message) Validate() error {
	if !m.Role.Valid() {
		return apperr.Validation("unknown message role: %q", m.Role)
	}
	switch m.Role {
	case RoleUser, RoleSystem:
		if m.Content == "" {
			return apperr.Validation("%s message content must not be empty", m.Role)
		}
	case RoleTool:
		if m.Content == "" {
			return apperr.Validation("tool message content must not be empty")
		}
		if m.ToolCallID == "" {
			return apperr.Validation("tool message requires a tool_call_id")
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return apperr.Validation("assistant message requires content or tool calls")
		}
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return apperr.Validation("tool calls are permitted only on assistant messages")
	}
	if m.ToolCallID != "" && m.Role != RoleTool {
		return apperr.Validation("tool_call_id is permitted only on tool messages")
	}
	return nil
}

// HasToolCalls reports whether this is an assistant message with tool calls.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Conversation is the aggregate root of a session's message timeline.
type Conversation struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Messages     []*Message             `json:"messages"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IsActive     bool                   `json:"is_active"`
	MaxMessages  int                    `json:"max_messages"`
	LastActivity time.Time              `json:"last_activity"`
	CreatedAt    time.Time              `json:"created_at"`
	DeletedAt    *time.Time             `json:"deleted_at,omitempty"`
}

// NewConversation creates an active conversation with the default cap.
func NewConversation(id string) (*Conversation, error) {
	if err := ValidateConversationID(id); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:           id,
		Messages:     []*Message{},
		Metadata:     map[string]interface{}{},
		IsActive:     true,
		MaxMessages:  DefaultMaxMessages,
		LastActivity: now,
		CreatedAt:    now,
	}, nil
}

// CanAppend reports whether another message may be added.
func (c *Conversation) CanAppend() error {
	if !c.IsActive {
		return apperr.Validation("conversation %s is inactive", c.ID)
	}
	if len(c.Messages) >= c.maxMessages() {
		return apperr.Validation("conversation %s reached the %d message cap", c.ID, c.maxMessages())
	}
	return nil
}

func (c *Conversation) maxMessages() int {
	if c.MaxMessages <= 0 {
		return DefaultMaxMessages
	}
	return c.MaxMessages
}

// Append validates and adds a message, enforcing tool-call id uniqueness
// across the conversation and setting the title from the first user message.
func (c *Conversation) Append(msg *Message) error {
	if err := c.CanAppend(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.checkToolCallIDs(msg); err != nil {
		return err
	}

	if c.Title == "" && msg.Role == RoleUser {
		c.Title = truncate(msg.Content, MaxTitleLength)
	}

	c.Messages = append(c.Messages, msg)
	if msg.CreatedAt.After(c.LastActivity) {
		c.LastActivity = msg.CreatedAt
	}
	return nil
}

// checkToolCallIDs rejects tool-call ids already present anywhere in the
// timeline. Downstream model providers hard-fail on duplicates.
func (c *Conversation) checkToolCallIDs(msg *Message) error {
	if len(msg.ToolCalls) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, existing := range c.Messages {
		for _, call := range existing.ToolCalls {
			seen[call.ID] = struct{}{}
		}
	}
	for _, call := range msg.ToolCalls {
		if call.ID == "" {
			return apperr.Validation("tool call id must not be empty")
		}
		if _, dup := seen[call.ID]; dup {
			return apperr.Conflict("duplicate tool call id %q in conversation %s", call.ID, c.ID)
		}
		seen[call.ID] = struct{}{}
	}
	return nil
}

// LastAssistantContent returns the content of the most recent plain
// assistant message (one without tool calls), or "".
func (c *Conversation) LastAssistantContent() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		msg := c.Messages[i]
		if msg.Role == RoleAssistant && len(msg.ToolCalls) == 0 && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}

// Snapshot is an immutable copy of conversation state used for subtask
// isolation. It persists independently of the conversation.
type Snapshot struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Messages       []*Message             `json:"messages"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	MessageCount   int                    `json:"message_count"`
	Version        string                 `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
}

// SnapshotID derives the snapshot key for a subtask.
func SnapshotID(conversationID, subtaskID string) string {
	return conversationID + "_snapshot_" + subtaskID
}

// TakeSnapshot captures the conversation's current state.
func TakeSnapshot(c *Conversation, subtaskID string) *Snapshot {
	messages := make([]*Message, len(c.Messages))
	copy(messages, c.Messages)
	metadata := make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	return &Snapshot{
		ID:             SnapshotID(c.ID, subtaskID),
		ConversationID: c.ID,
		Messages:       messages,
		Metadata:       metadata,
		Title:          c.Title,
		Description:    c.Description,
		MessageCount:   len(messages),
		Version:        SnapshotVersion,
		CreatedAt:      time.Now().UTC(),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
