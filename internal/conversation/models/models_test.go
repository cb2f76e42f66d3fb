package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/apperr"
)

func TestValidateConversationID(t *testing.T) {
	t.Run("accepts alphanumeric with dashes and underscores", func(t *testing.T) {
		assert.NoError(t, ValidateConversationID("session-1_a"))
	})

	t.Run("rejects empty", func(t *testing.T) {
		err := ValidateConversationID("")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("rejects invalid characters", func(t *testing.T) {
		err := ValidateConversationID("bad id!")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("rejects over-long ids", func(t *testing.T) {
		long := make([]byte, MaxConversationIDLength+1)
		for i := range long {
			long[i] = 'a'
		}
		err := ValidateConversationID(string(long))
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})
}

func TestMessageValidate(t *testing.T) {
	t.Run("user message requires content", func(t *testing.T) {
		_, err := NewMessage(RoleUser, "")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("tool message requires tool_call_id", func(t *testing.T) {
		msg := &Message{ID: "m1", Role: RoleTool, Content: "ok"}
		err := msg.Validate()
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("assistant message allows empty content with tool calls", func(t *testing.T) {
		msg, err := NewAssistantToolCallMessage("", []ToolCall{{ID: "c1", Name: "read_file"}})
		require.NoError(t, err)
		assert.True(t, msg.HasToolCalls())
	})

	t.Run("assistant message requires content or tool calls", func(t *testing.T) {
		msg := &Message{ID: "m1", Role: RoleAssistant}
		err := msg.Validate()
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("tool calls only on assistant messages", func(t *testing.T) {
		msg := &Message{ID: "m1", Role: RoleUser, Content: "hi", ToolCalls: []ToolCall{{ID: "c1", Name: "x"}}}
		err := msg.Validate()
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})
}

func TestConversationAppend(t *testing.T) {
	t.Run("sets title from first user message", func(t *testing.T) {
		conv, err := NewConversation("s1")
		require.NoError(t, err)

		msg, err := NewMessage(RoleUser, "hello there")
		require.NoError(t, err)
		require.NoError(t, conv.Append(msg))

		assert.Equal(t, "hello there", conv.Title)
	})

	t.Run("rejects appends on inactive conversations", func(t *testing.T) {
		conv, err := NewConversation("s1")
		require.NoError(t, err)
		conv.IsActive = false

		msg, err := NewMessage(RoleUser, "hi")
		require.NoError(t, err)
		err = conv.Append(msg)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("enforces the message cap", func(t *testing.T) {
		conv, err := NewConversation("s1")
		require.NoError(t, err)
		conv.MaxMessages = 2

		for i := 0; i < 2; i++ {
			msg, err := NewMessage(RoleUser, "msg")
			require.NoError(t, err)
			require.NoError(t, conv.Append(msg))
		}
		msg, err := NewMessage(RoleUser, "one too many")
		require.NoError(t, err)
		err = conv.Append(msg)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("rejects duplicate tool call ids across the timeline", func(t *testing.T) {
		conv, err := NewConversation("s1")
		require.NoError(t, err)

		first, err := NewAssistantToolCallMessage("", []ToolCall{{ID: "c1", Name: "read_file"}})
		require.NoError(t, err)
		require.NoError(t, conv.Append(first))

		dup, err := NewAssistantToolCallMessage("", []ToolCall{{ID: "c1", Name: "write_file"}})
		require.NoError(t, err)
		err = conv.Append(dup)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("rejects duplicate tool call ids within one message", func(t *testing.T) {
		conv, err := NewConversation("s1")
		require.NoError(t, err)

		msg, err := NewAssistantToolCallMessage("", []ToolCall{
			{ID: "c1", Name: "read_file"},
			{ID: "c1", Name: "list_files"},
		})
		require.NoError(t, err)
		err = conv.Append(msg)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})
}

func TestLastAssistantContent(t *testing.T) {
	conv, err := NewConversation("s1")
	require.NoError(t, err)

	user, err := NewMessage(RoleUser, "question")
	require.NoError(t, err)
	require.NoError(t, conv.Append(user))

	plain, err := NewMessage(RoleAssistant, "plain answer")
	require.NoError(t, err)
	require.NoError(t, conv.Append(plain))

	withCalls, err := NewAssistantToolCallMessage("calling", []ToolCall{{ID: "c1", Name: "read_file"}})
	require.NoError(t, err)
	require.NoError(t, conv.Append(withCalls))

	// The tool-calling assistant message does not count.
	assert.Equal(t, "plain answer", conv.LastAssistantContent())
}

func TestSnapshot(t *testing.T) {
	conv, err := NewConversation("s1")
	require.NoError(t, err)
	msg, err := NewMessage(RoleUser, "hello")
	require.NoError(t, err)
	require.NoError(t, conv.Append(msg))

	snap := TakeSnapshot(conv, "task-1")

	assert.Equal(t, "s1_snapshot_task-1", snap.ID)
	assert.Equal(t, "s1", snap.ConversationID)
	assert.Equal(t, 1, snap.MessageCount)
	assert.Equal(t, SnapshotVersion, snap.Version)
}
