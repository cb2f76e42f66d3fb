package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/common/clock"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/repository"
	"github.com/parleyhq/parley/internal/events/bus"
)

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(repository.NewMemoryRepository(), bus.NewMemoryEventBus(nil), fake, nil)
	return svc, fake
}

func appendUser(t *testing.T, svc *Service, sessionID, content string) {
	t.Helper()
	msg, err := models.NewMessage(models.RoleUser, content)
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(context.Background(), sessionID, msg))
}

func appendAssistant(t *testing.T, svc *Service, sessionID, content string) {
	t.Helper()
	msg, err := models.NewMessage(models.RoleAssistant, content)
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(context.Background(), sessionID, msg))
}

func appendToolExchange(t *testing.T, svc *Service, sessionID, callID, tool string) {
	t.Helper()
	assistant, err := models.NewAssistantToolCallMessage("", []models.ToolCall{{ID: callID, Name: tool}})
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(context.Background(), sessionID, assistant))
	_, err = svc.AppendToolResult(context.Background(), sessionID, callID, "ok")
	require.NoError(t, err)
}

func TestGetOrCreate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.GetOrCreate(ctx, "s1")
	require.NoError(t, err)

	again, err := svc.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
}

func TestClearToolMessagesSelective(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "s1")
	require.NoError(t, err)

	appendUser(t, svc, "s1", "do something")
	appendAssistant(t, svc, "s1", "working on it")
	appendToolExchange(t, svc, "s1", "c1", "read_file")
	appendToolExchange(t, svc, "s1", "c2", "write_file")

	removed, preserved, err := svc.ClearToolMessagesSelective(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, 4, removed)
	assert.Equal(t, "working on it", preserved)

	conv, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
}

func TestSubtaskSnapshotRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "s1")
	require.NoError(t, err)
	appendUser(t, svc, "s1", "main task")
	appendAssistant(t, svc, "s1", "main answer")

	before, err := svc.Get(ctx, "s1")
	require.NoError(t, err)

	snapshotID, err := svc.CreateSubtaskContext(ctx, "s1", "sub-1", map[string]string{
		"dep-a": "result of a",
	})
	require.NoError(t, err)
	assert.Equal(t, "s1_snapshot_sub-1", snapshotID)

	// The subtask context carries the dependency summary.
	working, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	last := working.Messages[len(working.Messages)-1]
	assert.Equal(t, models.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "dep-a: result of a")

	// Restoring without preservation recovers the exact pre-snapshot list.
	require.NoError(t, svc.RestoreFromSnapshot(ctx, "s1", snapshotID, false))

	after, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, after.Messages, len(before.Messages))
	for i := range before.Messages {
		assert.Equal(t, before.Messages[i].ID, after.Messages[i].ID)
		assert.Equal(t, before.Messages[i].Content, after.Messages[i].Content)
	}

	// The snapshot is consumed by the restore.
	err = svc.RestoreFromSnapshot(ctx, "s1", snapshotID, false)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRestorePreservesLastResult(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "s1")
	require.NoError(t, err)
	appendUser(t, svc, "s1", "main task")

	snapshotID, err := svc.CreateSubtaskContext(ctx, "s1", "sub-1", nil)
	require.NoError(t, err)

	appendAssistant(t, svc, "s1", "subtask result")

	require.NoError(t, svc.RestoreFromSnapshot(ctx, "s1", snapshotID, true))

	conv, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	last := conv.Messages[len(conv.Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, "subtask result", last.Content)
}

func TestRestoreRejectsForeignSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "s2")
	require.NoError(t, err)
	appendUser(t, svc, "s1", "task")

	snapshotID, err := svc.CreateSubtaskContext(ctx, "s1", "sub-1", nil)
	require.NoError(t, err)

	err = svc.RestoreFromSnapshot(ctx, "s2", snapshotID, false)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestCleanupOldConversations(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, bus.NewMemoryEventBus(nil), clock.System{}, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "stale")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "fresh")
	require.NoError(t, err)

	// Backdate the stale conversation past the retention window.
	stale, err := repo.GetConversation(ctx, "stale")
	require.NoError(t, err)
	stale.LastActivity = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.UpdateConversation(ctx, stale))

	count, err := svc.CleanupOldConversations(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = svc.Get(ctx, "stale")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = svc.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestDeactivateBlocksAppends(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, "s1"))

	msg, err := models.NewMessage(models.RoleUser, "hello")
	require.NoError(t, err)
	err = svc.AppendMessage(ctx, "s1", msg)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	require.NoError(t, svc.Reactivate(ctx, "s1"))
	msg2, err := models.NewMessage(models.RoleUser, "hello again")
	require.NoError(t, err)
	assert.NoError(t, svc.AppendMessage(ctx, "s1", msg2))
}
