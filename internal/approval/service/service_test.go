package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/approval/repository"
	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/common/clock"
	"github.com/parleyhq/parley/internal/events/bus"
)

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(repository.NewMemoryRepository(), bus.NewMemoryEventBus(nil), fake, nil)
	return svc, fake
}

func TestRequest(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	req, err := svc.Request(ctx, "c1", models.ApprovalTypeToolCall, "s1", "write_file",
		map[string]interface{}{"path": "main.go"}, "", 0)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, models.DefaultTimeoutSeconds, req.TimeoutSeconds)
	// The expiry deadline is anchored to the injected clock, not the wall
	// clock, so sweeps driven by the same clock see it deterministically.
	assert.True(t, req.CreatedAt.Equal(fake.Now()))

	t.Run("duplicate id conflicts", func(t *testing.T) {
		_, err := svc.Request(ctx, "c1", models.ApprovalTypeToolCall, "s1", "write_file", nil, "", 0)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})
}

func TestStateMachine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("grant", func(t *testing.T) {
		_, err := svc.Request(ctx, "c1", models.ApprovalTypeToolCall, "s1", "write_file", nil, "", 0)
		require.NoError(t, err)

		req, err := svc.Grant(ctx, "c1", "approved")
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, req.Status)
		assert.NotNil(t, req.DecidedAt)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		_, err := svc.Reject(ctx, "c1", "changed my mind")
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
		_, err = svc.Expire(ctx, "c1")
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("reject", func(t *testing.T) {
		_, err := svc.Request(ctx, "c2", models.ApprovalTypeToolCall, "s1", "delete_file", nil, "", 0)
		require.NoError(t, err)

		req, err := svc.Reject(ctx, "c2", "too risky")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, req.Status)
	})

	t.Run("missing approval", func(t *testing.T) {
		_, err := svc.Grant(ctx, "nope", "approved")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestFindPendingBySession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Request(ctx, "c1", models.ApprovalTypeToolCall, "s1", "write_file", nil, "", 0)
	require.NoError(t, err)
	_, err = svc.Request(ctx, "c2", models.ApprovalTypeToolCall, "s1", "delete_file", nil, "", 0)
	require.NoError(t, err)
	_, err = svc.Request(ctx, "c3", models.ApprovalTypeToolCall, "s2", "move_file", nil, "", 0)
	require.NoError(t, err)

	_, err = svc.Grant(ctx, "c1", "approved")
	require.NoError(t, err)

	pending, err := svc.FindPendingBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ID)

	other, err := svc.FindPendingBySession(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "c3", other[0].ID)
}

func TestProcessExpired(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	_, err := svc.Request(ctx, "c1", models.ApprovalTypeToolCall, "s1", "write_file", nil, "", 10)
	require.NoError(t, err)
	_, err = svc.Request(ctx, "c2", models.ApprovalTypeToolCall, "s1", "delete_file", nil, "", 3600)
	require.NoError(t, err)

	// Jump past the short timeout but not the long one.
	fake.Advance(60 * time.Second)

	count, err := svc.ProcessExpired(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expired, err := svc.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)

	alive, err := svc.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, alive.Status)
}
