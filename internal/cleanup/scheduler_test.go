package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	approvalmodels "github.com/parleyhq/parley/internal/approval/models"
	approvalrepo "github.com/parleyhq/parley/internal/approval/repository"
	approvalservice "github.com/parleyhq/parley/internal/approval/service"
	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/common/clock"
	convrepo "github.com/parleyhq/parley/internal/conversation/repository"
	convservice "github.com/parleyhq/parley/internal/conversation/service"
	"github.com/parleyhq/parley/internal/events/bus"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *convservice.Service, *convrepo.MemoryRepository, *approvalservice.Service, *clock.Fake) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(nil)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	repo := convrepo.NewMemoryRepository()
	conversations := convservice.NewService(repo, eventBus, clock.System{}, nil)
	approvals := approvalservice.NewService(approvalrepo.NewMemoryRepository(), eventBus, fake, nil)

	return NewScheduler(conversations, approvals, cfg, nil), conversations, repo, approvals, fake
}

func TestSchedulerLifecycle(t *testing.T) {
	sched, _, _, _, _ := newTestScheduler(t, Config{})

	require.NoError(t, sched.Start())
	assert.ErrorIs(t, sched.Start(), ErrAlreadyRunning)

	require.NoError(t, sched.Stop())
	assert.ErrorIs(t, sched.Stop(), ErrNotRunning)

	// A stopped scheduler can start again.
	require.NoError(t, sched.Start())
	require.NoError(t, sched.Stop())
}

func TestSchedulerDefaults(t *testing.T) {
	sched, _, _, _, _ := newTestScheduler(t, Config{})

	defaults := DefaultConfig()
	assert.Equal(t, defaults.ConversationInterval, sched.cfg.ConversationInterval)
	assert.Equal(t, defaults.ConversationMaxAge, sched.cfg.ConversationMaxAge)
	assert.Equal(t, defaults.ApprovalSweepInterval, sched.cfg.ApprovalSweepInterval)
}

func TestSchedulerExpiresApprovals(t *testing.T) {
	sched, _, _, approvals, fake := newTestScheduler(t, Config{
		ApprovalSweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := approvals.Request(ctx, "c1", approvalmodels.ApprovalTypeToolCall, "s1", "write_file", nil, "", 10)
	require.NoError(t, err)

	// Jump past the approval timeout before the sweep runs.
	fake.Advance(time.Minute)

	require.NoError(t, sched.Start())
	defer func() {
		require.NoError(t, sched.Stop())
	}()

	require.Eventually(t, func() bool {
		req, err := approvals.Get(ctx, "c1")
		return err == nil && req.Status == approvalmodels.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSweepsStaleConversations(t *testing.T) {
	sched, conversations, repo, _, _ := newTestScheduler(t, Config{
		ConversationInterval: 10 * time.Millisecond,
		ConversationMaxAge:   24 * time.Hour,
	})
	ctx := context.Background()

	stale, err := conversations.Create(ctx, "stale-session")
	require.NoError(t, err)
	fresh, err := conversations.Create(ctx, "fresh-session")
	require.NoError(t, err)

	stale.LastActivity = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.UpdateConversation(ctx, stale))

	require.NoError(t, sched.Start())
	defer func() {
		require.NoError(t, sched.Stop())
	}()

	require.Eventually(t, func() bool {
		_, err := conversations.Get(ctx, stale.ID)
		return apperr.IsKind(err, apperr.KindNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = conversations.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
