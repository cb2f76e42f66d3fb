// Package cleanup runs the background maintenance jobs: the hourly
// conversation sweep and the approval expiry sweep.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	approvalservice "github.com/parleyhq/parley/internal/approval/service"
	"github.com/parleyhq/parley/internal/common/logger"
	convservice "github.com/parleyhq/parley/internal/conversation/service"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("cleanup scheduler already running")
	// ErrNotRunning is returned by Stop on a stopped scheduler.
	ErrNotRunning = errors.New("cleanup scheduler not running")
)

// Config tunes the sweep cadence and retention.
type Config struct {
	ConversationInterval  time.Duration
	ConversationMaxAge    time.Duration
	ApprovalSweepInterval time.Duration
}

// DefaultConfig returns the production cadence: conversations swept
// hourly with a 24h retention, approvals swept every 30 seconds.
func DefaultConfig() Config {
	return Config{
		ConversationInterval:  time.Hour,
		ConversationMaxAge:    24 * time.Hour,
		ApprovalSweepInterval: 30 * time.Second,
	}
}

// Scheduler owns the two sweep loops. Start and Stop are idempotent in
// effect: double Start and double Stop fail with typed errors rather
// than corrupting state.
type Scheduler struct {
	conversations *convservice.Service
	approvals     *approvalservice.Service
	cfg           Config
	logger        *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Zero config fields fall back to the
// defaults.
func NewScheduler(conversations *convservice.Service, approvals *approvalservice.Service, cfg Config, log *logger.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.ConversationInterval <= 0 {
		cfg.ConversationInterval = defaults.ConversationInterval
	}
	if cfg.ConversationMaxAge <= 0 {
		cfg.ConversationMaxAge = defaults.ConversationMaxAge
	}
	if cfg.ApprovalSweepInterval <= 0 {
		cfg.ApprovalSweepInterval = defaults.ApprovalSweepInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		conversations: conversations,
		approvals:     approvals,
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "cleanup-scheduler")),
	}
}

// Start launches the sweep loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.conversationLoop(s.stopCh)
	go s.approvalLoop(s.stopCh)

	s.logger.Info("cleanup scheduler started",
		zap.Duration("conversation_interval", s.cfg.ConversationInterval),
		zap.Duration("approval_sweep_interval", s.cfg.ApprovalSweepInterval))
	return nil
}

// Stop halts the loops and waits for in-flight iterations to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
	return nil
}

func (s *Scheduler) conversationLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ConversationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.sweepConversations()
		}
	}
}

func (s *Scheduler) approvalLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ApprovalSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.sweepApprovals()
		}
	}
}

// sweepConversations soft-deletes conversations idle past the retention
// window. Errors are logged; the loop continues.
func (s *Scheduler) sweepConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	count, err := s.conversations.CleanupOldConversations(ctx, s.cfg.ConversationMaxAge)
	if err != nil {
		s.logger.WithError(err).Error("conversation sweep failed")
		return
	}
	if count > 0 {
		s.logger.Info("conversation sweep finished", zap.Int("soft_deleted", count))
	}
}

// sweepApprovals expires pending approvals past their timeout.
func (s *Scheduler) sweepApprovals() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	count, err := s.approvals.ProcessExpired(ctx, "")
	if err != nil {
		s.logger.WithError(err).Error("approval sweep failed")
		return
	}
	if count > 0 {
		s.logger.Info("approval sweep finished", zap.Int("expired", count))
	}
}
