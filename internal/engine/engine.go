package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/parleyhq/parley/internal/agent/models"
	agentservice "github.com/parleyhq/parley/internal/agent/service"
	"github.com/parleyhq/parley/internal/approval/policy"
	approvalservice "github.com/parleyhq/parley/internal/approval/service"
	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/common/logger"
	convservice "github.com/parleyhq/parley/internal/conversation/service"
	"github.com/parleyhq/parley/internal/engine/model"
	"github.com/parleyhq/parley/internal/events/bus"
)

const eventSource = "engine"

// Options tunes engine behavior.
type Options struct {
	// ApprovalTimeoutSeconds is applied to approval requests the engine
	// creates. Zero means the model default.
	ApprovalTimeoutSeconds int
}

// Engine is the orchestration entry point. Each Process* method returns a
// lazy, single-consumer chunk stream; the stream ends after the first
// chunk with IsFinal set.
//
// Chunk channels are unbuffered: each chunk is consumed before the next
// is produced, so consumer cancellation is observed promptly.
type Engine struct {
	conversations *convservice.Service
	agents        *agentservice.Service
	approvals     *approvalservice.Service
	policy        *policy.Policy
	provider      model.Provider
	coordinator   *AgentSwitchCoordinator
	locks         *LockRegistry
	eventBus      bus.EventBus
	logger        *logger.Logger
	opts          Options
}

// New creates an engine over its collaborating services.
func New(
	conversations *convservice.Service,
	agents *agentservice.Service,
	approvals *approvalservice.Service,
	pol *policy.Policy,
	provider model.Provider,
	eventBus bus.EventBus,
	log *logger.Logger,
	opts Options,
) *Engine {
	if pol == nil {
		pol = policy.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		conversations: conversations,
		agents:        agents,
		approvals:     approvals,
		policy:        pol,
		provider:      provider,
		coordinator:   NewAgentSwitchCoordinator(conversations, agents, log),
		locks:         NewLockRegistry(),
		eventBus:      eventBus,
		logger:        log.WithFields(zap.String("component", "engine")),
		opts:          opts,
	}
}

// emitFunc delivers one chunk to the consumer, failing when the consumer
// is gone.
type emitFunc func(Chunk) error

// handlerFunc runs one request under the session lock. A nil return with
// no terminal chunk emitted gets a done chunk appended.
type handlerFunc func(ctx context.Context, emit emitFunc) error

// ProcessMessage drives one user utterance through the session's agent.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, userText, requestedAgentType string) <-chan Chunk {
	return e.run(ctx, sessionID, "user_message", func(ctx context.Context, emit emitFunc) error {
		return e.handleUserMessage(ctx, sessionID, userText, requestedAgentType, emit)
	})
}

// ProcessToolResult resumes a session with the outcome of a tool execution.
func (e *Engine) ProcessToolResult(ctx context.Context, sessionID, callID string, result interface{}, toolErr string) <-chan Chunk {
	return e.run(ctx, sessionID, "tool_result", func(ctx context.Context, emit emitFunc) error {
		return e.handleToolResult(ctx, sessionID, callID, result, toolErr, emit)
	})
}

// ProcessApprovalDecision resumes a session with a human decision on a
// pending approval.
func (e *Engine) ProcessApprovalDecision(ctx context.Context, sessionID, callID, decision string, modifiedArguments map[string]interface{}, feedback string) <-chan Chunk {
	return e.run(ctx, sessionID, "hitl_decision", func(ctx context.Context, emit emitFunc) error {
		return e.handleApprovalDecision(ctx, sessionID, callID, decision, modifiedArguments, feedback, emit)
	})
}

// SwitchAgent performs an explicit, user-requested agent switch.
func (e *Engine) SwitchAgent(ctx context.Context, sessionID, targetType, reason string) <-chan Chunk {
	return e.run(ctx, sessionID, "switch_agent", func(ctx context.Context, emit emitFunc) error {
		to, err := agentmodels.ParseAgentType(targetType)
		if err != nil {
			return err
		}
		chunk, err := e.coordinator.Switch(ctx, sessionID, to, reason, 0)
		if err != nil {
			return err
		}
		return emit(chunk)
	})
}

// ResetSession drops the session's agent so the next request starts over
// with the default orchestrator.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	release, err := e.locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return e.agents.Reset(ctx, sessionID)
}

// HandleEnvelope dispatches a transport envelope to the right entry point.
func (e *Engine) HandleEnvelope(ctx context.Context, env *Envelope) (<-chan Chunk, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.SessionID == "" {
		return nil, apperr.Validation("envelope requires a session_id")
	}
	msg := env.Message
	switch msg.Type {
	case MessageTypeUser:
		return e.ProcessMessage(ctx, env.SessionID, msg.Content, msg.AgentType), nil
	case MessageTypeToolResult:
		return e.ProcessToolResult(ctx, env.SessionID, msg.CallID, msg.Result, msg.Error), nil
	case MessageTypeSwitchAgent:
		return e.SwitchAgent(ctx, env.SessionID, msg.AgentType, msg.Reason), nil
	case MessageTypeHITL:
		return e.ProcessApprovalDecision(ctx, env.SessionID, msg.CallID, msg.Decision, msg.ModifiedArguments, msg.Feedback), nil
	}
	return nil, apperr.Validation("unknown message type: %q", msg.Type)
}

// run wraps a handler with the per-request protocol: correlation id,
// session lock, processing events on every exit path, and translation of
// errors into a terminal error chunk.
func (e *Engine) run(ctx context.Context, sessionID, kind string, handler handlerFunc) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		correlationID := uuid.New().String()
		started := time.Now()
		ctx := context.WithValue(ctx, logger.CorrelationIDKey, correlationID)
		ctx = context.WithValue(ctx, logger.SessionIDKey, sessionID)
		log := e.logger.WithContext(ctx)

		terminal := false
		emit := func(chunk Chunk) error {
			select {
			case out <- chunk:
				if chunk.IsFinal {
					terminal = true
				}
				return nil
			case <-ctx.Done():
				return apperr.Cancelled("consumer went away")
			}
		}

		release, err := e.locks.Acquire(ctx, sessionID)
		if err != nil {
			_ = emit(errorChunk(err.Error()))
			return
		}
		defer release()

		e.publish(ctx, bus.SubjectProcessingStarted, map[string]interface{}{
			"session_id":     sessionID,
			"correlation_id": correlationID,
			"kind":           kind,
		})
		defer func() {
			e.publish(ctx, bus.SubjectProcessingCompleted, map[string]interface{}{
				"session_id":     sessionID,
				"correlation_id": correlationID,
				"kind":           kind,
				"duration_ms":    time.Since(started).Milliseconds(),
			})
		}()

		if err := handler(ctx, emit); err != nil {
			if apperr.IsKind(err, apperr.KindCancelled) {
				log.Debug("request cancelled")
				return
			}
			log.WithError(err).Error("request failed")
			_ = emit(errorChunk(err.Error()))
			return
		}
		if !terminal {
			_ = emit(doneChunk())
		}
	}()

	return out
}

func (e *Engine) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	if err := e.eventBus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		e.logger.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}
