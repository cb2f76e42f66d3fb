package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	agentmodels "github.com/parleyhq/parley/internal/agent/models"
	approvalmodels "github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/approval/policy"
	"github.com/parleyhq/parley/internal/common/apperr"
	convmodels "github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/engine/model"
	"github.com/parleyhq/parley/internal/events/bus"
)

// maxModelRounds bounds stream restarts within one request. Restarts
// happen on agent switches and policy rejections; a runaway agent that
// keeps triggering them gets cut off instead of looping forever.
const maxModelRounds = 16

// handleUserMessage appends the utterance, applies a requested agent
// switch, and runs the model loop.
func (e *Engine) handleUserMessage(ctx context.Context, sessionID, userText, requestedAgentType string, emit emitFunc) error {
	if _, err := e.conversations.GetOrCreate(ctx, sessionID); err != nil {
		return err
	}

	if userText != "" {
		msg, err := convmodels.NewMessage(convmodels.RoleUser, userText)
		if err != nil {
			return err
		}
		if err := e.conversations.AppendMessage(ctx, sessionID, msg); err != nil {
			return err
		}
	}

	agent, err := e.agents.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}

	if requestedAgentType != "" {
		requested, err := agentmodels.ParseAgentType(requestedAgentType)
		if err != nil {
			return err
		}
		if requested != agent.CurrentType() {
			chunk, err := e.coordinator.Switch(ctx, sessionID, requested, "requested by user", 0)
			if err != nil {
				return err
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}

	return e.modelLoop(ctx, sessionID, emit)
}

// modelLoop streams the current agent's model output, translating frames
// into chunks until the request produces a terminal chunk. Agent switches
// and policy rejections restart the stream over the updated history.
func (e *Engine) modelLoop(ctx context.Context, sessionID string, emit emitFunc) error {
	log := e.logger.WithContext(ctx)

	for round := 0; round < maxModelRounds; round++ {
		agent, err := e.agents.GetOrCreate(ctx, sessionID)
		if err != nil {
			return err
		}
		conv, err := e.conversations.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		frames, err := e.provider.Stream(ctx, model.Request{
			SessionID:    sessionID,
			AgentType:    string(agent.CurrentType()),
			SystemPrompt: systemPromptFor(agent.CurrentType()),
			Messages:     conv.Messages,
			Tools:        agent.Capabilities.SupportedTools,
		})
		if err != nil {
			return apperr.Upstream(err, "failed to open model stream")
		}

		restart, err := e.consumeStream(ctx, sessionID, agent, frames, emit)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		log.Debug("restarting model stream", zap.Int("round", round+1))
	}
	return apperr.Upstream(nil, "request exceeded %d model rounds", maxModelRounds)
}

// consumeStream drains one model stream. It returns restart=true when the
// loop must re-invoke the model over the updated history (after an agent
// switch or a policy rejection).
func (e *Engine) consumeStream(ctx context.Context, sessionID string, agent *agentmodels.Agent, frames <-chan model.Frame, emit emitFunc) (restart bool, err error) {
	var content strings.Builder

	// flush persists whatever assistant text accumulated so far. Called
	// before any history mutation and on upstream errors, so partial
	// output survives failures.
	flush := func() error {
		if content.Len() == 0 {
			return nil
		}
		msg, err := convmodels.NewMessage(convmodels.RoleAssistant, content.String())
		if err != nil {
			return err
		}
		if err := e.conversations.AppendMessage(ctx, sessionID, msg); err != nil {
			return err
		}
		content.Reset()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, apperr.Cancelled("request context done")
		case frame, ok := <-frames:
			if !ok {
				// Stream closed without a done frame; treat as done.
				return false, e.finishStream(ctx, sessionID, &content, emit)
			}
			if frame.Err != nil {
				if ferr := flush(); ferr != nil {
					e.logger.WithContext(ctx).WithError(ferr).Warn("failed to flush partial content")
				}
				return false, apperr.Upstream(frame.Err, "model stream failed")
			}

			switch frame.Type {
			case model.FrameToken:
				content.WriteString(frame.Token)
				if err := emit(tokenChunk(frame.Token)); err != nil {
					return false, err
				}

			case model.FrameSwitchAgent:
				if err := flush(); err != nil {
					return false, err
				}
				target, err := agentmodels.ParseAgentType(frame.TargetAgent)
				if err != nil {
					return false, err
				}
				chunk, err := e.coordinator.Switch(ctx, sessionID, target, frame.Reason, frame.Confidence)
				if err != nil {
					return false, err
				}
				if err := emit(chunk); err != nil {
					return false, err
				}
				return true, nil

			case model.FrameToolCall:
				if frame.ToolCall == nil {
					return false, apperr.Upstream(nil, "tool_call frame without a call")
				}
				return e.handleToolCallFrame(ctx, sessionID, agent, &content, *frame.ToolCall, emit)

			case model.FramePassthrough:
				if frame.Passthrough == nil {
					return false, apperr.Upstream(nil, "passthrough frame without a record")
				}
				pt := frame.Passthrough
				if pt.Final {
					if err := flush(); err != nil {
						return false, err
					}
				}
				chunk := Chunk{
					Type:     ChunkType(pt.Kind),
					Content:  pt.Content,
					Metadata: pt.Metadata,
					IsFinal:  pt.Final,
				}
				if err := emit(chunk); err != nil {
					return false, err
				}
				if pt.Final {
					return false, nil
				}

			case model.FrameDone:
				return false, e.finishStream(ctx, sessionID, &content, emit)
			}
		}
	}
}

// finishStream persists accumulated text and emits the terminal chunk.
func (e *Engine) finishStream(ctx context.Context, sessionID string, content *strings.Builder, emit emitFunc) error {
	if content.Len() == 0 {
		return emit(doneChunk())
	}
	text := content.String()
	msg, err := convmodels.NewMessage(convmodels.RoleAssistant, text)
	if err != nil {
		return err
	}
	if err := e.conversations.AppendMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	return emit(finalAssistantChunk(text))
}

// handleToolCallFrame routes one complete tool call through the approval
// policy. Switch sentinels bypass the policy and trigger the coordinator.
func (e *Engine) handleToolCallFrame(ctx context.Context, sessionID string, agent *agentmodels.Agent, content *strings.Builder, call convmodels.ToolCall, emit emitFunc) (restart bool, err error) {
	log := e.logger.WithContext(ctx)

	assistantMsg, err := convmodels.NewAssistantToolCallMessage(content.String(), []convmodels.ToolCall{call})
	if err != nil {
		return false, err
	}
	content.Reset()

	if switchSentinelTools[call.Name] {
		// Persist the call so the coordinator can settle it with a result.
		if err := e.conversations.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
			return false, err
		}
		target, reason, confidence := switchArguments(call.Arguments)
		parsed, err := agentmodels.ParseAgentType(target)
		if err != nil {
			return false, err
		}
		chunk, err := e.coordinator.Switch(ctx, sessionID, parsed, reason, confidence)
		if err != nil {
			return false, err
		}
		if err := emit(chunk); err != nil {
			return false, err
		}
		return true, nil
	}

	approvalType := approvalmodels.ApprovalTypeToolCall
	if call.Name == "plan_execution" {
		approvalType = approvalmodels.ApprovalTypePlanExecution
	}
	action := e.policy.Evaluate(approvalType, call.Name, call.Arguments)
	e.publish(ctx, bus.SubjectPolicyEvaluated, map[string]interface{}{
		"session_id": sessionID,
		"call_id":    call.ID,
		"tool_name":  call.Name,
		"action":     string(action),
	})
	log.Debug("policy evaluated",
		zap.String("tool_name", call.Name),
		zap.String("action", string(action)))

	switch action {
	case policy.ActionApprove:
		if err := e.conversations.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
			return false, err
		}
		e.publish(ctx, bus.SubjectAutoApprovalGranted, map[string]interface{}{
			"session_id": sessionID,
			"call_id":    call.ID,
			"tool_name":  call.Name,
		})
		// The transport executes the tool and re-enters via tool_result.
		return false, emit(toolCallChunk(call.ID, call.Name, call.Arguments, false))

	case policy.ActionReject:
		if err := e.conversations.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
			return false, err
		}
		rejection := fmt.Sprintf("Error: tool call %s rejected by policy", call.Name)
		if _, err := e.conversations.AppendToolResult(ctx, sessionID, call.ID, rejection); err != nil {
			return false, err
		}
		// Let the model react to the rejection within the same request.
		return true, nil

	default: // ask_user
		if _, err := e.approvals.Request(ctx, call.ID, approvalType, sessionID, call.Name,
			call.Arguments, "", e.opts.ApprovalTimeoutSeconds); err != nil {
			return false, err
		}
		if err := e.conversations.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
			return false, err
		}
		return false, emit(toolCallChunk(call.ID, call.Name, call.Arguments, true))
	}
}

func switchArguments(args map[string]interface{}) (target, reason string, confidence float64) {
	if args == nil {
		return "", "", 0
	}
	for _, key := range []string{"target_agent", "agent_type", "mode"} {
		if v, ok := args[key].(string); ok && v != "" {
			target = v
			break
		}
	}
	if v, ok := args["reason"].(string); ok {
		reason = v
	}
	if v, ok := args["confidence"].(float64); ok {
		confidence = v
	}
	return target, reason, confidence
}

// encodeToolResult renders a tool outcome for the conversation: strings
// pass through, structured values become compact JSON.
func encodeToolResult(result interface{}) string {
	switch v := result.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
