package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	convmodels "github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/events/bus"
)

// Bus subjects for the model bridge. A model worker consumes requests and
// publishes frames to the per-request reply subject.
const (
	SubjectModelRequests    = "model.requests"
	subjectModelFramePrefix = "model.frames."
)

// BridgeProvider forwards model requests over the event bus and turns the
// reply events back into frames. It lets the engine run against any model
// worker reachable through the bus, NATS-backed or in-process.
type BridgeProvider struct {
	bus bus.EventBus
}

var _ Provider = (*BridgeProvider)(nil)

// NewBridgeProvider creates a provider over the given bus.
func NewBridgeProvider(eventBus bus.EventBus) *BridgeProvider {
	return &BridgeProvider{bus: eventBus}
}

// Stream publishes the request and relays reply frames until a done
// frame, an error frame, or ctx cancellation.
func (p *BridgeProvider) Stream(ctx context.Context, req Request) (<-chan Frame, error) {
	requestID := uuid.New().String()
	replySubject := subjectModelFramePrefix + requestID

	raw := make(chan *bus.Event, 64)
	sub, err := p.bus.Subscribe(replySubject, func(ctx context.Context, event *bus.Event) error {
		select {
		case raw <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to model frames: %w", err)
	}

	messages := make([]interface{}, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, msg)
	}
	event := bus.NewEvent("model.request", "engine", map[string]interface{}{
		"request_id":    requestID,
		"reply_subject": replySubject,
		"session_id":    req.SessionID,
		"agent_type":    req.AgentType,
		"system_prompt": req.SystemPrompt,
		"messages":      messages,
		"tools":         req.Tools,
	})
	if err := p.bus.Publish(ctx, SubjectModelRequests, event); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to publish model request: %w", err)
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-raw:
				frame, terminal := decodeFrame(event)
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				if terminal {
					return
				}
			}
		}
	}()
	return out, nil
}

// decodeFrame maps one reply event onto a Frame. Unknown or malformed
// events become terminal error frames rather than silent drops.
func decodeFrame(event *bus.Event) (Frame, bool) {
	data := event.Data
	frameType, _ := data["frame_type"].(string)

	switch FrameType(frameType) {
	case FrameToken:
		token, _ := data["token"].(string)
		return Frame{Type: FrameToken, Token: token}, false

	case FrameToolCall:
		call := &convmodels.ToolCall{}
		call.ID, _ = data["call_id"].(string)
		call.Name, _ = data["tool_name"].(string)
		if args, ok := data["arguments"].(map[string]interface{}); ok {
			call.Arguments = args
		}
		if call.ID == "" || call.Name == "" {
			return Frame{Err: errors.New("malformed tool_call frame")}, true
		}
		return Frame{Type: FrameToolCall, ToolCall: call}, false

	case FrameSwitchAgent:
		frame := Frame{Type: FrameSwitchAgent}
		frame.TargetAgent, _ = data["target_agent"].(string)
		frame.Reason, _ = data["reason"].(string)
		frame.Confidence, _ = data["confidence"].(float64)
		return frame, false

	case FrameDone:
		return Frame{Type: FrameDone}, true

	default:
		if passthroughFrameKinds[frameType] {
			pt := &Passthrough{Kind: frameType}
			pt.Content, _ = data["content"].(string)
			if md, ok := data["metadata"].(map[string]interface{}); ok {
				pt.Metadata = md
			}
			pt.Final, _ = data["is_final"].(bool)
			return Frame{Type: FramePassthrough, Passthrough: pt}, pt.Final
		}
		if errMsg, ok := data["error"].(string); ok && errMsg != "" {
			return Frame{Err: errors.New(errMsg)}, true
		}
		return Frame{Err: fmt.Errorf("unknown frame type %q", frameType)}, true
	}
}

// passthroughFrameKinds are forwarded to the client verbatim as chunks of
// the same type.
var passthroughFrameKinds = map[string]bool{
	"status":                      true,
	"plan_created":                true,
	"plan_approval_required":      true,
	"plan_rejected":               true,
	"plan_modification_requested": true,
	"execution_completed":         true,
}
