package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/parleyhq/parley/internal/agent/models"
	agentrepo "github.com/parleyhq/parley/internal/agent/repository"
	agentservice "github.com/parleyhq/parley/internal/agent/service"
	approvalmodels "github.com/parleyhq/parley/internal/approval/models"
	approvalrepo "github.com/parleyhq/parley/internal/approval/repository"
	approvalservice "github.com/parleyhq/parley/internal/approval/service"
	"github.com/parleyhq/parley/internal/common/clock"
	convmodels "github.com/parleyhq/parley/internal/conversation/models"
	convrepo "github.com/parleyhq/parley/internal/conversation/repository"
	convservice "github.com/parleyhq/parley/internal/conversation/service"
	"github.com/parleyhq/parley/internal/engine/model"
	"github.com/parleyhq/parley/internal/events/bus"
)

type testRig struct {
	engine        *Engine
	provider      *model.ScriptProvider
	conversations *convservice.Service
	agents        *agentservice.Service
	approvals     *approvalservice.Service
	eventBus      bus.EventBus
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	eventBus := bus.NewMemoryEventBus(nil)

	conversations := convservice.NewService(convrepo.NewMemoryRepository(), eventBus, fake, nil)
	agents := agentservice.NewService(agentrepo.NewMemoryRepository(), eventBus, fake, nil)
	approvals := approvalservice.NewService(approvalrepo.NewMemoryRepository(), eventBus, fake, nil)
	provider := model.NewScriptProvider()

	eng := New(conversations, agents, approvals, nil, provider, eventBus, nil, Options{})
	return &testRig{
		engine:        eng,
		provider:      provider,
		conversations: conversations,
		agents:        agents,
		approvals:     approvals,
		eventBus:      eventBus,
	}
}

func collect(t *testing.T, chunks <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("timed out draining chunk stream")
		}
	}
}

func TestProcessMessageStreamsTokens(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "Hello"},
		model.Frame{Type: model.FrameToken, Token: " world"},
		model.Frame{Type: model.FrameDone},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "hi", ""))

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkAssistantMessage, chunks[0].Type)
	assert.Equal(t, "Hello", chunks[0].Token)
	assert.False(t, chunks[0].IsFinal)
	assert.Equal(t, " world", chunks[1].Token)
	assert.True(t, chunks[2].IsFinal)
	assert.Equal(t, "Hello world", chunks[2].Content)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, convmodels.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, convmodels.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello world", conv.Messages[1].Content)
}

func TestOrchestratorDelegatesToCoder(t *testing.T) {
	rig := newTestRig(t)
	// Round one: the orchestrator decides to hand off.
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameSwitchAgent, TargetAgent: "coder", Reason: "implementation", Confidence: 0.9},
	)
	// Round two: the coder answers.
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "patched"},
		model.Frame{Type: model.FrameDone},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "fix the bug", ""))

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, ChunkAgentSwitched, chunks[0].Type)
	assert.Equal(t, "coder", chunks[0].Metadata["to_agent"])
	// The switch chunk precedes everything the new agent produces.
	for _, chunk := range chunks[1:] {
		assert.NotEqual(t, ChunkAgentSwitched, chunk.Type)
	}
	assert.True(t, chunks[len(chunks)-1].IsFinal)

	agent, err := rig.agents.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentTypeCoder, agent.CurrentType())
	assert.Equal(t, 1, agent.SwitchCount)

	requests := rig.provider.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "orchestrator", requests[0].AgentType)
	assert.Equal(t, "coder", requests[1].AgentType)
}

func TestSwitchModeToolCallTriggersSwitch(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToolCall, ToolCall: &convmodels.ToolCall{
			ID:   "sw1",
			Name: "switch_mode",
			Arguments: map[string]interface{}{
				"target_agent": "coder",
				"reason":       "implementation",
			},
		}},
	)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "on it"},
		model.Frame{Type: model.FrameDone},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "write the parser", ""))

	var switched bool
	for _, chunk := range chunks {
		if chunk.Type == ChunkAgentSwitched {
			switched = true
			assert.Equal(t, "coder", chunk.Metadata["to_agent"])
		}
	}
	assert.True(t, switched)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)

	// Tool history is cleared; the system marker anchors the thread.
	var sawMarker bool
	for _, msg := range conv.Messages {
		assert.False(t, msg.HasToolCalls(), "tool-call messages must be cleared after a switch")
		assert.NotEqual(t, convmodels.RoleTool, msg.Role, "tool results must be cleared after a switch")
		if msg.Role == convmodels.RoleSystem {
			sawMarker = true
			assert.Contains(t, msg.Content, "Agent switched: orchestrator → coder")
			assert.Contains(t, msg.Content, "Tool history cleared")
		}
	}
	assert.True(t, sawMarker)

	agent, err := rig.agents.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentTypeCoder, agent.CurrentType())
}

func TestAutoApprovedToolCall(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToolCall, ToolCall: &convmodels.ToolCall{
			ID:        "c1",
			Name:      "read_file",
			Arguments: map[string]interface{}{"path": "main.go"},
		}},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "what's in main.go?", ""))

	final := chunks[len(chunks)-1]
	assert.Equal(t, ChunkToolCall, final.Type)
	assert.Equal(t, "c1", final.CallID)
	assert.Equal(t, "read_file", final.ToolName)
	assert.False(t, final.RequiresApproval)
	assert.True(t, final.IsFinal)

	// Auto-approval creates no approval row.
	pending, err := rig.approvals.FindPendingBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	last := conv.Messages[len(conv.Messages)-1]
	assert.True(t, last.HasToolCalls())
}

func TestSensitiveToolCallRequiresApproval(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToolCall, ToolCall: &convmodels.ToolCall{
			ID:        "c1",
			Name:      "write_file",
			Arguments: map[string]interface{}{"path": "main.go", "content": "x"},
		}},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "overwrite main.go", ""))

	final := chunks[len(chunks)-1]
	assert.Equal(t, ChunkToolCall, final.Type)
	assert.True(t, final.RequiresApproval)
	assert.True(t, final.IsFinal)

	req, err := rig.approvals.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, approvalmodels.StatusPending, req.Status)
	assert.Equal(t, "write_file", req.Subject)
}

func TestToolResultResumesStream(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToolCall, ToolCall: &convmodels.ToolCall{
			ID: "c1", Name: "read_file", Arguments: map[string]interface{}{"path": "main.go"},
		}},
	)
	collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "read main.go", ""))

	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "the file says hi"},
		model.Frame{Type: model.FrameDone},
	)
	chunks := collect(t, rig.engine.ProcessToolResult(context.Background(), "s1", "c1",
		map[string]interface{}{"content": "hi"}, ""))

	final := chunks[len(chunks)-1]
	assert.Equal(t, ChunkAssistantMessage, final.Type)
	assert.True(t, final.IsFinal)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)

	var toolMsg *convmodels.Message
	for _, msg := range conv.Messages {
		if msg.Role == convmodels.RoleTool {
			toolMsg = msg
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.JSONEq(t, `{"content":"hi"}`, toolMsg.Content)
}

func TestApprovalDecisionApprove(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToolCall, ToolCall: &convmodels.ToolCall{
			ID: "c1", Name: "write_file", Arguments: map[string]interface{}{"path": "main.go"},
		}},
	)
	collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "write it", ""))

	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "done"},
		model.Frame{Type: model.FrameDone},
	)
	chunks := collect(t, rig.engine.ProcessApprovalDecision(context.Background(), "s1", "c1",
		DecisionApprove, nil, ""))

	assert.True(t, chunks[len(chunks)-1].IsFinal)

	req, err := rig.approvals.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, approvalmodels.StatusApproved, req.Status)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	var sawApprovalResult bool
	for _, msg := range conv.Messages {
		if msg.Role == convmodels.RoleTool && msg.ToolCallID == "c1" {
			sawApprovalResult = true
			assert.Contains(t, msg.Content, "approved, executing write_file")
		}
	}
	assert.True(t, sawApprovalResult)
}

func TestApprovalDecisionReject(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToolCall, ToolCall: &convmodels.ToolCall{
			ID: "c1", Name: "delete_file", Arguments: map[string]interface{}{"path": "main.go"},
		}},
	)
	collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "delete it", ""))

	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "understood, leaving it alone"},
		model.Frame{Type: model.FrameDone},
	)
	chunks := collect(t, rig.engine.ProcessApprovalDecision(context.Background(), "s1", "c1",
		DecisionReject, nil, "keep that file"))

	assert.True(t, chunks[len(chunks)-1].IsFinal)

	req, err := rig.approvals.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, approvalmodels.StatusRejected, req.Status)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	var sawFeedback bool
	for _, msg := range conv.Messages {
		if msg.Role == convmodels.RoleTool && msg.ToolCallID == "c1" {
			sawFeedback = true
			assert.Contains(t, msg.Content, "keep that file")
		}
	}
	assert.True(t, sawFeedback)
}

func TestApprovalDecisionWithoutPendingApproval(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.conversations.Create(context.Background(), "s1")
	require.NoError(t, err)

	chunks := collect(t, rig.engine.ProcessApprovalDecision(context.Background(), "s1", "ghost",
		DecisionApprove, nil, ""))

	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Type)
	assert.Equal(t, "No pending approval found", chunks[0].Error)
	assert.True(t, chunks[0].IsFinal)
}

func TestUpstreamErrorFlushesPartialContent(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "partial answer"},
		model.Frame{Err: errors.New("provider connection reset")},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "hello", ""))

	final := chunks[len(chunks)-1]
	assert.Equal(t, ChunkError, final.Type)
	assert.True(t, final.IsFinal)
	assert.Contains(t, final.Error, "provider connection reset")

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	last := conv.Messages[len(conv.Messages)-1]
	assert.Equal(t, convmodels.RoleAssistant, last.Role)
	assert.Equal(t, "partial answer", last.Content)
}

func TestPassthroughFramesForwardedVerbatim(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FramePassthrough, Passthrough: &model.Passthrough{
			Kind:    "status",
			Content: "analyzing repository",
		}},
		model.Frame{Type: model.FrameToken, Token: "drafted a plan"},
		model.Frame{Type: model.FramePassthrough, Passthrough: &model.Passthrough{
			Kind:     "plan_approval_required",
			Content:  "3 steps pending approval",
			Metadata: map[string]interface{}{"plan_id": "p1"},
			Final:    true,
		}},
	)

	chunks := collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "plan the migration", ""))

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkStatus, chunks[0].Type)
	assert.Equal(t, "analyzing repository", chunks[0].Content)
	assert.False(t, chunks[0].IsFinal)

	final := chunks[2]
	assert.Equal(t, ChunkPlanApprovalRequired, final.Type)
	assert.Equal(t, "p1", final.Metadata["plan_id"])
	assert.True(t, final.IsFinal)

	// Text accumulated before the terminal record is not lost.
	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	last := conv.Messages[len(conv.Messages)-1]
	assert.Equal(t, convmodels.RoleAssistant, last.Role)
	assert.Equal(t, "drafted a plan", last.Content)
}

func TestConcurrentMessagesSerializePerSession(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "first answer"},
		model.Frame{Type: model.FrameDone},
	)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "second answer"},
		model.Frame{Type: model.FrameDone},
	)

	// The in-process bus dispatches synchronously while the session lock
	// is held, so the observed order is the engine's real execution order.
	var mu sync.Mutex
	var order []string
	record := func(label string) bus.EventHandler {
		return func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil
		}
	}
	_, err := rig.eventBus.Subscribe(bus.SubjectProcessingStarted, record("started"))
	require.NoError(t, err)
	_, err = rig.eventBus.Subscribe(bus.SubjectProcessingCompleted, record("completed"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]Chunk, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = collect(t, rig.engine.ProcessMessage(context.Background(), "s1", "go", ""))
		}(i)
	}
	wg.Wait()

	// Each caller sees a complete stream ending in a final chunk.
	for _, chunks := range results {
		require.NotEmpty(t, chunks)
		assert.True(t, chunks[len(chunks)-1].IsFinal)
	}

	// One request finishes before the other begins; the started/completed
	// pairs never interleave.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "completed", "started", "completed"}, order)

	conv, err := rig.conversations.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, convmodels.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, convmodels.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, convmodels.RoleUser, conv.Messages[2].Role)
	assert.Equal(t, convmodels.RoleAssistant, conv.Messages[3].Role)
}

func TestExplicitSwitchAgent(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.conversations.Create(context.Background(), "s1")
	require.NoError(t, err)

	chunks := collect(t, rig.engine.SwitchAgent(context.Background(), "s1", "ask", "just asking"))

	require.GreaterOrEqual(t, len(chunks), 1)
	assert.Equal(t, ChunkAgentSwitched, chunks[0].Type)
	assert.Equal(t, "ask", chunks[0].Metadata["to_agent"])
	assert.True(t, chunks[len(chunks)-1].IsFinal)

	agent, err := rig.agents.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentTypeAsk, agent.CurrentType())
}

func TestSwitchLimitSurfacesAsError(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.conversations.Create(context.Background(), "s1")
	require.NoError(t, err)

	targets := []string{"coder", "architect"}
	var last []Chunk
	for i := 0; i < 12; i++ {
		last = collect(t, rig.engine.SwitchAgent(context.Background(), "s1", targets[i%2], "bounce"))
		if last[len(last)-1].Type == ChunkError {
			break
		}
	}

	final := last[len(last)-1]
	assert.Equal(t, ChunkError, final.Type)
	assert.Contains(t, final.Error, "switch limit")
}

func TestResetSession(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.conversations.Create(context.Background(), "s1")
	require.NoError(t, err)
	collect(t, rig.engine.SwitchAgent(context.Background(), "s1", "coder", ""))

	require.NoError(t, rig.engine.ResetSession(context.Background(), "s1"))

	agent, err := rig.agents.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentTypeOrchestrator, agent.CurrentType())
	assert.Equal(t, 0, agent.SwitchCount)
}

func TestHandleEnvelope(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.Enqueue(
		model.Frame{Type: model.FrameToken, Token: "hello back"},
		model.Frame{Type: model.FrameDone},
	)

	env, err := ParseEnvelope([]byte(`{"session_id":"s1","message":{"type":"user_message","content":"hello"}}`))
	require.NoError(t, err)

	chunks, err := rig.engine.HandleEnvelope(context.Background(), env)
	require.NoError(t, err)
	out := collect(t, chunks)
	assert.True(t, out[len(out)-1].IsFinal)

	t.Run("rejects missing session", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"message":{"type":"user_message","content":"hi"}}`))
		require.NoError(t, err)
		_, err = rig.engine.HandleEnvelope(context.Background(), env)
		assert.Error(t, err)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"session_id":"s1","message":{"type":"mystery"}}`))
		assert.Error(t, err)
	})
}
