package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/common/apperr"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()

	tests := []struct {
		name     string
		tool     string
		approval models.ApprovalType
		want     Action
	}{
		{"write_file asks user", "write_file", models.ApprovalTypeToolCall, ActionAskUser},
		{"delete_file asks user", "delete_file", models.ApprovalTypeToolCall, ActionAskUser},
		{"execute_command asks user", "execute_command", models.ApprovalTypeToolCall, ActionAskUser},
		{"create_directory asks user", "create_directory", models.ApprovalTypeToolCall, ActionAskUser},
		{"move_file asks user", "move_file", models.ApprovalTypeToolCall, ActionAskUser},
		{"read_file auto-approves", "read_file", models.ApprovalTypeToolCall, ActionApprove},
		{"list_files auto-approves", "list_files", models.ApprovalTypeToolCall, ActionApprove},
		{"search_files auto-approves", "search_files", models.ApprovalTypeToolCall, ActionApprove},
		{"plan execution asks user", "deploy plan", models.ApprovalTypePlanExecution, ActionAskUser},
		{"unknown tool falls back to default", "mystery_tool", models.ApprovalTypeToolCall, ActionAskUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Evaluate(tt.approval, tt.tool, nil))
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	p := New(ActionAskUser)
	require.NoError(t, p.AddRule(Rule{
		Name: "low", Type: models.ApprovalTypeToolCall,
		Subject: `^read_file$`, Action: ActionReject, Priority: 10,
	}))
	require.NoError(t, p.AddRule(Rule{
		Name: "high", Type: models.ApprovalTypeToolCall,
		Subject: `^read_file$`, Action: ActionApprove, Priority: 100,
	}))

	assert.Equal(t, ActionApprove, p.Evaluate(models.ApprovalTypeToolCall, "read_file", nil))
}

func TestPriorityTiesUseInsertionOrder(t *testing.T) {
	p := New(ActionAskUser)
	require.NoError(t, p.AddRule(Rule{
		Name: "first", Type: models.ApprovalTypeToolCall,
		Subject: `^x$`, Action: ActionApprove, Priority: 50,
	}))
	require.NoError(t, p.AddRule(Rule{
		Name: "second", Type: models.ApprovalTypeToolCall,
		Subject: `^x$`, Action: ActionReject, Priority: 50,
	}))

	assert.Equal(t, ActionApprove, p.Evaluate(models.ApprovalTypeToolCall, "x", nil))
}

func TestConditions(t *testing.T) {
	p := New(ActionAskUser)
	require.NoError(t, p.AddRule(Rule{
		Name: "block-dangerous-commands", Type: models.ApprovalTypeToolCall,
		Subject:    `^execute_command$`,
		Conditions: map[string]interface{}{"command_contains": "rm -rf"},
		Action:     ActionReject, Priority: 100,
	}))
	require.NoError(t, p.AddRule(Rule{
		Name: "small-writes-ok", Type: models.ApprovalTypeToolCall,
		Subject:    `^write_file$`,
		Conditions: map[string]interface{}{"size_lt": 1024},
		Action:     ActionApprove, Priority: 100,
	}))

	t.Run("contains matches", func(t *testing.T) {
		got := p.Evaluate(models.ApprovalTypeToolCall, "execute_command",
			map[string]interface{}{"command": "rm -rf /tmp/x"})
		assert.Equal(t, ActionReject, got)
	})

	t.Run("contains misses", func(t *testing.T) {
		got := p.Evaluate(models.ApprovalTypeToolCall, "execute_command",
			map[string]interface{}{"command": "ls"})
		assert.Equal(t, ActionAskUser, got)
	})

	t.Run("numeric comparison", func(t *testing.T) {
		got := p.Evaluate(models.ApprovalTypeToolCall, "write_file",
			map[string]interface{}{"size": float64(100)})
		assert.Equal(t, ActionApprove, got)
	})

	t.Run("missing field fails the rule", func(t *testing.T) {
		got := p.Evaluate(models.ApprovalTypeToolCall, "write_file",
			map[string]interface{}{"path": "a.txt"})
		assert.Equal(t, ActionAskUser, got)
	})
}

func TestUnknownOperatorNeverMatches(t *testing.T) {
	p := New(ActionApprove)
	require.NoError(t, p.AddRule(Rule{
		Name: "bad-op", Type: models.ApprovalTypeToolCall,
		Subject:    `^x$`,
		Conditions: map[string]interface{}{"field_matches": "y"},
		Action:     ActionReject, Priority: 100,
	}))

	got := p.Evaluate(models.ApprovalTypeToolCall, "x", map[string]interface{}{"field": "y"})
	assert.Equal(t, ActionApprove, got)
}

func TestInactivePolicyApprovesEverything(t *testing.T) {
	p := Default()
	p.SetActive(false)

	assert.Equal(t, ActionApprove, p.Evaluate(models.ApprovalTypeToolCall, "delete_file", nil))
}

func TestInvalidRegexRejected(t *testing.T) {
	p := New(ActionAskUser)
	err := p.AddRule(Rule{
		Name: "broken", Type: models.ApprovalTypeToolCall,
		Subject: `([`, Action: ActionReject, Priority: 1,
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestLoadFile(t *testing.T) {
	content := `
default_action: reject
rules:
  - name: allow-reads
    type: tool_call
    subject: "^read_file$"
    action: approve
    priority: 10
  - name: guarded-exec
    type: tool_call
    subject: "^execute_command$"
    conditions:
      command_contains: "sudo"
    action: reject
    priority: 20
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	p, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ActionApprove, p.Evaluate(models.ApprovalTypeToolCall, "read_file", nil))
	assert.Equal(t, ActionReject, p.Evaluate(models.ApprovalTypeToolCall, "execute_command",
		map[string]interface{}{"command": "sudo rm"}))
	assert.Equal(t, ActionReject, p.Evaluate(models.ApprovalTypeToolCall, "unknown", nil))
}
