// Package models defines approval requests and their state machine.
package models

import (
	"time"

	"github.com/parleyhq/parley/internal/common/apperr"
)

// DefaultTimeoutSeconds is how long an approval stays pending before the
// expiry sweep claims it.
const DefaultTimeoutSeconds = 300

// ApprovalType classifies what is being approved.
type ApprovalType string

const (
	ApprovalTypeToolCall      ApprovalType = "tool_call"
	ApprovalTypePlanExecution ApprovalType = "plan_execution"
	ApprovalTypeAgentSwitch   ApprovalType = "agent_switch"
	ApprovalTypeFileOperation ApprovalType = "file_operation"
)

// Valid reports whether the type is one of the known values.
func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalTypeToolCall, ApprovalTypePlanExecution,
		ApprovalTypeAgentSwitch, ApprovalTypeFileOperation:
		return true
	}
	return false
}

// Status is the approval lifecycle state. pending is the only non-terminal
// state; approved, rejected, and expired are final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// ApprovalRequest is a pending or resolved human-in-the-loop decision.
// Its id equals the tool call id it guards, so callers can join the two.
type ApprovalRequest struct {
	ID             string                 `json:"id"`
	Type           ApprovalType           `json:"type"`
	Status         Status                 `json:"status"`
	SessionID      string                 `json:"session_id"`
	Subject        string                 `json:"subject"`
	RequestData    map[string]interface{} `json:"request_data,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Decision       string                 `json:"decision,omitempty"`
	DecidedAt      *time.Time             `json:"decided_at,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NewApprovalRequest builds a validated pending request.
func NewApprovalRequest(id string, approvalType ApprovalType, sessionID, subject string, requestData map[string]interface{}, reason string, timeoutSeconds int) (*ApprovalRequest, error) {
	if id == "" {
		return nil, apperr.Validation("approval id must not be empty")
	}
	if !approvalType.Valid() {
		return nil, apperr.Validation("unknown approval type: %q", approvalType)
	}
	if sessionID == "" {
		return nil, apperr.Validation("approval session id must not be empty")
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	return &ApprovalRequest{
		ID:             id,
		Type:           approvalType,
		Status:         StatusPending,
		SessionID:      sessionID,
		Subject:        subject,
		RequestData:    requestData,
		Reason:         reason,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Transition applies a state change, enforcing terminal-state finality.
func (r *ApprovalRequest) Transition(next Status, decision string, at time.Time) error {
	if !r.Status.CanTransition(next) {
		return apperr.Conflict("approval %s is %s and cannot become %s", r.ID, r.Status, next)
	}
	r.Status = next
	r.Decision = decision
	decidedAt := at
	r.DecidedAt = &decidedAt
	return nil
}

// IsExpired reports whether a pending request has outlived its timeout.
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	deadline := r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second)
	return now.After(deadline)
}
