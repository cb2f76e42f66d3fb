package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	approvalmodels "github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/common/apperr"
)

// errNoPendingApproval is the user-visible message for a decision that
// references a missing, resolved, or expired approval.
const errNoPendingApproval = "No pending approval found"

// handleApprovalDecision applies a human decision to a pending approval
// and resumes the model loop. The approval store is always updated before
// the conversation, so a crash between the two cannot lose the decision.
func (e *Engine) handleApprovalDecision(ctx context.Context, sessionID, callID, decision string, modifiedArguments map[string]interface{}, feedback string, emit emitFunc) error {
	log := e.logger.WithContext(ctx)

	req, err := e.approvals.Get(ctx, callID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return emit(errorChunk(errNoPendingApproval))
		}
		return err
	}
	if req.Status != approvalmodels.StatusPending {
		return emit(errorChunk(errNoPendingApproval))
	}

	var resultContent string
	switch decision {
	case DecisionApprove:
		if _, err := e.approvals.Grant(ctx, callID, "approved"); err != nil {
			return err
		}
		resultContent = fmt.Sprintf("approved, executing %s with %s",
			req.Subject, compactJSON(req.RequestData))

	case DecisionEdit:
		if _, err := e.approvals.Grant(ctx, callID, "approved_with_edits"); err != nil {
			return err
		}
		resultContent = fmt.Sprintf("approved_with_edits, arguments = %s",
			compactJSON(modifiedArguments))

	case DecisionReject:
		if _, err := e.approvals.Reject(ctx, callID, feedback); err != nil {
			return err
		}
		if feedback == "" {
			feedback = "no reason given"
		}
		resultContent = fmt.Sprintf("Error: rejected by user: %s", feedback)

	default:
		return apperr.Validation("unknown decision: %q", decision)
	}

	if _, err := e.conversations.AppendToolResult(ctx, sessionID, callID, resultContent); err != nil {
		return err
	}

	log.Info("approval decision applied",
		zap.String("call_id", callID),
		zap.String("decision", decision))
	return e.modelLoop(ctx, sessionID, emit)
}

func compactJSON(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(data)
}
