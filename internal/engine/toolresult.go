package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	approvalmodels "github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/common/apperr"
)

// handleToolResult records a tool execution outcome and resumes the
// model loop over the updated history.
//
// Any approval still pending for the call is reconciled first: the
// transport may have executed the tool without waiting for an explicit
// decision chunk.
func (e *Engine) handleToolResult(ctx context.Context, sessionID, callID string, result interface{}, toolErr string, emit emitFunc) error {
	if callID == "" {
		return apperr.Validation("tool result requires a call_id")
	}
	log := e.logger.WithContext(ctx)

	req, err := e.approvals.Get(ctx, callID)
	switch {
	case err == nil && req.Status == approvalmodels.StatusPending:
		if toolErr != "" {
			_, err = e.approvals.Reject(ctx, callID, toolErr)
		} else {
			_, err = e.approvals.Grant(ctx, callID, "executed")
		}
		if err != nil {
			return err
		}
	case err != nil && !apperr.IsKind(err, apperr.KindNotFound):
		return err
	}

	content := encodeToolResult(result)
	if toolErr != "" {
		content = fmt.Sprintf("Error: %s", toolErr)
	}
	if _, err := e.conversations.AppendToolResult(ctx, sessionID, callID, content); err != nil {
		return err
	}

	log.Debug("tool result recorded",
		zap.String("call_id", callID),
		zap.Bool("is_error", toolErr != ""))
	return e.modelLoop(ctx, sessionID, emit)
}
