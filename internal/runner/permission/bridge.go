// Package permission bridges can_use_tool control requests from hosted CLIs
// to the gateway and routes user decisions back.
package permission

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/session"
	"github.com/loomlabs/loom/pkg/claudecode"
	"github.com/loomlabs/loom/pkg/protocol"
)

// Tools whose can_use_tool requests are interactive prompts rather than real
// permission checks. They render differently on the chat surface.
const (
	toolAskUserQuestion = "AskUserQuestion"
	toolExitPlanMode    = "ExitPlanMode"
)

// decisionTarget is the slice of session.Session the bridge needs to route a
// decision back to the CLI.
type decisionTarget interface {
	ID() string
	RespondPermission(requestID string, result *claudecode.PermissionResult) error
}

// pendingRequest is a permission request awaiting a user decision. The stored
// envelope payload lets the bridge reissue the request verbatim when the
// gateway loses its state.
type pendingRequest struct {
	target  decisionTarget
	payload *protocol.PermissionRequest
	timer   *time.Timer
}

// Bridge holds in-flight permission requests for one runner. A request that
// receives no decision within the approval timeout is denied so the CLI never
// hangs on a missing user.
type Bridge struct {
	sink            session.Sink
	logger          *logger.Logger
	runnerID        func() string
	approvalTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New creates a bridge. runnerID is a func because the id can be rewritten by
// the gateway during registration.
func New(sink session.Sink, runnerID func() string, approvalTimeout time.Duration, log *logger.Logger) *Bridge {
	return &Bridge{
		sink:            sink,
		logger:          log.WithFields(zap.String("component", "permission-bridge")),
		runnerID:        runnerID,
		approvalTimeout: approvalTimeout,
		pending:         make(map[string]*pendingRequest),
	}
}

// PendingCount reports in-flight requests, for the HTTP status endpoint.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HandleControlRequest satisfies session.PermissionFunc: it converts a
// can_use_tool control request into a permission_request envelope and arms
// the approval timeout.
func (b *Bridge) HandleControlRequest(sess *session.Session, requestID string, req *claudecode.ControlRequest) {
	b.track(sess, requestID, req)
}

func (b *Bridge) track(target decisionTarget, requestID string, req *claudecode.ControlRequest) {
	payload := &protocol.PermissionRequest{
		RequestID:      requestID,
		SessionID:      target.ID(),
		RunnerID:       b.runnerID(),
		ToolName:       req.ToolName,
		ToolInput:      req.Input,
		ToolUseID:      req.ToolUseID,
		Suggestions:    parseSuggestions(req.PermissionSuggestions),
		IsQuestion:     req.ToolName == toolAskUserQuestion,
		IsPlanMode:     req.ToolName == toolExitPlanMode,
		BlockedPath:    req.BlockedPath,
		DecisionReason: req.DecisionReason,
		Timestamp:      time.Now().UTC(),
	}

	b.mu.Lock()
	b.pending[requestID] = &pendingRequest{
		target:  target,
		payload: payload,
		timer:   time.AfterFunc(b.approvalTimeout, func() { b.expire(requestID) }),
	}
	b.mu.Unlock()

	b.logger.Info("permission request",
		zap.String("request_id", requestID),
		zap.String("session_id", target.ID()),
		zap.String("tool", req.ToolName))
	b.sink.Send(protocol.TypePermissionRequest, payload)
}

// HandleDecision applies a user decision from the gateway. Decisions for
// unknown or already-settled requests are acknowledged as failures but
// otherwise ignored, so duplicate delivery is harmless.
func (b *Bridge) HandleDecision(decision *protocol.PermissionDecision) {
	if decision.Behavior == protocol.BehaviorReissue {
		b.reissue(decision.RequestID)
		return
	}

	pr, ok := b.take(decision.RequestID)
	if !ok {
		b.logger.Warn("decision for unknown permission request",
			zap.String("request_id", decision.RequestID))
		b.ack(decision.RequestID, decision.SessionID, false, "request not pending")
		return
	}

	result := &claudecode.PermissionResult{}
	switch decision.Behavior {
	case protocol.BehaviorAllow:
		result.Behavior = claudecode.BehaviorAllow
		result.UpdatedInput = decision.UpdatedInput
		result.UpdatedPermissions = decision.UpdatedPermissions
	default:
		result.Behavior = claudecode.BehaviorDeny
		result.Message = decision.CustomMessage
		if result.Message == "" {
			result.Message = "denied by user"
		}
	}

	if err := pr.target.RespondPermission(decision.RequestID, result); err != nil {
		b.logger.Warn("failed to deliver permission decision",
			zap.String("request_id", decision.RequestID), zap.Error(err))
		b.ack(decision.RequestID, pr.target.ID(), false, fmt.Sprintf("delivery failed: %v", err))
		return
	}
	b.ack(decision.RequestID, pr.target.ID(), true, "")
}

// DropSession cancels all pending requests for a session, denying each so the
// CLI side unblocks.
func (b *Bridge) DropSession(sessionID string) {
	b.mu.Lock()
	var ids []string
	for id, pr := range b.pending {
		if pr.target.ID() == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.expire(id)
	}
}

// reissue re-sends a stored permission_request; the gateway asks for this
// when it restarts and finds a decision it has no state for.
func (b *Bridge) reissue(requestID string) {
	b.mu.Lock()
	pr, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("reissue for unknown permission request",
			zap.String("request_id", requestID))
		return
	}
	b.logger.Info("reissuing permission request", zap.String("request_id", requestID))
	b.sink.Send(protocol.TypePermissionRequest, pr.payload)
}

func (b *Bridge) expire(requestID string) {
	pr, ok := b.take(requestID)
	if !ok {
		return
	}
	b.logger.Warn("permission request timed out",
		zap.String("request_id", requestID),
		zap.String("session_id", pr.target.ID()))

	if err := pr.target.RespondPermission(requestID, &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  "permission request timed out",
	}); err != nil {
		b.logger.Warn("failed to deliver timeout denial",
			zap.String("request_id", requestID), zap.Error(err))
	}
	b.ack(requestID, pr.target.ID(), false, "timed out waiting for decision")
}

// take removes and returns a pending request, stopping its timer.
func (b *Bridge) take(requestID string) (*pendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pr, ok := b.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(b.pending, requestID)
	pr.timer.Stop()
	return pr, true
}

func (b *Bridge) ack(requestID, sessionID string, success bool, errMsg string) {
	b.sink.Send(protocol.TypePermissionDecisionAck, &protocol.PermissionDecisionAck{
		RequestID: requestID,
		SessionID: sessionID,
		Success:   success,
		Error:     errMsg,
	})
}

// parseSuggestions decodes the CLI's opaque suggestion list best effort;
// undecodable suggestions are dropped rather than failing the request.
func parseSuggestions(raw json.RawMessage) []protocol.PermissionSuggestion {
	if len(raw) == 0 {
		return nil
	}
	var out []protocol.PermissionSuggestion
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
