// Package permission tracks tool-approval requests on the gateway from the
// moment a runner forwards them until the decision round-trip completes.
package permission

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

// State is the lifecycle of a tracked request.
type State string

const (
	// StatePending means the request is waiting for a user decision.
	StatePending State = "pending"
	// StateProcessing means a decision was sent to the runner and the
	// gateway is waiting for the delivery ack.
	StateProcessing State = "processing"
	// StateCompleted means the ack arrived.
	StateCompleted State = "completed"
	// StateExpired means no decision arrived within the TTL.
	StateExpired State = "expired"
	// StateAckTimeout is reported to the resolved callback when a sent
	// decision was never acked. The tracked entry itself goes back to
	// pending so the user can retry.
	StateAckTimeout State = "ack_timeout"
)

// Decision scopes, cycled by the chat surface's scope button. Only the
// session scope leaves the CLI's permission settings untouched.
const (
	ScopeSession         = "session"
	ScopeLocalSettings   = "localSettings"
	ScopeUserSettings    = "userSettings"
	ScopeProjectSettings = "projectSettings"
)

// NextScope cycles session -> localSettings -> userSettings ->
// projectSettings -> session.
func NextScope(scope string) string {
	switch scope {
	case ScopeSession:
		return ScopeLocalSettings
	case ScopeLocalSettings:
		return ScopeUserSettings
	case ScopeUserSettings:
		return ScopeProjectSettings
	default:
		return ScopeSession
	}
}

// maxDenyMessage bounds the custom deny text forwarded to the CLI.
const maxDenyMessage = 1000

// completedRetention is how long a completed entry stays queryable before
// cleanup.
const completedRetention = time.Minute

var (
	ErrNotFound        = errors.New("permission request not found")
	ErrInFlight        = errors.New("decision already in flight")
	ErrAlreadyResolved = errors.New("permission request already resolved")
	ErrRunnerOffline   = errors.New("runner is not connected")
)

// Sender delivers an envelope to a runner. Satisfied by the hub.
type Sender interface {
	Send(runnerID string, envType protocol.EnvelopeType, payload any) bool
}

// DecideInput is a user decision arriving from the chat surface or API.
type DecideInput struct {
	RequestID string `json:"requestId"`
	// RunnerID lets a decision for a request the gateway no longer tracks
	// (gateway restart) trigger a reissue from the runner that holds it.
	RunnerID      string          `json:"runnerId,omitempty"`
	Behavior      string          `json:"behavior"` // allow, deny
	Scope         string          `json:"scope,omitempty"`
	CustomMessage string          `json:"customMessage,omitempty"`
	UpdatedInput  json.RawMessage `json:"updatedInput,omitempty"`
	// Answers carries the selected options for AskUserQuestion requests.
	Answers []string `json:"answers,omitempty"`
}

// Outcome reports a finished round-trip to the resolved callback.
type Outcome struct {
	Request  *protocol.PermissionRequest
	State    State
	Behavior string
	Scope    string
	Success  bool
	Error    string
}

type entry struct {
	req        *protocol.PermissionRequest
	state      State
	receivedAt time.Time
	behavior   string
	scope      string
	// uiScope is the scope the surface's cycle button currently shows for
	// this request. It seeds the decision when no explicit scope arrives.
	uiScope  string
	ttlTimer *time.Timer
	ackTimer *time.Timer
}

// Store is the gateway-side permission request table. One decision wins per
// request; duplicate clicks while a decision is in flight are dropped.
type Store struct {
	sender     Sender
	ttl        time.Duration
	ackTimeout time.Duration
	logger     *logger.Logger

	onResolved func(*Outcome)

	mu       sync.Mutex
	requests map[string]*entry
}

func NewStore(sender Sender, ttl, ackTimeout time.Duration, log *logger.Logger) *Store {
	return &Store{
		sender:     sender,
		ttl:        ttl,
		ackTimeout: ackTimeout,
		logger:     log.WithFields(zap.String("component", "permission-store")),
		requests:   make(map[string]*entry),
	}
}

// SetOnResolved registers the callback fired when a request completes or
// expires.
func (s *Store) SetOnResolved(fn func(*Outcome)) { s.onResolved = fn }

// Add tracks an incoming permission_request. A request id already present is
// a runner reissue: the payload replaces the stored one and the TTL restarts,
// but a decision already in flight is left alone.
func (s *Store) Add(req *protocol.PermissionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uiScope := ScopeSession
	if existing, ok := s.requests[req.RequestID]; ok {
		if existing.state == StateProcessing {
			return
		}
		existing.stopTimers()
		// A reissue keeps the scope the user already cycled to.
		uiScope = existing.uiScope
	}

	e := &entry{
		req:        req,
		state:      StatePending,
		receivedAt: time.Now().UTC(),
		uiScope:    uiScope,
	}
	e.ttlTimer = time.AfterFunc(s.ttl, func() { s.expire(req.RequestID) })
	s.requests[req.RequestID] = e

	s.logger.Info("tracking permission request",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("tool", req.ToolName))
}

// CycleScope advances a pending request's displayed scope to the next one in
// the cycle and returns it. It never changes the request's state.
func (s *Store) CycleScope(requestID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok {
		return "", ErrNotFound
	}
	switch e.state {
	case StateCompleted, StateExpired:
		return "", ErrAlreadyResolved
	}
	e.uiScope = NextScope(e.uiScope)
	return e.uiScope, nil
}

// Decide applies a user decision. On an unknown request id with a known
// runner it asks that runner to reissue the request and returns ErrNotFound;
// the surface retries once the reissued request lands.
func (s *Store) Decide(in *DecideInput) error {
	s.mu.Lock()
	e, ok := s.requests[in.RequestID]
	if !ok {
		s.mu.Unlock()
		if in.RunnerID != "" {
			s.sender.Send(in.RunnerID, protocol.TypePermissionDecision, &protocol.PermissionDecision{
				RequestID: in.RequestID,
				Behavior:  protocol.BehaviorReissue,
			})
			s.logger.Info("asked runner to reissue unknown permission request",
				zap.String("request_id", in.RequestID),
				zap.String("runner_id", in.RunnerID))
		}
		return ErrNotFound
	}
	switch e.state {
	case StateProcessing:
		s.mu.Unlock()
		return ErrInFlight
	case StateCompleted, StateExpired:
		s.mu.Unlock()
		return ErrAlreadyResolved
	}
	if in.Scope == "" {
		in.Scope = e.uiScope
	}

	decision := s.buildDecision(e.req, in)
	runnerID := e.req.RunnerID
	requestID := in.RequestID
	s.mu.Unlock()

	if !s.sender.Send(runnerID, protocol.TypePermissionDecision, decision) {
		return ErrRunnerOffline
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: the TTL can fire between unlock and send.
	e, ok = s.requests[requestID]
	if !ok || e.state != StatePending {
		return nil
	}
	e.state = StateProcessing
	e.behavior = decision.Behavior
	e.scope = in.Scope
	e.ackTimer = time.AfterFunc(s.ackTimeout, func() { s.ackTimedOut(requestID) })
	return nil
}

// HandleAck completes the round-trip when the runner confirms delivery.
func (s *Store) HandleAck(ack *protocol.PermissionDecisionAck) {
	s.mu.Lock()
	e, ok := s.requests[ack.RequestID]
	if !ok || e.state != StateProcessing {
		s.mu.Unlock()
		s.logger.Debug("ack for unknown or settled request",
			zap.String("request_id", ack.RequestID))
		return
	}
	e.stopTimers()
	e.state = StateCompleted
	outcome := &Outcome{
		Request:  e.req,
		State:    StateCompleted,
		Behavior: e.behavior,
		Scope:    e.scope,
		Success:  ack.Success,
		Error:    ack.Error,
	}
	time.AfterFunc(completedRetention, func() { s.remove(ack.RequestID) })
	s.mu.Unlock()

	if s.onResolved != nil {
		s.onResolved(outcome)
	}
}

// Get returns the state of one tracked request.
func (s *Store) Get(requestID string) (*protocol.PermissionRequest, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok {
		return nil, "", false
	}
	return e.req, e.state, true
}

// Pending lists requests still waiting for a decision, oldest first.
func (s *Store) Pending() []*protocol.PermissionRequest {
	s.mu.Lock()
	var out []*protocol.PermissionRequest
	for _, e := range s.requests {
		if e.state == StatePending {
			out = append(out, e.req)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// DropSession discards tracked requests for a session that ended.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.requests {
		if e.req.SessionID == sessionID {
			e.stopTimers()
			delete(s.requests, id)
		}
	}
}

// buildDecision translates a user decision into the runner wire form.
func (s *Store) buildDecision(req *protocol.PermissionRequest, in *DecideInput) *protocol.PermissionDecision {
	d := &protocol.PermissionDecision{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Scope:     in.Scope,
	}
	if in.Behavior == protocol.BehaviorAllow {
		d.Behavior = protocol.BehaviorAllow
		d.UpdatedInput = in.UpdatedInput
		if req.IsQuestion && len(in.Answers) > 0 {
			d.UpdatedInput = injectAnswers(req.ToolInput, in.Answers)
		}
		if in.Scope != "" && in.Scope != ScopeSession && len(req.Suggestions) > 0 {
			d.UpdatedPermissions = scopedSuggestions(req.Suggestions, in.Scope)
		}
		return d
	}
	d.Behavior = protocol.BehaviorDeny
	msg := in.CustomMessage
	if len(msg) > maxDenyMessage {
		msg = msg[:maxDenyMessage]
	}
	d.CustomMessage = msg
	return d
}

// injectAnswers merges the selected answers into the AskUserQuestion tool
// input so the CLI receives the questions and their answers together.
func injectAnswers(toolInput json.RawMessage, answers []string) json.RawMessage {
	input := map[string]any{}
	if len(toolInput) > 0 {
		if err := json.Unmarshal(toolInput, &input); err != nil {
			input = map[string]any{}
		}
	}
	input["answers"] = answers
	out, err := json.Marshal(input)
	if err != nil {
		return toolInput
	}
	return out
}

// scopedSuggestions rewrites the CLI's suggested rule updates to target the
// chosen persistence scope.
func scopedSuggestions(suggestions []protocol.PermissionSuggestion, scope string) json.RawMessage {
	scoped := make([]protocol.PermissionSuggestion, len(suggestions))
	for i, sug := range suggestions {
		sug.Destination = scope
		scoped[i] = sug
	}
	out, err := json.Marshal(scoped)
	if err != nil {
		return nil
	}
	return out
}

func (s *Store) expire(requestID string) {
	s.mu.Lock()
	e, ok := s.requests[requestID]
	if !ok || e.state != StatePending {
		s.mu.Unlock()
		return
	}
	e.stopTimers()
	e.state = StateExpired
	outcome := &Outcome{Request: e.req, State: StateExpired}
	time.AfterFunc(completedRetention, func() { s.remove(requestID) })
	s.mu.Unlock()

	s.logger.Info("permission request expired", zap.String("request_id", requestID))
	if s.onResolved != nil {
		s.onResolved(outcome)
	}
}

// ackTimedOut reverts an unacked decision to pending so the user can retry,
// and reports the timeout so the surface can warn that the runner may have
// processed the decision anyway.
func (s *Store) ackTimedOut(requestID string) {
	s.mu.Lock()
	e, ok := s.requests[requestID]
	if !ok || e.state != StateProcessing {
		s.mu.Unlock()
		return
	}
	outcome := &Outcome{
		Request:  e.req,
		State:    StateAckTimeout,
		Behavior: e.behavior,
		Scope:    e.scope,
		Error:    "decision delivery was not acknowledged",
	}
	e.state = StatePending
	e.behavior = ""
	e.scope = ""
	s.mu.Unlock()

	s.logger.Warn("decision ack timed out, request back to pending",
		zap.String("request_id", requestID))
	if s.onResolved != nil {
		s.onResolved(outcome)
	}
}

func (s *Store) remove(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.requests[requestID]; ok {
		e.stopTimers()
		delete(s.requests, requestID)
	}
}

func (e *entry) stopTimers() {
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	if e.ackTimer != nil {
		e.ackTimer.Stop()
	}
}
