// Package protocol defines the envelope carried between runner and gateway.
// Envelopes are newline-delimited JSON over WebSocket: a "type" discriminant
// drawn from a closed set, and a "data" payload whose shape depends on it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeType is the envelope discriminant.
type EnvelopeType string

// The closed discriminant set. Unknown types are logged and dropped by
// receivers, never fatal.
const (
	// Runner -> gateway
	TypeRegister              EnvelopeType = "register"
	TypeHeartbeat             EnvelopeType = "heartbeat"
	TypeSessionReady          EnvelopeType = "session_ready"
	TypeOutput                EnvelopeType = "output"
	TypeStatus                EnvelopeType = "status"
	TypeMetadata              EnvelopeType = "metadata"
	TypeResult                EnvelopeType = "result"
	TypePermissionRequest     EnvelopeType = "permission_request"
	TypePermissionDecisionAck EnvelopeType = "permission_decision_ack"
	TypeSpawnThread           EnvelopeType = "spawn_thread"
	TypeDiscordAction         EnvelopeType = "discord_action"

	// Gateway -> runner
	TypeRegistered         EnvelopeType = "registered"
	TypeError              EnvelopeType = "error"
	TypeSessionStart       EnvelopeType = "session_start"
	TypeSessionEnd         EnvelopeType = "session_end"
	TypeUserMessage        EnvelopeType = "user_message"
	TypePermissionDecision EnvelopeType = "permission_decision"
	TypeInterrupt          EnvelopeType = "interrupt"

	// Sync, both directions
	TypeSyncProjects          EnvelopeType = "sync_projects"
	TypeSyncProjectsResponse  EnvelopeType = "sync_projects_response"
	TypeSyncProjectsProgress  EnvelopeType = "sync_projects_progress"
	TypeSyncProjectsComplete  EnvelopeType = "sync_projects_complete"
	TypeSyncSessions          EnvelopeType = "sync_sessions"
	TypeSyncSessionsResponse  EnvelopeType = "sync_sessions_response"
	TypeSyncSessionsComplete  EnvelopeType = "sync_sessions_complete"
	TypeSyncSessionDiscovered EnvelopeType = "sync_session_discovered"
	TypeSyncSessionUpdated    EnvelopeType = "sync_session_updated"
)

var knownTypes = map[EnvelopeType]bool{
	TypeRegister: true, TypeHeartbeat: true, TypeSessionReady: true,
	TypeOutput: true, TypeStatus: true, TypeMetadata: true, TypeResult: true,
	TypePermissionRequest: true, TypePermissionDecisionAck: true,
	TypeSpawnThread: true, TypeDiscordAction: true,
	TypeRegistered: true, TypeError: true, TypeSessionStart: true,
	TypeSessionEnd: true, TypeUserMessage: true, TypePermissionDecision: true,
	TypeInterrupt:    true,
	TypeSyncProjects: true, TypeSyncProjectsResponse: true,
	TypeSyncProjectsProgress: true, TypeSyncProjectsComplete: true,
	TypeSyncSessions: true, TypeSyncSessionsResponse: true,
	TypeSyncSessionsComplete: true, TypeSyncSessionDiscovered: true,
	TypeSyncSessionUpdated: true,
}

// Known reports whether t belongs to the closed discriminant set.
func Known(t EnvelopeType) bool {
	return knownTypes[t]
}

// Envelope is the wire message. Data stays raw until the receiver routes by
// Type; extra fields inside payloads are tolerated for forward compatibility.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Sentinel decode errors. Callers log-and-drop on either; neither is fatal.
var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
	ErrEmptyLine   = errors.New("empty line")
)

// logPreviewLen bounds how much of a bad line ends up in logs.
const logPreviewLen = 200

// Preview returns the first 200 characters of a wire line for log messages.
func Preview(line []byte) string {
	if len(line) > logPreviewLen {
		return string(line[:logPreviewLen])
	}
	return string(line)
}

// Encode marshals an envelope with its payload and appends the newline that
// delimits envelopes on the wire.
func Encode(t EnvelopeType, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
	}
	env := Envelope{Type: t, Data: data, Timestamp: time.Now().UTC()}
	out, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	return append(out, '\n'), nil
}

// Decode parses one wire line into an envelope. Empty lines return
// ErrEmptyLine, parse failures ErrMalformed, and discriminants outside the
// closed set ErrUnknownType (with the envelope still returned so callers can
// log it).
func Decode(line []byte) (*Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !Known(env.Type) {
		return &env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
