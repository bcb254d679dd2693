// Package events defines the event subjects and types published on the bus.
package events

// Subjects published by the gateway core. The chat surface and other
// consumers subscribe to these instead of being called directly.
const (
	// SubjectRunnerOnline fires when a runner registers or a heartbeat
	// revives an offline runner.
	SubjectRunnerOnline = "runner.online"

	// SubjectRunnerOffline fires when heartbeats lapse or the socket closes.
	SubjectRunnerOffline = "runner.offline"

	// SubjectSessionOutput carries streamed assistant/tool output.
	// Concrete subjects are "session.<id>.output".
	SubjectSessionOutput = "session.*.output"

	// SubjectSessionStatus carries session status transitions.
	SubjectSessionStatus = "session.*.status"

	// SubjectSessionResult carries end-of-turn summaries.
	SubjectSessionResult = "session.*.result"

	// SubjectPermissionRequested fires when a runner forwards a tool
	// permission request that needs a user decision.
	SubjectPermissionRequested = "permission.requested"

	// SubjectPermissionResolved fires when a decision round-trip completes.
	SubjectPermissionResolved = "permission.resolved"

	// SubjectSyncSession fires for discovered/updated transcripts.
	SubjectSyncSession = "sync.session"

	// SubjectThreadSpawn asks the chat surface to open a new thread.
	SubjectThreadSpawn = "thread.spawn"

	// SubjectSurfaceAction is the opaque UI action passthrough.
	SubjectSurfaceAction = "surface.action"
)

// Event type names used in bus.Event.Type.
const (
	TypeRunnerOnline        = "runner_online"
	TypeRunnerOffline       = "runner_offline"
	TypeSessionOutput       = "session_output"
	TypeSessionStatus       = "session_status"
	TypeSessionResult       = "session_result"
	TypePermissionRequested = "permission_requested"
	TypePermissionResolved  = "permission_resolved"
	TypeSyncSession         = "sync_session"
	TypeThreadSpawn         = "thread_spawn"
	TypeSurfaceAction       = "surface_action"
)

// SessionOutputSubject returns the concrete subject for a session's output.
func SessionOutputSubject(sessionID string) string {
	return "session." + sessionID + ".output"
}

// SessionStatusSubject returns the concrete subject for a session's status.
func SessionStatusSubject(sessionID string) string {
	return "session." + sessionID + ".status"
}

// SessionResultSubject returns the concrete subject for a session's results.
func SessionResultSubject(sessionID string) string {
	return "session." + sessionID + ".result"
}
