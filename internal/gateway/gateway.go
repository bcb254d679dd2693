// Package gateway assembles the control plane: the runner hub, the runner
// and session directories, the permission store, and the event bus that chat
// surfaces consume.
package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/common/tracing"
	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/events/bus"
	"github.com/loomlabs/loom/internal/gateway/hub"
	"github.com/loomlabs/loom/internal/gateway/permission"
	"github.com/loomlabs/loom/internal/gateway/registry"
	"github.com/loomlabs/loom/internal/gateway/sessions"
	"github.com/loomlabs/loom/pkg/protocol"
)

// eventSource identifies this process on the bus.
const eventSource = "loom-gateway"

// Gateway is the control-plane core. Runner envelopes come in through the
// hub; everything of interest to chat surfaces goes out on the event bus.
type Gateway struct {
	cfg    *config.GatewayConfig
	logger *logger.Logger
	bus    bus.EventBus

	hub      *hub.Hub
	runners  *registry.Registry
	sessions *sessions.Store
	perms    *permission.Store
}

// New wires the gateway. Nothing listens yet; Run starts the watchdog and
// the HTTP server.
func New(cfg *config.GatewayConfig, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "gateway")),
		bus:      eventBus,
		runners:  registry.New(log),
		sessions: sessions.NewStore(),
	}

	g.hub = hub.New(g.runners.Register, log)
	g.hub.SetHandler(g.handleEnvelope)
	g.hub.SetOnDisconnect(g.runners.MarkOffline)

	g.perms = permission.NewStore(g.hub, cfg.PermissionTTL(), cfg.AckTimeout(), log)
	g.perms.SetOnResolved(g.permissionResolved)

	g.runners.SetOnOnline(func(r *registry.Runner) {
		g.sessions.MarkRunnerOnline(r.ID)
		g.publish(events.SubjectRunnerOnline, events.TypeRunnerOnline, map[string]any{
			"runnerId": r.ID,
			"name":     r.Name,
			"cliKinds": r.CLIKinds,
		})
	})
	g.runners.SetOnOffline(func(r *registry.Runner) {
		affected := g.sessions.MarkRunnerOffline(r.ID)
		g.publish(events.SubjectRunnerOffline, events.TypeRunnerOffline, map[string]any{
			"runnerId": r.ID,
			"name":     r.Name,
			"sessions": affected,
		})
		for _, sessionID := range affected {
			g.publish(events.SessionStatusSubject(sessionID), events.TypeSessionStatus, map[string]any{
				"sessionId": sessionID,
				"status":    string(protocol.StatusOffline),
			})
		}
	})
	return g
}

// handleEnvelope routes post-registration runner envelopes.
func (g *Gateway) handleEnvelope(ctx context.Context, runnerID string, env *protocol.Envelope) {
	ctx, span := tracing.Tracer("gateway").Start(ctx, "envelope."+string(env.Type))
	defer span.End()

	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := env.DecodePayload(&hb); err != nil {
			g.logger.Warn("bad heartbeat payload", zap.Error(err))
			return
		}
		hb.RunnerID = runnerID
		g.runners.Heartbeat(&hb)

	case protocol.TypeSessionReady:
		var ready protocol.SessionReady
		if err := env.DecodePayload(&ready); err != nil {
			g.logger.Warn("bad session_ready payload", zap.Error(err))
			return
		}
		g.sessions.MarkReady(&ready)
		g.publish(events.SessionStatusSubject(ready.SessionID), events.TypeSessionStatus, map[string]any{
			"sessionId": ready.SessionID,
			"status":    string(protocol.StatusReady),
			"model":     ready.Model,
			"workDir":   ready.WorkDir,
		})

	case protocol.TypeOutput:
		var out protocol.Output
		if err := env.DecodePayload(&out); err != nil {
			g.logger.Warn("bad output payload", zap.Error(err))
			return
		}
		g.publish(events.SessionOutputSubject(out.SessionID), events.TypeSessionOutput, map[string]any{
			"sessionId": out.SessionID,
			"output":    out,
		})

	case protocol.TypeStatus:
		var st protocol.Status
		if err := env.DecodePayload(&st); err != nil {
			g.logger.Warn("bad status payload", zap.Error(err))
			return
		}
		g.sessions.SetStatus(&st)
		g.publish(events.SessionStatusSubject(st.SessionID), events.TypeSessionStatus, map[string]any{
			"sessionId": st.SessionID,
			"status":    string(st.Status),
			"activity":  st.Activity,
			"message":   st.Message,
		})

	case protocol.TypeMetadata:
		var md protocol.Metadata
		if err := env.DecodePayload(&md); err != nil {
			g.logger.Warn("bad metadata payload", zap.Error(err))
			return
		}
		g.sessions.ApplyMetadata(&md)

	case protocol.TypeResult:
		var res protocol.Result
		if err := env.DecodePayload(&res); err != nil {
			g.logger.Warn("bad result payload", zap.Error(err))
			return
		}
		g.sessions.ApplyResult(&res)
		g.publish(events.SessionResultSubject(res.SessionID), events.TypeSessionResult, map[string]any{
			"sessionId": res.SessionID,
			"result":    res,
		})

	case protocol.TypePermissionRequest:
		var req protocol.PermissionRequest
		if err := env.DecodePayload(&req); err != nil {
			g.logger.Warn("bad permission_request payload", zap.Error(err))
			return
		}
		req.RunnerID = runnerID
		g.perms.Add(&req)
		g.publish(events.SubjectPermissionRequested, events.TypePermissionRequested, map[string]any{
			"request": req,
		})

	case protocol.TypePermissionDecisionAck:
		var ack protocol.PermissionDecisionAck
		if err := env.DecodePayload(&ack); err != nil {
			g.logger.Warn("bad permission_decision_ack payload", zap.Error(err))
			return
		}
		g.perms.HandleAck(&ack)

	case protocol.TypeSpawnThread:
		var spawn protocol.SpawnThread
		if err := env.DecodePayload(&spawn); err != nil {
			g.logger.Warn("bad spawn_thread payload", zap.Error(err))
			return
		}
		spawn.RunnerID = runnerID
		g.publish(events.SubjectThreadSpawn, events.TypeThreadSpawn, map[string]any{
			"spawn": spawn,
		})

	case protocol.TypeDiscordAction:
		var action protocol.DiscordAction
		if err := env.DecodePayload(&action); err != nil {
			g.logger.Warn("bad discord_action payload", zap.Error(err))
			return
		}
		action.RunnerID = runnerID
		g.publish(events.SubjectSurfaceAction, events.TypeSurfaceAction, map[string]any{
			"action": action,
		})

	case protocol.TypeSyncSessionDiscovered, protocol.TypeSyncSessionUpdated:
		var ev protocol.SyncSessionEvent
		if err := env.DecodePayload(&ev); err != nil {
			g.logger.Warn("bad sync session event payload", zap.Error(err))
			return
		}
		ev.RunnerID = runnerID
		g.publish(events.SubjectSyncSession, events.TypeSyncSession, map[string]any{
			"kind":    string(env.Type),
			"session": ev.Session,
		})

	case protocol.TypeSyncProjectsResponse, protocol.TypeSyncProjectsProgress,
		protocol.TypeSyncProjectsComplete, protocol.TypeSyncSessionsResponse,
		protocol.TypeSyncSessionsComplete:
		// Replies to gateway-initiated syncs pass through to subscribers
		// with their raw payload intact.
		g.publish(events.SubjectSyncSession, events.TypeSyncSession, map[string]any{
			"kind":     string(env.Type),
			"runnerId": runnerID,
			"payload":  env.Data,
		})

	default:
		g.logger.Debug("ignoring envelope",
			zap.String("type", string(env.Type)), zap.String("runner_id", runnerID))
	}
}

func (g *Gateway) permissionResolved(o *permission.Outcome) {
	g.publish(events.SubjectPermissionResolved, events.TypePermissionResolved, map[string]any{
		"requestId": o.Request.RequestID,
		"sessionId": o.Request.SessionID,
		"state":     string(o.State),
		"behavior":  o.Behavior,
		"scope":     o.Scope,
		"success":   o.Success,
		"error":     o.Error,
	})
}

func (g *Gateway) publish(subject, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, eventSource, data)
	if err := g.bus.Publish(context.Background(), subject, event); err != nil {
		g.logger.Warn("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}
