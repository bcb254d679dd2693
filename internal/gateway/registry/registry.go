// Package registry tracks known runners on the gateway: identity, liveness,
// and the capabilities they advertised at registration.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

// staleAfter is how long a runner may go without a heartbeat before it is
// marked offline. Runners send heartbeats every 30s by default; twice that
// plus slack tolerates one dropped beat.
const staleAfter = 90 * time.Second

// watchdogInterval is how often liveness is re-checked.
const watchdogInterval = 15 * time.Second

var (
	ErrEmptyToken = errors.New("register: token is required")
	ErrEmptyName  = errors.New("register: runner name is required")
)

// Runner is the gateway's view of one runner-agent.
type Runner struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	CLIKinds         []protocol.CLIKind `json:"cliKinds"`
	DefaultWorkspace string             `json:"defaultWorkspace,omitempty"`
	Online           bool               `json:"online"`
	Sessions         int                `json:"sessions"`
	LastSeen         time.Time          `json:"lastSeen"`
	RegisteredAt     time.Time          `json:"registeredAt"`
}

// Registry is the runner directory. Runner entries survive disconnects so a
// reconnecting runner reclaims its identity and history.
type Registry struct {
	logger *logger.Logger

	onOnline  func(r *Runner)
	onOffline func(r *Runner)

	mu      sync.RWMutex
	runners map[string]*Runner
}

func New(log *logger.Logger) *Registry {
	return &Registry{
		logger:  log.WithFields(zap.String("component", "runner-registry")),
		runners: make(map[string]*Runner),
	}
}

// SetOnOnline registers the callback fired when a runner registers or a
// heartbeat revives an offline one.
func (r *Registry) SetOnOnline(fn func(*Runner)) { r.onOnline = fn }

// SetOnOffline registers the callback fired when a runner goes offline.
func (r *Registry) SetOnOffline(fn func(*Runner)) { r.onOffline = fn }

// Register validates a register payload and returns the derived runner id.
// The identity is a pure function of name and token, so the same credentials
// always reclaim the same runner.
func (r *Registry) Register(reg *protocol.Register) (string, bool, error) {
	if reg.Token == "" {
		return "", false, ErrEmptyToken
	}
	if reg.RunnerName == "" {
		return "", false, ErrEmptyName
	}
	id := protocol.DeriveRunnerID(reg.RunnerName, reg.Token)

	r.mu.Lock()
	entry, reclaimed := r.runners[id]
	if !reclaimed {
		entry = &Runner{ID: id, RegisteredAt: time.Now().UTC()}
		r.runners[id] = entry
	}
	entry.Name = reg.RunnerName
	entry.CLIKinds = reg.CLIKinds
	entry.DefaultWorkspace = reg.DefaultWorkspace
	entry.Online = true
	entry.LastSeen = time.Now().UTC()
	snapshot := *entry
	r.mu.Unlock()

	if r.onOnline != nil {
		r.onOnline(&snapshot)
	}
	return id, reclaimed, nil
}

// Heartbeat refreshes liveness. A heartbeat from an offline runner revives
// it, which covers watchdog false positives under load.
func (r *Registry) Heartbeat(hb *protocol.Heartbeat) {
	r.mu.Lock()
	entry, ok := r.runners[hb.RunnerID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("heartbeat from unknown runner", zap.String("runner_id", hb.RunnerID))
		return
	}
	revived := !entry.Online
	entry.Online = true
	entry.LastSeen = time.Now().UTC()
	entry.Sessions = hb.Sessions
	if len(hb.CLIKinds) > 0 {
		entry.CLIKinds = hb.CLIKinds
	}
	snapshot := *entry
	r.mu.Unlock()

	if revived {
		r.logger.Info("runner revived by heartbeat", zap.String("runner_id", hb.RunnerID))
		if r.onOnline != nil {
			r.onOnline(&snapshot)
		}
	}
}

// MarkOffline transitions a runner offline, firing the callback once.
func (r *Registry) MarkOffline(runnerID string) {
	r.mu.Lock()
	entry, ok := r.runners[runnerID]
	if !ok || !entry.Online {
		r.mu.Unlock()
		return
	}
	entry.Online = false
	snapshot := *entry
	r.mu.Unlock()

	r.logger.Info("runner offline", zap.String("runner_id", runnerID))
	if r.onOffline != nil {
		r.onOffline(&snapshot)
	}
}

// Get returns a copy of one runner entry.
func (r *Registry) Get(runnerID string) (*Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.runners[runnerID]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// List returns all runner entries sorted by name.
func (r *Registry) List() []*Runner {
	r.mu.RLock()
	out := make([]*Runner, 0, len(r.runners))
	for _, entry := range r.runners {
		snapshot := *entry
		out = append(out, &snapshot)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PickRunner returns an online runner that hosts the requested CLI kind,
// preferring the one with the fewest live sessions.
func (r *Registry) PickRunner(kind protocol.CLIKind) (*Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Runner
	for _, entry := range r.runners {
		if !entry.Online || !hostsKind(entry, kind) {
			continue
		}
		if best == nil || entry.Sessions < best.Sessions {
			best = entry
		}
	}
	if best == nil {
		return nil, false
	}
	snapshot := *best
	return &snapshot, true
}

func hostsKind(entry *Runner, kind protocol.CLIKind) bool {
	for _, k := range entry.CLIKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RunWatchdog marks runners offline when their heartbeats lapse. Blocks
// until ctx is done.
func (r *Registry) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-staleAfter)
	r.mu.RLock()
	var stale []string
	for id, entry := range r.runners {
		if entry.Online && entry.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.logger.Warn("runner heartbeat lapsed", zap.String("runner_id", id))
		r.MarkOffline(id)
	}
}
