package registry

import (
	"log"
	"sync"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/machine"
)

// Notifier is the registry's one outbound dependency: the publisher. The
// registry never talks to subscribers directly — it only ever notifies the
// Notifier with an immutable Snapshot, outside any Session mutex.
type Notifier interface {
	Publish(Snapshot)
	PublishDelete(Snapshot)
}

// AuditWriter appends one line to a session's audit log. Errors are the
// writer's problem to swallow; the registry treats audit writes as
// fire-and-forget per spec.
type AuditWriter interface {
	WriteLine(sessionID, line string)
}

// noopNotifier/noopAuditWriter let Registry be constructed standalone (e.g.
// in tests) without wiring a real publisher or audit log.
type noopNotifier struct{}

func (noopNotifier) Publish(Snapshot)       {}
func (noopNotifier) PublishDelete(Snapshot) {}

type noopAuditWriter struct{}

func (noopAuditWriter) WriteLine(string, string) {}

// Config carries the timer tunables spec.md §6 exposes as CLI/config
// options.
type Config struct {
	PermissionDelay    time.Duration
	StaleCheckInterval time.Duration
	StaleThreshold     time.Duration
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		PermissionDelay:    3000 * time.Millisecond,
		StaleCheckInterval: 10 * time.Second,
		StaleThreshold:     60 * time.Second,
	}
}

// Registry is the process-wide owner of every Session: the session map, the
// side-effect layer (transitionSession), the permission-debounce timers,
// and the stale-check ticker. It is the only component allowed to mutate
// Session fields.
type Registry struct {
	store    *Store
	notifier Notifier
	audit    AuditWriter

	cfgMu sync.RWMutex
	cfg   Config

	stopStale chan struct{}
}

// New constructs a Registry. notifier/audit may be nil, in which case they
// default to no-ops (useful in tests that only exercise the state machine
// side effects).
func New(cfg Config, notifier Notifier, audit AuditWriter) *Registry {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if audit == nil {
		audit = noopAuditWriter{}
	}
	return &Registry{
		store:    NewStore(),
		notifier: notifier,
		audit:    audit,
		cfg:      cfg,
	}
}

// Store exposes the underlying Store for read paths (e.g. the tailer's
// bootstrap check).
func (r *Registry) Store() *Store { return r.store }

// SetNotifier swaps the registry's outbound Notifier. Used at startup to
// wire the real publisher in after both have been constructed, since the
// publisher itself takes a *Registry reference (for summarizer context
// lookups) and constructing them in the other order would require a nil
// placeholder either way.
func (r *Registry) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	r.notifier = n
}

// permissionDelay, staleThreshold, staleCheckInterval read the
// hot-reloadable timer tunables under cfgMu, since UpdateConfig may be
// invoked from a SIGHUP handler goroutine concurrently with request
// handling and the stale-check loop.
func (r *Registry) permissionDelay() time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg.PermissionDelay
}

func (r *Registry) staleThreshold() time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg.StaleThreshold
}

func (r *Registry) staleCheckInterval() time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg.StaleCheckInterval
}

// UpdateConfig applies a reloaded Config's timer tunables. PermissionDelay
// and StaleThreshold take effect on the very next use (both are read fresh
// at each call site); StaleCheckInterval is stored but does not restart the
// ticker StartStaleChecker already created — changing the check cadence
// still requires a restart, same as the teacher's config reload only
// covering the fields it's safe to change live.
func (r *Registry) UpdateConfig(cfg Config) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.cfg = cfg
}

// source tags why an event fired, for the audit line ("source:S").
type source string

const (
	sourceHook        source = "hook"
	sourceDebounce     source = "debounce"
	sourceStaleCheck   source = "stale-check"
	sourceAutoEscalate source = "auto-escalate"
	sourceTailer       source = "tailer"
)

// transitionSession is spec.md §4.3's side-effect layer: the only call-site
// for machine.Transition. auditSuffix is appended to the audit line (e.g.
// "signal:… tool:…"); it may be empty.
func (r *Registry) transitionSession(s *Session, event machine.Event, src source, auditSuffix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.transitionSessionLocked(s, event, src, auditSuffix)
}

// transitionSessionLocked implements the 8-step contract of spec.md §4.3.
// Caller must already hold s.mu.
func (r *Registry) transitionSessionLocked(s *Session, event machine.Event, src source, auditSuffix string) bool {
	prev := s.State
	next := machine.Transition(prev, event, s.IsWorktree)
	if next == prev {
		return false
	}

	// On-exit side effects.
	if prev == machine.Working || prev == machine.Tasking || prev == machine.NeedsApproval {
		r.cancelPermissionTimerLocked(s)
	}
	if prev == machine.NeedsApproval && next != machine.NeedsApproval {
		s.PendingPermission = nil
	}

	s.State = next

	line := prev.String() + " -> " + next.String() + " event:" + event.String() + " source:" + string(src)
	if auditSuffix != "" {
		line += " " + auditSuffix
	}
	r.audit.WriteLine(s.SessionID, line)

	snap := s.snapshotLocked()
	r.notifier.Publish(snap)

	// Auto-escalation: landing on working with a non-empty task ledger
	// recursively fires TASK_STARTED so the observable end state is
	// tasking. Depth is bounded to 1 because TASK_STARTED from tasking is
	// a no-op (§4.1), so this can never recurse past one extra call.
	if next == machine.Working && len(s.ActiveTasks) > 0 {
		r.transitionSessionLocked(s, machine.TASK_STARTED, sourceAutoEscalate, "")
	}

	return true
}

// cancelPermissionTimerLocked stops and clears any outstanding
// permission-debounce timer. Caller must hold s.mu.
func (r *Registry) cancelPermissionTimerLocked(s *Session) {
	if s.permissionTimer != nil {
		s.permissionTimer.Stop()
		s.permissionTimer = nil
	}
}

// logTimerPanic recovers a timer callback panic so it never crashes the
// process nor leaks into another session's goroutine — spec.md §7's
// "timer-callback exceptions are caught and logged" requirement.
func logTimerPanic(sessionID string) {
	if r := recover(); r != nil {
		log.Printf("registry: recovered panic in timer callback for session %s: %v", sessionID, r)
	}
}
