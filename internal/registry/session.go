// Package registry owns the process-wide Session map, the per-session
// ledgers, the permission-debounce and stale-check timers, and
// transitionSession — the single call-site into internal/machine. Sessions
// are mutated only while holding their own mutex; membership changes in the
// top-level map go through a separate RWMutex.
package registry

import (
	"sync"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/machine"
)

// PendingPermission records a debounced permission request awaiting
// resolution: either a matching PostToolUse/PostToolUseFailure, or the
// debounce firing and promoting it to machine.NeedsApproval.
type PendingPermission struct {
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
	StartedAt time.Time
}

// ActiveTool is one entry in a session's tool ledger, keyed by toolUseId.
type ActiveTool struct {
	ToolName  string
	ToolInput map[string]any
	StartedAt time.Time
}

// ActiveTask is one entry in a session's task ledger (a Task-tool
// invocation, i.e. a sub-agent dispatch), keyed by toolUseId.
type ActiveTask struct {
	AgentType   string
	Description string
	StartedAt   time.Time
}

// TodoProgress summarizes the most recently observed todo list.
type TodoProgress struct {
	Total     int
	Completed int
}

// Session is the registry's sole mutable record for one conversation. All
// reads and writes outside of Store bookkeeping happen through its mutex.
type Session struct {
	mu sync.Mutex

	// identity
	SessionID      string
	LogFilePath    string
	Cwd            string
	StartedAt      time.Time
	OriginalPrompt string

	// machine
	State             machine.State
	PendingPermission *PendingPermission

	// content metadata
	LastActivityAt time.Time
	MessageCount   int
	TodoProgress   *TodoProgress
	LogTailOffset  int64

	// ledgers
	ActiveTasks     map[string]ActiveTask
	ActiveTools     map[string]ActiveTool
	CompactingSince *time.Time

	// git
	RepoRootPath string
	RepoURL      string
	RepoID       string
	GitBranch    string
	IsWorktree   bool
	WorktreeRoot string

	// goal/summary, set by the publisher's summarizer coalescing
	Goal    string
	Summary string

	// DisplayName is set from a log record's "summary" entry, tracking the
	// session's human-facing name the way the original log format does.
	DisplayName string

	// source health: consecutive-failure counters for the tailer and the
	// git prober, reset to 0 on the next success.
	TailerFailureCount   int
	GitProbeFailureCount int

	// permission debounce timer, at most one outstanding, and the toolUseId
	// it resolved (empty when unknown)
	permissionTimer     *time.Timer
	permissionToolUseID string

	// auditInitWritten records that UserPromptSubmit wrote the [init] audit
	// line; that line is written only when the session is created
	auditInitWritten bool
}

// newSession constructs a Session in its initial state. Callers must hold
// the registry's map lock while inserting it.
func newSession(sessionID string) *Session {
	return &Session{
		SessionID:   sessionID,
		State:       machine.Working,
		ActiveTasks: make(map[string]ActiveTask),
		ActiveTools: make(map[string]ActiveTool),
	}
}

// PublishedStatus maps the internal machine.State to the externally visible
// status: needsApproval collapses into waiting with hasPendingToolUse=true.
func PublishedStatus(s machine.State) string {
	if s == machine.NeedsApproval {
		return machine.Waiting.String()
	}
	return s.String()
}

// HasPendingToolUse reports the published pending-tool flag: true iff the
// internal state is needsApproval.
func HasPendingToolUse(s machine.State) bool {
	return s == machine.NeedsApproval
}

// Source-health status values, broadcast only on transition.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFailed   = "failed"
)

// Consecutive-failure thresholds for the degraded/failed source-health
// states. One failure is noisy-but-fine (a single missed fsnotify event or
// a transient git-probe error); three in a row is a real problem worth
// surfacing.
const (
	sourceHealthDegradedThreshold = 2
	sourceHealthFailedThreshold   = 3
)

// SourceHealth is the §3 supplemental side-channel: the daemon's own view of
// whether it can currently observe a session's log file and git identity.
type SourceHealth struct {
	Root   string
	Status string
}

func healthStatusForCount(n int) string {
	switch {
	case n >= sourceHealthFailedThreshold:
		return HealthFailed
	case n >= sourceHealthDegradedThreshold:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// worseStatus returns the more severe of two health statuses.
func worseStatus(a, b string) string {
	rank := map[string]int{HealthHealthy: 0, HealthDegraded: 1, HealthFailed: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// sourceHealthLocked derives the session's current SourceHealth from its
// tailer and git-probe failure counters. Caller must hold s.mu.
func (s *Session) sourceHealthLocked() SourceHealth {
	root := s.Cwd
	if root == "" {
		root = s.LogFilePath
	}
	status := worseStatus(healthStatusForCount(s.TailerFailureCount), healthStatusForCount(s.GitProbeFailureCount))
	return SourceHealth{Root: root, Status: status}
}

// Snapshot is the immutable DTO the publisher hands to subscribers. Sessions
// never escape the registry; only Snapshots do.
type Snapshot struct {
	SessionID         string
	Cwd               string
	RepoRootPath      string
	RepoURL           string
	RepoID            string
	GitBranch         string
	IsWorktree        bool
	WorktreeRoot      string
	PublishedStatus   string
	HasPendingToolUse bool
	LastActivityAt    time.Time
	MessageCount      int
	PendingTool       *PendingToolDTO
	ActiveTasks       []ActiveTaskDTO
	ActiveTools       []ActiveToolDTO
	TodoProgress      *TodoProgress
	Goal              string
	Summary           string
	DisplayName       string
	SourceHealth      SourceHealth
}

// PendingToolDTO is the published shape of a PendingPermission.
type PendingToolDTO struct {
	ToolName  string
	ToolUseID string
}

// ActiveTaskDTO is the published shape of an ActiveTask, keyed in the slice
// by ToolUseID since Snapshot is flattened for transport.
type ActiveTaskDTO struct {
	ToolUseID   string
	AgentType   string
	Description string
}

// ActiveToolDTO is the published shape of an ActiveTool.
type ActiveToolDTO struct {
	ToolUseID string
	ToolName  string
}

// snapshotLocked builds a Snapshot from the Session's current fields. The
// caller must hold s.mu.
func (s *Session) snapshotLocked() Snapshot {
	var pending *PendingToolDTO
	if s.PendingPermission != nil {
		pending = &PendingToolDTO{
			ToolName:  s.PendingPermission.ToolName,
			ToolUseID: s.PendingPermission.ToolUseID,
		}
	}

	tasks := make([]ActiveTaskDTO, 0, len(s.ActiveTasks)+1)
	for id, t := range s.ActiveTasks {
		tasks = append(tasks, ActiveTaskDTO{ToolUseID: id, AgentType: t.AgentType, Description: t.Description})
	}
	if s.CompactingSince != nil {
		tasks = append(tasks, ActiveTaskDTO{
			ToolUseID:   "compacting",
			AgentType:   "System",
			Description: "Compacting context",
		})
	}

	tools := make([]ActiveToolDTO, 0, len(s.ActiveTools))
	for id, t := range s.ActiveTools {
		if t.ToolName == "Task" {
			continue
		}
		tools = append(tools, ActiveToolDTO{ToolUseID: id, ToolName: t.ToolName})
	}

	var todo *TodoProgress
	if s.TodoProgress != nil {
		cp := *s.TodoProgress
		todo = &cp
	}

	return Snapshot{
		SessionID:         s.SessionID,
		Cwd:               s.Cwd,
		RepoRootPath:      s.RepoRootPath,
		RepoURL:           s.RepoURL,
		RepoID:            s.RepoID,
		GitBranch:         s.GitBranch,
		IsWorktree:        s.IsWorktree,
		WorktreeRoot:      s.WorktreeRoot,
		PublishedStatus:   PublishedStatus(s.State),
		HasPendingToolUse: HasPendingToolUse(s.State),
		LastActivityAt:    s.LastActivityAt,
		MessageCount:      s.MessageCount,
		PendingTool:       pending,
		ActiveTasks:       tasks,
		ActiveTools:       tools,
		TodoProgress:      todo,
		Goal:              s.Goal,
		Summary:           s.Summary,
		DisplayName:       s.DisplayName,
		SourceHealth:      s.sourceHealthLocked(),
	}
}

// Snapshot returns the session's current published view. Safe for
// concurrent use.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}
