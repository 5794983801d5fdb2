package registry

import (
	"time"

	"github.com/anthropics/agent-session-daemon/internal/machine"
)

// UserPromptSubmit implements spec.md §4.2's UserPromptSubmit handling: if
// the session does not exist, create it and initialize its machine to
// working with an [init] audit line; if it exists, fire WORKING.
func (r *Registry) UserPromptSubmit(sessionID, transcriptPath, cwd, prompt string, now time.Time) {
	s, created := r.store.GetOrCreate(sessionID)
	if created {
		s.mu.Lock()
		s.LogFilePath = transcriptPath
		s.Cwd = cwd
		s.OriginalPrompt = prompt
		s.StartedAt = now
		s.LastActivityAt = now
		s.State = machine.Working
		s.auditInitWritten = true
		snap := s.snapshotLocked()
		s.mu.Unlock()
		r.audit.WriteLine(sessionID, "[init] working")
		r.notifier.Publish(snap)
		return
	}
	s.mu.Lock()
	s.LastActivityAt = now
	s.mu.Unlock()
	r.transitionSession(s, machine.WORKING, sourceHook, "")
}

// PermissionRequest implements spec.md §4.2's PermissionRequest handling:
// resolve a toolUseId (payload value, else the youngest active tool with a
// matching name), cancel any prior debounce, and schedule a new one.
func (r *Registry) PermissionRequest(sessionID, toolName, toolUseID string, toolInput map[string]any) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	resolved := toolUseID
	if resolved == "" {
		resolved = r.youngestActiveToolByNameLocked(s, toolName)
	}
	r.cancelPermissionTimerLocked(s)

	delay := r.permissionDelay()
	s.permissionTimer = time.AfterFunc(delay, func() {
		defer logTimerPanic(sessionID)
		r.firePermissionDebounce(s, toolName, resolved, toolInput)
	})
	s.permissionToolUseID = resolved
	s.mu.Unlock()
}

// youngestActiveToolByNameLocked scans activeTools for the most recently
// started entry matching toolName. Caller must hold s.mu.
func (r *Registry) youngestActiveToolByNameLocked(s *Session, toolName string) string {
	var best string
	var bestAt time.Time
	for id, t := range s.ActiveTools {
		if t.ToolName != toolName {
			continue
		}
		if best == "" || t.StartedAt.After(bestAt) {
			best = id
			bestAt = t.StartedAt
		}
	}
	return best
}

// firePermissionDebounce is the debounce timer callback: establish
// pendingPermission and fire PERMISSION_REQUEST. By the time this fires the
// timer may already have been cancelled and replaced (s.permissionTimer
// points elsewhere); that's fine, this closure still owns its own toolUseID.
func (r *Registry) firePermissionDebounce(s *Session, toolName, toolUseID string, toolInput map[string]any) {
	s.mu.Lock()
	if s.permissionTimer == nil {
		// Cancelled before firing.
		s.mu.Unlock()
		return
	}
	s.permissionTimer = nil
	s.PendingPermission = &PendingPermission{
		ToolName:  toolName,
		ToolInput: toolInput,
		ToolUseID: toolUseID,
		StartedAt: time.Now(),
	}
	s.mu.Unlock()

	r.transitionSession(s, machine.PERMISSION_REQUEST, sourceDebounce, "tool:"+toolName)
}

// PreToolUse implements spec.md §4.2's PreToolUse handling: add to
// activeTools; if tool=Task, also add to activeTasks and fire TASK_STARTED.
func (r *Registry) PreToolUse(sessionID, toolName, toolUseID string, toolInput map[string]any, now time.Time) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.LastActivityAt = now
	s.ActiveTools[toolUseID] = ActiveTool{ToolName: toolName, ToolInput: toolInput, StartedAt: now}
	isTask := toolName == "Task"
	var subagentType, description string
	if isTask {
		subagentType, _ = toolInput["subagentType"].(string)
		description, _ = toolInput["description"].(string)
		s.ActiveTasks[toolUseID] = ActiveTask{AgentType: subagentType, Description: description, StartedAt: now}
	}
	s.mu.Unlock()

	// PreToolUse always emits an update: either the transition itself
	// publishes (state moved), or the ledger changed with no state move
	// and we publish directly.
	if isTask {
		if moved := r.transitionSession(s, machine.TASK_STARTED, sourceHook, "tool:"+toolName); moved {
			return
		}
	}
	r.notifier.Publish(s.Snapshot())
}

// postToolUse is the shared body of PostToolUse and PostToolUseFailure: both
// perform the selective debounce cancellation and ledger cleanup described
// in spec.md §4.2.
func (r *Registry) postToolUse(sessionID, toolName, toolUseID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	// Selective cancel: only if the resolved pending toolUseId is unknown
	// (empty) or matches this event's toolUseId. A sibling tool completing
	// must never cancel an unrelated permission debounce.
	if s.permissionTimer != nil && (s.permissionToolUseID == "" || s.permissionToolUseID == toolUseID) {
		r.cancelPermissionTimerLocked(s)
	}
	if s.PendingPermission != nil && (s.PendingPermission.ToolUseID == "" || s.PendingPermission.ToolUseID == toolUseID) {
		r.cancelPermissionTimerLocked(s)
		if s.State == machine.NeedsApproval {
			s.PendingPermission = nil
		}
	}
	needsWorking := s.State == machine.NeedsApproval
	delete(s.ActiveTools, toolUseID)
	_, wasTask := s.ActiveTasks[toolUseID]
	if wasTask {
		delete(s.ActiveTasks, toolUseID)
	}
	tasksNowEmpty := wasTask && len(s.ActiveTasks) == 0
	s.mu.Unlock()

	if needsWorking {
		r.transitionSession(s, machine.WORKING, sourceHook, "tool:"+toolName)
	}
	if tasksNowEmpty {
		r.transitionSession(s, machine.TASKS_DONE, sourceHook, "tool:"+toolName)
	}
	if !needsWorking && !tasksNowEmpty {
		r.notifier.Publish(s.Snapshot())
	}
}

// PostToolUse implements spec.md §4.2's PostToolUse handling.
func (r *Registry) PostToolUse(sessionID, toolName, toolUseID string) {
	r.postToolUse(sessionID, toolName, toolUseID)
}

// PostToolUseFailure implements spec.md §4.2's PostToolUseFailure handling
// (identical dispatch to PostToolUse per §4.2).
func (r *Registry) PostToolUseFailure(sessionID, toolName, toolUseID string) {
	r.postToolUse(sessionID, toolName, toolUseID)
}

// Stop implements spec.md §4.2's Stop handling: cancel permission debounce,
// clear compactingSince, fire STOP.
func (r *Registry) Stop(sessionID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	r.cancelPermissionTimerLocked(s)
	s.CompactingSince = nil
	s.mu.Unlock()
	r.transitionSession(s, machine.STOP, sourceHook, "")
}

// SessionEnd implements spec.md §4.2's SessionEnd handling, including the
// chosen open-question policy (see DESIGN.md): reason != "prompt_input_exit"
// while machineState == waiting is ignored.
func (r *Registry) SessionEnd(sessionID, reason string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	waiting := s.State == machine.Waiting
	s.mu.Unlock()
	if waiting && reason != "prompt_input_exit" {
		return
	}

	s.mu.Lock()
	r.cancelPermissionTimerLocked(s)
	s.mu.Unlock()
	r.transitionSession(s, machine.ENDED, sourceHook, "")
}

// PreCompact implements spec.md §4.2's PreCompact handling: set
// compactingSince and publish an update (no machine transition).
func (r *Registry) PreCompact(sessionID string, now time.Time) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.CompactingSince = &now
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// LoggingOnly appends a "[hook] <name>" line for hook events that never
// drive the machine (SessionStart, SubagentStart/Stop, TeammateIdle,
// TaskCompleted, Notification).
func (r *Registry) LoggingOnly(sessionID, hookName string) {
	r.audit.WriteLine(sessionID, "[hook] "+hookName)
}

// WorktreeDeleted fires WORKTREE_DELETED for a session whose worktreeRoot
// has vanished; called by the stale checker (§4.5).
func (r *Registry) WorktreeDeleted(sessionID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	r.transitionSession(s, machine.WORKTREE_DELETED, sourceStaleCheck, "")
}
