package registry

import (
	"time"

	"github.com/anthropics/agent-session-daemon/internal/machine"
)

// BootstrapFromLog implements the tailer's only indirect session-creation
// path (spec.md §4.4): a log file exists with no prior hook, so a minimal
// Session is created with machineState=waiting and left for hooks to
// correct. Returns the session and whether it was newly created.
func (r *Registry) BootstrapFromLog(sessionID, logFilePath, cwd string, startedAt time.Time) (*Session, bool) {
	s, created := r.store.GetOrCreate(sessionID)
	if !created {
		return s, false
	}
	s.mu.Lock()
	s.LogFilePath = logFilePath
	s.Cwd = cwd
	s.StartedAt = startedAt
	s.LastActivityAt = startedAt
	s.State = machine.Waiting
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.audit.WriteLine(sessionID, "[init] waiting (bootstrapped from log)")
	r.notifier.Publish(snap)
	return s, true
}

// UpdateContentMetadata applies the tailer's content-only fields (§4.4):
// lastActivityAt, messageCount, todoProgress, logTailOffset. It never
// drives a transition. Publication only happens if something the publisher
// cares about actually changed; the publisher's own change-detection gate
// (§4.6) is the authority on that, so this always notifies and lets the
// publisher decide.
func (r *Registry) UpdateContentMetadata(sessionID string, lastActivityAt time.Time, messageCount int, todo *TodoProgress, newOffset int64) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if lastActivityAt.After(s.LastActivityAt) {
		s.LastActivityAt = lastActivityAt
	}
	if messageCount > s.MessageCount {
		s.MessageCount = messageCount
	}
	if todo != nil {
		cp := *todo
		s.TodoProgress = &cp
	}
	if newOffset > s.LogTailOffset {
		s.LogTailOffset = newOffset
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// SetGitInfo records the git probe's resolution for a session's working
// directory. Called after the asynchronous git probe that every
// UserPromptSubmit with a cwd starts, whether or not the values changed.
func (r *Registry) SetGitInfo(sessionID, repoRootPath, repoURL, repoID, branch string, isWorktree bool, worktreeRoot string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.RepoRootPath = repoRootPath
	s.RepoURL = repoURL
	s.RepoID = repoID
	s.GitBranch = branch
	s.IsWorktree = isWorktree
	s.WorktreeRoot = worktreeRoot
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// SetSummary records the summarizer's goal/summary fields, invoked by the
// publisher off its own mutex after a coalesced summarizer call completes.
func (r *Registry) SetSummary(sessionID, goal, summary string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.Goal = goal
	s.Summary = summary
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// SetDisplayName records the display name carried by a log record's
// "summary" entry (§4.4's enrichment). Latest-wins; an empty name is a
// no-op so a later record without a name never blanks out an earlier one.
func (r *Registry) SetDisplayName(sessionID, name string) {
	if name == "" {
		return
	}
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.DisplayName = name
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// RemoveSession deletes a session from the registry and publishes exactly
// one delete event with its last known snapshot (§4.4: "A deleted log file
// causes removal from the registry and a delete publication").
func (r *Registry) RemoveSession(sessionID string) {
	s := r.store.Remove(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	r.cancelPermissionTimerLocked(s)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.PublishDelete(snap)
}

// OriginalPromptAndCwd returns the session's original prompt, exactly as
// stored (no tags are stripped), and its cwd, for summarizer calls. ok is
// false when the session is unknown.
func (r *Registry) OriginalPromptAndCwd(sessionID string) (prompt, cwd string, ok bool) {
	s := r.store.Get(sessionID)
	if s == nil {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OriginalPrompt, s.Cwd, true
}
