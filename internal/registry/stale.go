package registry

import (
	"os"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/machine"
)

// StartStaleChecker launches the global periodic stale-check loop described
// in spec.md §4.5. It runs until StopStaleChecker is called. Safe to call once per
// Registry.
func (r *Registry) StartStaleChecker() {
	r.stopStale = make(chan struct{})
	ticker := time.NewTicker(r.staleCheckInterval())
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.runStaleCheck(time.Now())
			case <-r.stopStale:
				return
			}
		}
	}()
}

// StopStaleChecker stops the periodic loop started by StartStaleChecker.
func (r *Registry) StopStaleChecker() {
	if r.stopStale != nil {
		close(r.stopStale)
	}
}

// runStaleCheck scans every tracked session for the two stale-check
// triggers: a silent working session past the threshold, and a review
// session whose worktree directory has vanished.
func (r *Registry) runStaleCheck(now time.Time) {
	defer logTimerPanic("stale-check")

	for _, s := range r.store.All() {
		s.mu.Lock()
		state := s.State
		lastActivity := s.LastActivityAt
		worktreeRoot := s.WorktreeRoot
		isWorktree := s.IsWorktree
		s.mu.Unlock()

		switch state {
		case machine.Working:
			if now.Sub(lastActivity) > r.staleThreshold() {
				r.transitionSession(s, machine.STOP, sourceStaleCheck, "")
			}
		case machine.Review:
			if isWorktree && worktreeRoot != "" && !dirExists(worktreeRoot) {
				r.transitionSession(s, machine.WORKTREE_DELETED, sourceStaleCheck, "")
			}
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
