package registry

// ReportTailerFailure increments a session's tailer-failure counter,
// called by internal/tailer when a parse attempt fails for a reason other
// than the file being removed. A run of these pushes SourceHealth.Status
// from healthy through degraded to failed; the publisher's change-detection
// gate means a transition is broadcast at most once per threshold crossed.
func (r *Registry) ReportTailerFailure(sessionID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.TailerFailureCount++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// ReportTailerSuccess resets a session's tailer-failure counter to 0,
// called after a parse attempt succeeds.
func (r *Registry) ReportTailerSuccess(sessionID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.TailerFailureCount == 0 {
		s.mu.Unlock()
		return
	}
	s.TailerFailureCount = 0
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// ReportGitProbeFailure increments a session's git-probe-failure counter,
// called by internal/ingest when gitprobe.Resolve returns an error for this
// session's working directory.
func (r *Registry) ReportGitProbeFailure(sessionID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.GitProbeFailureCount++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}

// ReportGitProbeSuccess resets a session's git-probe-failure counter to 0.
func (r *Registry) ReportGitProbeSuccess(sessionID string) {
	s := r.store.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.GitProbeFailureCount == 0 {
		s.mu.Unlock()
		return
	}
	s.GitProbeFailureCount = 0
	snap := s.snapshotLocked()
	s.mu.Unlock()
	r.notifier.Publish(snap)
}
