package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/machine"
)

// recordingNotifier captures every published snapshot for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	updates []Snapshot
	deletes []Snapshot
}

func (n *recordingNotifier) Publish(s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, s)
}

func (n *recordingNotifier) PublishDelete(s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deletes = append(n.deletes, s)
}

func (n *recordingNotifier) last() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updates[len(n.updates)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.updates)
}

type recordingAudit struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newRecordingAudit() *recordingAudit {
	return &recordingAudit{lines: make(map[string][]string)}
}

func (a *recordingAudit) WriteLine(sessionID, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines[sessionID] = append(a.lines[sessionID], line)
}

func fastTestConfig() Config {
	return Config{
		PermissionDelay:    30 * time.Millisecond,
		StaleCheckInterval: time.Hour,
		StaleThreshold:     time.Hour,
	}
}

// Scenario A: simple turn, non-worktree.
func TestScenarioA_SimpleTurn(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S1", "/tmp/s1.jsonl", "/tmp/c1", "hello", time.Now())
	if got := r.Store().Get("S1").Snapshot().PublishedStatus; got != "working" {
		t.Fatalf("after UserPromptSubmit: got %s, want working", got)
	}

	r.Stop("S1")
	if got := r.Store().Get("S1").Snapshot().PublishedStatus; got != "waiting" {
		t.Fatalf("after Stop: got %s, want waiting", got)
	}

	r.SessionEnd("S1", "other")
	if got := r.Store().Get("S1").Snapshot().PublishedStatus; got != "waiting" {
		t.Fatalf("SessionEnd from waiting with reason!=prompt_input_exit should be ignored, got %s", got)
	}

	r.SessionEnd("S1", "prompt_input_exit")
	if got := r.Store().Get("S1").Snapshot().PublishedStatus; got != "idle" {
		t.Fatalf("after SessionEnd(prompt_input_exit): got %s, want idle", got)
	}
}

// Scenario B: auto-approved tool within debounce window never flickers to
// needsApproval.
func TestScenarioB_NoFlickerWithinDebounce(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S2", "", "", "", time.Now())
	r.PreToolUse("S2", "EnterPlanMode", "T1", nil, time.Now())
	r.PermissionRequest("S2", "EnterPlanMode", "T1", nil)
	r.PostToolUse("S2", "EnterPlanMode", "T1")

	time.Sleep(100 * time.Millisecond)

	if got := r.Store().Get("S2").Snapshot().PublishedStatus; got != "working" {
		t.Fatalf("got %s, want working throughout", got)
	}
	for _, snap := range n.updates {
		if snap.HasPendingToolUse {
			t.Fatalf("saw hasPendingToolUse=true, debounce should have been cancelled before firing")
		}
	}
}

// Scenario C: permission approved.
func TestScenarioC_PermissionApproved(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S3", "", "", "", time.Now())
	r.PreToolUse("S3", "Bash", "T2", nil, time.Now())
	r.PermissionRequest("S3", "Bash", "T2", nil)

	time.Sleep(60 * time.Millisecond)
	snap := r.Store().Get("S3").Snapshot()
	if snap.PublishedStatus != "waiting" || !snap.HasPendingToolUse {
		t.Fatalf("after debounce fires: got status=%s pending=%v, want waiting/true", snap.PublishedStatus, snap.HasPendingToolUse)
	}

	r.PostToolUse("S3", "Bash", "T2")
	snap = r.Store().Get("S3").Snapshot()
	if snap.PublishedStatus != "working" || snap.HasPendingToolUse {
		t.Fatalf("after PostToolUse: got status=%s pending=%v, want working/false", snap.PublishedStatus, snap.HasPendingToolUse)
	}
}

// Scenario D: permission denied (PostToolUseFailure) behaves like C.
func TestScenarioD_PermissionDenied(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S3d", "", "", "", time.Now())
	r.PreToolUse("S3d", "Bash", "T2", nil, time.Now())
	r.PermissionRequest("S3d", "Bash", "T2", nil)
	time.Sleep(60 * time.Millisecond)

	r.PostToolUseFailure("S3d", "Bash", "T2")
	snap := r.Store().Get("S3d").Snapshot()
	if snap.PublishedStatus != "working" || snap.HasPendingToolUse {
		t.Fatalf("after PostToolUseFailure: got status=%s pending=%v, want working/false", snap.PublishedStatus, snap.HasPendingToolUse)
	}
}

// Scenario E: a concurrent sibling tool completing must not cancel the
// debounce for a different tool's permission request.
func TestScenarioE_SiblingToolDoesNotCancelDebounce(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S4", "", "", "", time.Now())
	r.PreToolUse("S4", "Bash", "TB", nil, time.Now())
	r.PermissionRequest("S4", "Bash", "TB", nil)

	r.PreToolUse("S4", "Read", "TR", nil, time.Now())
	r.PostToolUse("S4", "Read", "TR")

	time.Sleep(60 * time.Millisecond)

	snap := r.Store().Get("S4").Snapshot()
	if snap.PublishedStatus != "waiting" || !snap.HasPendingToolUse {
		t.Fatalf("got status=%s pending=%v, want waiting/true (debounce must survive sibling completion)", snap.PublishedStatus, snap.HasPendingToolUse)
	}
}

// Scenario F: worktree Stop goes to review, not waiting/idle, and only
// leaves review via WORKTREE_DELETED.
func TestScenarioF_WorktreeStop(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S5", "", "", "", time.Now())
	s := r.Store().Get("S5")
	s.mu.Lock()
	s.IsWorktree = true
	s.WorktreeRoot = "/tmp/definitely-does-not-exist-xyz"
	s.mu.Unlock()

	r.Stop("S5")
	if got := r.Store().Get("S5").Snapshot().PublishedStatus; got != "review" {
		t.Fatalf("after worktree Stop: got %s, want review", got)
	}

	r.SessionEnd("S5", "other")
	if got := r.Store().Get("S5").Snapshot().PublishedStatus; got != "review" {
		t.Fatalf("SessionEnd in review should be a no-op: got %s", got)
	}

	r.WorktreeDeleted("S5")
	if got := r.Store().Get("S5").Snapshot().PublishedStatus; got != "idle" {
		t.Fatalf("after WORKTREE_DELETED: got %s, want idle", got)
	}
}

// Scenario G: task lifecycle plus auto-escalation.
func TestScenarioG_TaskLifecycle(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S6", "", "", "", time.Now())
	r.PreToolUse("S6", "Task", "TK1", map[string]any{"subagentType": "Bash", "description": "Run tests"}, time.Now())

	snap := r.Store().Get("S6").Snapshot()
	if snap.PublishedStatus != "tasking" || len(snap.ActiveTasks) != 1 {
		t.Fatalf("got status=%s tasks=%d, want tasking/1", snap.PublishedStatus, len(snap.ActiveTasks))
	}

	r.PostToolUse("S6", "Task", "TK1")
	snap = r.Store().Get("S6").Snapshot()
	if snap.PublishedStatus != "working" || len(snap.ActiveTasks) != 0 {
		t.Fatalf("got status=%s tasks=%d, want working/0", snap.PublishedStatus, len(snap.ActiveTasks))
	}

	r.Stop("S6")
	if got := r.Store().Get("S6").Snapshot().PublishedStatus; got != "waiting" {
		t.Fatalf("after Stop: got %s, want waiting", got)
	}
}

// T2: machineState == needsApproval iff hasPendingToolUse.
func TestT2_NeedsApprovalImpliesPendingToolUse(t *testing.T) {
	for _, s := range []machine.State{machine.Working, machine.Tasking, machine.NeedsApproval, machine.Waiting, machine.Review, machine.Idle} {
		want := s == machine.NeedsApproval
		if got := HasPendingToolUse(s); got != want {
			t.Errorf("HasPendingToolUse(%s) = %v, want %v", s, got, want)
		}
	}
}

// T4: debounce idempotence — repeated PermissionRequest hooks within the
// window produce at most one needsApproval entry; cancellation produces
// zero.
func TestT4_DebounceIdempotence(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S7", "", "", "", time.Now())
	r.PreToolUse("S7", "Bash", "T1", nil, time.Now())

	for i := 0; i < 5; i++ {
		r.PermissionRequest("S7", "Bash", "T1", nil)
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	pendingCount := 0
	for _, snap := range n.updates {
		if snap.HasPendingToolUse {
			pendingCount++
		}
	}
	// Only the final, un-replaced timer should have fired, producing
	// exactly one needsApproval-bearing snapshot (it stays pending until
	// resolved, so every subsequent snapshot while still pending also
	// counts — assert instead that the *transition into* pending happened
	// exactly once by checking the published status changed to waiting
	// exactly once across the run).
	transitions := 0
	prev := ""
	for _, snap := range n.updates {
		if snap.PublishedStatus == "waiting" && prev != "waiting" {
			transitions++
		}
		prev = snap.PublishedStatus
	}
	if transitions != 1 {
		t.Fatalf("got %d transitions into waiting/needsApproval, want exactly 1", transitions)
	}
	_ = pendingCount
}

func TestT4_CancellationProducesZero(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S8", "", "", "", time.Now())
	r.PreToolUse("S8", "Bash", "T1", nil, time.Now())
	r.PermissionRequest("S8", "Bash", "T1", nil)
	r.PostToolUse("S8", "Bash", "T1")

	time.Sleep(60 * time.Millisecond)

	for _, snap := range n.updates {
		if snap.HasPendingToolUse {
			t.Fatalf("cancelled debounce must never produce a needsApproval snapshot")
		}
	}
}

// Idempotent hooks: repeating Stop while already waiting produces no
// additional transitions.
func TestIdempotentRepeatedStop(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S9", "", "", "", time.Now())
	r.Stop("S9")
	before := n.count()
	r.Stop("S9")
	if after := n.count(); after != before {
		t.Fatalf("repeated Stop produced %d new updates, want 0", after-before)
	}
}

// PostToolUse for an unknown toolUseId is a no-op w.r.t. state.
func TestPostToolUseUnknownToolUseIDIsNoop(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S10", "", "", "", time.Now())
	before := r.Store().Get("S10").Snapshot().PublishedStatus
	r.PostToolUse("S10", "Bash", "unknown-id")
	after := r.Store().Get("S10").Snapshot().PublishedStatus
	if before != after {
		t.Fatalf("unknown toolUseId changed status from %s to %s", before, after)
	}
}

// RemoveSession publishes exactly one delete with the last known snapshot.
func TestRemoveSessionPublishesExactlyOneDelete(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S11", "/tmp/s11.jsonl", "/tmp/c11", "hi", time.Now())
	r.RemoveSession("S11")

	if len(n.deletes) != 1 {
		t.Fatalf("got %d deletes, want 1", len(n.deletes))
	}
	if n.deletes[0].SessionID != "S11" {
		t.Fatalf("delete snapshot has wrong sessionId: %s", n.deletes[0].SessionID)
	}
	if r.Store().Get("S11") != nil {
		t.Fatalf("session still present in store after RemoveSession")
	}
}

// Three consecutive tailer failures escalate source health to failed; one
// success resets the counter and the status drops back to healthy.
func TestSourceHealthTailerFailureEscalatesThenRecovers(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S12", "/tmp/s12.jsonl", "/tmp/c12", "hi", time.Now())

	r.ReportTailerFailure("S12")
	if got := n.last().SourceHealth.Status; got != HealthHealthy {
		t.Fatalf("got %s after 1 failure, want %s (below degraded threshold)", got, HealthHealthy)
	}

	r.ReportTailerFailure("S12")
	r.ReportTailerFailure("S12")
	if got := n.last().SourceHealth.Status; got != HealthFailed {
		t.Fatalf("got %s after 3 failures, want %s", got, HealthFailed)
	}

	r.ReportTailerSuccess("S12")
	if got := n.last().SourceHealth.Status; got != HealthHealthy {
		t.Fatalf("got %s after success, want %s", got, HealthHealthy)
	}
}

// A git-probe failure surfaces the same SourceHealth side-channel as a
// tailer failure, combined via the worse of the two counters.
func TestSourceHealthGitProbeFailureSurfaces(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S13", "/tmp/s13.jsonl", "/tmp/c13", "hi", time.Now())

	r.ReportGitProbeFailure("S13")
	r.ReportGitProbeFailure("S13")
	r.ReportGitProbeFailure("S13")
	if got := n.last().SourceHealth.Status; got != HealthFailed {
		t.Fatalf("got %s after 3 git-probe failures, want %s", got, HealthFailed)
	}

	r.ReportGitProbeSuccess("S13")
	if got := n.last().SourceHealth.Status; got != HealthHealthy {
		t.Fatalf("got %s after git-probe recovery, want %s", got, HealthHealthy)
	}
}

// SetDisplayName is latest-wins and a no-op for an empty name.
func TestSetDisplayName(t *testing.T) {
	n := &recordingNotifier{}
	r := New(fastTestConfig(), n, newRecordingAudit())

	r.UserPromptSubmit("S14", "/tmp/s14.jsonl", "/tmp/c14", "hi", time.Now())

	r.SetDisplayName("S14", "refactor auth middleware")
	if got := n.last().DisplayName; got != "refactor auth middleware" {
		t.Fatalf("got %q, want %q", got, "refactor auth middleware")
	}

	before := n.count()
	r.SetDisplayName("S14", "")
	if after := n.count(); after != before {
		t.Fatalf("empty display name produced a publish, want no-op")
	}
}

// UpdateConfig's PermissionDelay and StaleThreshold are read fresh at every
// use site, so they take effect on the very next call without restarting
// anything.
func TestUpdateConfigAppliesLiveForReadFreshFields(t *testing.T) {
	r := New(fastTestConfig(), nil, nil)
	if got := r.permissionDelay(); got != 30*time.Millisecond {
		t.Fatalf("got initial permissionDelay=%v, want 30ms", got)
	}

	r.UpdateConfig(Config{PermissionDelay: 5 * time.Millisecond, StaleThreshold: time.Minute, StaleCheckInterval: time.Hour})

	if got := r.permissionDelay(); got != 5*time.Millisecond {
		t.Fatalf("got permissionDelay=%v after UpdateConfig, want 5ms", got)
	}
	if got := r.staleThreshold(); got != time.Minute {
		t.Fatalf("got staleThreshold=%v after UpdateConfig, want 1m", got)
	}
}
