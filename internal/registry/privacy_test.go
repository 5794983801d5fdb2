package registry

import "testing"

func TestPrivacyFilterIsNoop(t *testing.T) {
	var f PrivacyFilter
	if !f.IsNoop() {
		t.Fatalf("zero-value filter should be a no-op")
	}
	f.MaskSessionIDs = true
	if f.IsNoop() {
		t.Fatalf("filter with MaskSessionIDs should not be a no-op")
	}
}

func TestPrivacyFilterApplyMasksWorkingDirs(t *testing.T) {
	f := PrivacyFilter{MaskWorkingDirs: true}
	snap := Snapshot{SessionID: "abc123", Cwd: "/home/user/project-a"}
	masked := f.Apply(snap)
	if masked.Cwd != "project-a" {
		t.Fatalf("got Cwd=%q, want project-a", masked.Cwd)
	}
	if masked.SessionID != "abc123" {
		t.Fatalf("MaskSessionIDs is off, session id should be unchanged")
	}
}

func TestPrivacyFilterApplyMasksSessionIDs(t *testing.T) {
	f := PrivacyFilter{MaskSessionIDs: true}
	masked := f.Apply(Snapshot{SessionID: "abc123"})
	if masked.SessionID == "abc123" || masked.SessionID == "" {
		t.Fatalf("expected hashed session id, got %q", masked.SessionID)
	}
}

func TestPrivacyFilterAllowedPaths(t *testing.T) {
	f := PrivacyFilter{AllowedPaths: []string{"/home/user/*"}}
	if !f.IsAllowed("/home/user/work/project-a") {
		t.Fatalf("nested path under an allowed parent should be allowed")
	}
	if f.IsAllowed("/etc/secret") {
		t.Fatalf("path outside allowlist should be rejected")
	}
}

func TestPrivacyFilterBlockedPaths(t *testing.T) {
	f := PrivacyFilter{BlockedPaths: []string{"/home/user/private*"}}
	if f.IsAllowed("/home/user/private-notes") {
		t.Fatalf("blocked path should be rejected")
	}
	if !f.IsAllowed("/home/user/public") {
		t.Fatalf("non-blocked path should be allowed")
	}
}

func TestPrivacyFilterEmptyCwdAlwaysAllowed(t *testing.T) {
	f := PrivacyFilter{AllowedPaths: []string{"/home/user/*"}}
	if !f.IsAllowed("") {
		t.Fatalf("empty cwd (not yet resolved) should always be allowed")
	}
}
