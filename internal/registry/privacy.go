package registry

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter applies masking and path-based filtering to published
// snapshots before they reach subscribers. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskSessionIDs  bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a session with the given working directory
// should be published at all. An empty working directory is always allowed
// (the session hasn't resolved its cwd yet). When AllowedPaths is non-empty,
// the path must match at least one pattern; it must then not match any
// BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(cwd string) bool {
	if cwd == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if globMatchesAncestry(pattern, cwd) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if globMatchesAncestry(pattern, cwd) {
			return false
		}
	}

	return true
}

// globMatchesAncestry reports whether pattern matches cwd or any directory
// above it, so a single glob like "/home/user/*" covers every project
// checked out under it without needing one entry per working directory.
func globMatchesAncestry(pattern, cwd string) bool {
	for dir := cwd; dir != "." && dir != "" && dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if matched, _ := filepath.Match(pattern, dir); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of the snapshot with sensitive fields masked
// according to the filter configuration. The original snapshot is never
// modified.
func (f *PrivacyFilter) Apply(s Snapshot) Snapshot {
	masked := s

	if f.MaskWorkingDirs {
		if masked.Cwd != "" {
			masked.Cwd = filepath.Base(masked.Cwd)
		}
		if masked.RepoRootPath != "" {
			masked.RepoRootPath = filepath.Base(masked.RepoRootPath)
		}
		if masked.WorktreeRoot != "" {
			masked.WorktreeRoot = filepath.Base(masked.WorktreeRoot)
		}
	}

	if f.MaskSessionIDs && masked.SessionID != "" {
		masked.SessionID = opaqueSessionID(masked.SessionID)
	}

	return masked
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskSessionIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

// opaqueSessionID replaces a session id with a short, stable digest that
// can't be reversed to the original id but still lets a subscriber tell two
// masked sessions apart.
func opaqueSessionID(id string) string {
	h := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", h[:6])
}
