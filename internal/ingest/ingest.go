// Package ingest implements the hook HTTP endpoint: payload decoding,
// validation, and dispatch into the registry. It owns no session state of
// its own — every mutation happens through internal/registry's exported
// dispatch methods, each acquiring the session's own mutex.
package ingest

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/gitprobe"
	"github.com/anthropics/agent-session-daemon/internal/registry"
)

// maxBodyBytes bounds the hook request body per spec.md §5 ("payloads >N
// bytes, implementation's choice, >= 64 KiB, rejected with 413").
const maxBodyBytes = 256 * 1024

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// loggingOnlyHooks never drive the machine; they're appended to the audit
// log verbatim.
var loggingOnlyHooks = map[string]bool{
	"SessionStart":  true,
	"SubagentStart": true,
	"SubagentStop":  true,
	"TeammateIdle":  true,
	"TaskCompleted": true,
	"Notification":  true,
}

var knownHookEvents = map[string]bool{
	"SessionStart":       true,
	"UserPromptSubmit":   true,
	"PreToolUse":         true,
	"PermissionRequest":  true,
	"PostToolUse":        true,
	"PostToolUseFailure": true,
	"Stop":               true,
	"SessionEnd":         true,
	"PreCompact":         true,
	"Notification":       true,
	"SubagentStart":      true,
	"SubagentStop":       true,
	"TeammateIdle":       true,
	"TaskCompleted":      true,
}

// payload mirrors spec.md §6's recognized hook fields. Unknown extra fields
// are tolerated automatically because we only decode into named fields.
type payload struct {
	HookEventName  string         `json:"hookEventName"`
	SessionID      string         `json:"sessionId"`
	TranscriptPath string         `json:"transcriptPath"`
	Cwd            string         `json:"cwd"`
	ToolName       string         `json:"toolName"`
	ToolUseID      string         `json:"toolUseId"`
	ToolInput      map[string]any `json:"toolInput"`
	PermissionMode string         `json:"permissionMode"`
	Reason         string         `json:"reason"`
	Prompt         string         `json:"prompt"`
	Source         string         `json:"source"`
	AgentID        string         `json:"agentId"`
	AgentType      string         `json:"agentType"`
}

// Handler serves POST /hook.
type Handler struct {
	reg    *registry.Registry
	prober *gitprobe.Prober
	ready  func() bool
}

// NewHandler constructs a Handler bound to reg. ready reports whether the
// registry is initialized and able to accept hooks (spec.md §7's
// SessionNotReady -> 503); pass nil to always report ready. prober may be
// nil, in which case sessions never get git info attached.
func NewHandler(reg *registry.Registry, prober *gitprobe.Prober, ready func() bool) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{reg: reg, prober: prober, ready: ready}
}

// Register attaches the handler to mux at POST /hook.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/hook", h.handleHook)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Handler) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.ready() {
		writeJSONError(w, http.StatusServiceUnavailable, "registry not ready")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if p.SessionID == "" || !sessionIDPattern.MatchString(p.SessionID) {
		writeJSONError(w, http.StatusBadRequest, "missing or invalid sessionId")
		return
	}
	if p.HookEventName == "" || !knownHookEvents[p.HookEventName] {
		writeJSONError(w, http.StatusBadRequest, "missing or unknown hookEventName")
		return
	}

	failed := false
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("ingest: recovered panic handling %s for %s: %v", p.HookEventName, p.SessionID, rec)
				failed = true
			}
		}()
		h.dispatch(p)
	}()
	if failed {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// dispatch implements spec.md §4.2's table, translating one validated
// payload into the appropriate registry call.
func (h *Handler) dispatch(p payload) {
	now := time.Now()

	if loggingOnlyHooks[p.HookEventName] {
		h.reg.LoggingOnly(p.SessionID, p.HookEventName)
		return
	}

	switch p.HookEventName {
	case "UserPromptSubmit":
		h.reg.UserPromptSubmit(p.SessionID, p.TranscriptPath, p.Cwd, p.Prompt, now)
		h.probeGitAsync(p.SessionID, p.Cwd)
	case "PermissionRequest":
		h.reg.PermissionRequest(p.SessionID, p.ToolName, p.ToolUseID, p.ToolInput)
	case "PreToolUse":
		h.reg.PreToolUse(p.SessionID, p.ToolName, p.ToolUseID, p.ToolInput, now)
	case "PostToolUse":
		h.reg.PostToolUse(p.SessionID, p.ToolName, p.ToolUseID)
	case "PostToolUseFailure":
		h.reg.PostToolUseFailure(p.SessionID, p.ToolName, p.ToolUseID)
	case "Stop":
		h.reg.Stop(p.SessionID)
	case "SessionEnd":
		h.reg.SessionEnd(p.SessionID, p.Reason)
	case "PreCompact":
		h.reg.PreCompact(p.SessionID, now)
	}
}

// probeGitAsync resolves cwd's git info off the hook-response path: a
// git-probe failure is TransientIO (spec.md §7) and must never delay or
// fail the hook response.
func (h *Handler) probeGitAsync(sessionID, cwd string) {
	if h.prober == nil || cwd == "" {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("ingest: recovered panic probing git info for %s: %v", sessionID, rec)
			}
		}()
		info, err := h.prober.Resolve(cwd)
		if err != nil {
			h.reg.ReportGitProbeFailure(sessionID)
			return
		}
		h.reg.ReportGitProbeSuccess(sessionID)
		h.reg.SetGitInfo(sessionID, info.RepoRootPath, info.RepoURL, info.RepoID, info.Branch, info.IsWorktree, info.WorktreeRoot)
	}()
}
