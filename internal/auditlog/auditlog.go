// Package auditlog implements the per-session append-only audit log and
// the HTTP server that exposes it at GET /logs/{sessionId}, hosted on the
// same mux as POST /hook per spec.md §4.7.
package auditlog

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// sessionIDPattern matches spec.md §6/§8 (T7): reject any id containing
// '/', '\', '.', or NUL bytes by construction (the pattern only allows
// word chars and '-').
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Log writes append-only per-session text files under dir. Writes are
// fire-and-forget: errors are logged and swallowed per spec.md §7's
// TransientIO policy ("audit append failure... swallowed best-effort").
type Log struct {
	dir string
	mu  sync.Mutex
}

// New constructs a Log rooted at dir, creating it if necessary.
func New(dir string) *Log {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("auditlog: failed to create log directory %s: %v", dir, err)
	}
	return &Log{dir: dir}
}

func (l *Log) pathFor(sessionID string) (string, bool) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", false
	}
	return filepath.Join(l.dir, sessionID+".log"), true
}

// WriteLine appends one line (with a trailing newline) to the session's
// audit file. Implements registry.AuditWriter.
func (l *Log) WriteLine(sessionID, line string) {
	path, ok := l.pathFor(sessionID)
	if !ok {
		log.Printf("auditlog: refusing to write line for invalid session id %q", sessionID)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("auditlog: open failed for %s: %v", sessionID, err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		log.Printf("auditlog: write failed for %s: %v", sessionID, err)
	}
}

// Server serves GET /logs/{sessionId} and OPTIONS preflight.
type Server struct {
	log *Log
}

// NewServer wraps a Log for HTTP serving.
func NewServer(l *Log) *Server {
	return &Server{log: l}
}

// Register attaches the handler to mux at /logs/.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/logs/", s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/logs/")
	path, ok := s.log.pathFor(sessionID)
	if !ok {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sessionID+`.log"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
