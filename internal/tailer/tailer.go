// Package tailer watches a directory tree of append-only session log files
// and extracts content metadata for the registry (spec.md §4.4). It never
// drives machine transitions directly; its only session-creating path is
// bootstrapping a session that has a log file but never received a hook.
package tailer

import (
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/anthropics/agent-session-daemon/internal/registry"
)

// sidechainPattern matches sub-agent sidechain log filenames, which are
// ignored per spec.md §4.4/§6.
var sidechainPattern = regexp.MustCompile(`-sidechain\.jsonl$`)

// maxWatchDepth bounds the recursive directory watch per spec.md §6
// ("watched recursively, depth ≈ 2").
const maxWatchDepth = 2

// fileState is the tailer's per-file bookkeeping: byte offset and running
// message count, since the registry stores only the cumulative total.
type fileState struct {
	sessionID    string
	offset       int64
	messageCount int
	coalesce     *time.Timer
}

// Tailer watches logRoot and feeds content metadata into reg.
type Tailer struct {
	logRoot       string
	reg           *registry.Registry
	coalesceDelay time.Duration

	mu      sync.Mutex
	files   map[string]*fileState
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New constructs a Tailer rooted at logRoot.
func New(logRoot string, reg *registry.Registry, coalesceDelay time.Duration) (*Tailer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t := &Tailer{
		logRoot:       logRoot,
		reg:           reg,
		coalesceDelay: coalesceDelay,
		files:         make(map[string]*fileState),
		watcher:       w,
		stop:          make(chan struct{}),
	}
	return t, nil
}

// Start watches logRoot (and subdirectories to maxWatchDepth), processes
// any files that already exist (bootstrap path), and begins handling
// fsnotify events. It's a Fatal-class error per spec.md §7 if the initial
// watch setup fails.
func (t *Tailer) Start() error {
	if err := t.addTreeWatches(t.logRoot, 0); err != nil {
		return err
	}
	t.scanExisting(t.logRoot, 0)
	go t.loop()
	return nil
}

// Stop halts the watcher goroutine and closes the underlying fsnotify
// watcher.
func (t *Tailer) Stop() {
	close(t.stop)
	t.watcher.Close()
}

func (t *Tailer) addTreeWatches(dir string, depth int) error {
	if depth > maxWatchDepth {
		return nil
	}
	if err := t.watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := t.addTreeWatches(filepath.Join(dir, e.Name()), depth+1); err != nil {
				log.Printf("tailer: failed to watch %s: %v", filepath.Join(dir, e.Name()), err)
			}
		}
	}
	return nil
}

func (t *Tailer) scanExisting(dir string, depth int) {
	if depth > maxWatchDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			t.scanExisting(path, depth+1)
			continue
		}
		if t.isTrackable(e.Name()) {
			t.scheduleProcess(path)
		}
	}
}

func (t *Tailer) isTrackable(name string) bool {
	if !strings.HasSuffix(name, ".jsonl") {
		return false
	}
	return !sidechainPattern.MatchString(name)
}

func (t *Tailer) loop() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("tailer: watcher error: %v", err)
		case <-t.stop:
			return
		}
	}
}

func (t *Tailer) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !t.isTrackable(name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		t.handleRemove(event.Name)
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		t.scheduleProcess(event.Name)
	}
}

// scheduleProcess coalesces rapid writes to the same file via a per-file
// debounce timer (~200ms default, latest-wins) per spec.md §4.4/§5.
func (t *Tailer) scheduleProcess(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.files[path]
	if !ok {
		st = &fileState{}
		t.files[path] = st
	}
	if st.coalesce != nil {
		st.coalesce.Stop()
	}
	st.coalesce = time.AfterFunc(t.coalesceDelay, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("tailer: recovered panic processing %s: %v", path, r)
			}
		}()
		t.process(path)
	})
}

// process reads new bytes from the file's last known offset, updates
// content metadata, and bootstraps a session if none exists yet.
func (t *Tailer) process(path string) {
	t.mu.Lock()
	st, ok := t.files[path]
	if !ok {
		st = &fileState{}
		t.files[path] = st
	}
	offset := st.offset
	t.mu.Unlock()

	res, err := parseFrom(path, offset)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("tailer: parse failed for %s: %v", path, err)
		t.mu.Lock()
		sid := st.sessionID
		t.mu.Unlock()
		if sid == "" {
			sid = sessionIDFromPath(path)
		}
		t.reg.ReportTailerFailure(sid)
		return
	}
	if os.IsNotExist(err) {
		t.handleRemove(path)
		return
	}

	t.mu.Lock()
	st.messageCount += res.messageCountDelta
	st.offset = res.newOffset
	messageCount := st.messageCount
	sessionID := st.sessionID
	t.mu.Unlock()

	if sessionID == "" {
		sessionID = sessionIDFromPath(path)
		t.mu.Lock()
		st.sessionID = sessionID
		t.mu.Unlock()
	}

	if t.reg.Store().Get(sessionID) == nil {
		info, statErr := os.Stat(path)
		startedAt := time.Now()
		if statErr == nil {
			startedAt = info.ModTime()
		}
		t.reg.BootstrapFromLog(sessionID, path, filepath.Dir(path), startedAt)
	}

	t.reg.ReportTailerSuccess(sessionID)

	if res.displayName != "" {
		t.reg.SetDisplayName(sessionID, res.displayName)
	}

	if !res.lastActivityAt.IsZero() || messageCount > 0 || res.todoProgress != nil {
		activityAt := res.lastActivityAt
		if activityAt.IsZero() {
			activityAt = time.Now()
		}
		t.reg.UpdateContentMetadata(sessionID, activityAt, messageCount, res.todoProgress, st.offset)
	}
}

func (t *Tailer) handleRemove(path string) {
	t.mu.Lock()
	st, ok := t.files[path]
	delete(t.files, path)
	t.mu.Unlock()
	if !ok {
		return
	}
	if st.coalesce != nil {
		st.coalesce.Stop()
	}
	if st.sessionID != "" {
		t.reg.RemoveSession(st.sessionID)
	}
}

// sessionIDFromPath derives a session id from a log filename when no hook
// has supplied one yet, mirroring the teacher's SessionIDFromPath
// (filename stem, extension stripped).
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
