// Package gitprobe resolves a working directory to its repository
// identity — root path, remote URL, a stable repo id, current branch, and
// worktree-ness — per spec.md §2 item 7 and §6. It is an external
// collaborator in spec.md's sense (the git repository itself lives outside
// the daemon); this package is the daemon's client for it.
package gitprobe

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
)

// Info is the resolved git identity of a working directory.
type Info struct {
	RepoRootPath string `json:"repoRootPath"`
	RepoURL      string `json:"repoUrl"`
	RepoID       string `json:"repoId"`
	IsWorktree   bool   `json:"isWorktree"`
	WorktreeRoot string `json:"worktreeRoot"`
	Branch       string `json:"-"`
}

type cacheEntry struct {
	info      Info
	expiresAt time.Time
}

// Prober resolves cwd -> Info with an in-memory TTL cache and a
// fire-and-forget on-disk JSON cache, matching spec.md §5's "in-memory
// git-info cache with a ~60s TTL" and "persistent on-disk JSON cache... to
// allow grouping sessions under their repository even after the worktree is
// deleted".
type Prober struct {
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	diskPath  string
	writeCh   chan diskCacheEntry
	closeOnce sync.Once
	done      chan struct{}
}

type diskCacheEntry struct {
	cwd  string
	info Info
}

// New constructs a Prober. diskCachePath is the conventional on-disk JSON
// cache location (spec.md §6); pass "" to disable persistence.
func New(ttl time.Duration, diskCachePath string) *Prober {
	p := &Prober{
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
		diskPath: diskCachePath,
		writeCh:  make(chan diskCacheEntry, 64),
		done:     make(chan struct{}),
	}
	if diskCachePath != "" {
		p.loadDiskCache()
		go p.drainWrites()
	}
	return p
}

// Close stops the background disk-cache writer.
func (p *Prober) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Resolve returns the git Info for cwd, using the in-memory cache when
// fresh, otherwise probing the filesystem via go-git and repopulating both
// caches. A cwd that simply isn't a git repository yields a zero-value Info
// and a nil error — per spec.md §7, that's not an error condition, just an
// absent result. Any other probe error (corrupt .git, permission denied)
// is a genuine failure: logged and returned to the caller so it can feed
// the source-health failure counter.
func (p *Prober) Resolve(cwd string) (Info, error) {
	p.mu.Lock()
	if e, ok := p.cache[cwd]; ok && time.Now().Before(e.expiresAt) {
		p.mu.Unlock()
		return e.info, nil
	}
	p.mu.Unlock()

	info, err := probe(cwd)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, nil
		}
		log.Printf("gitprobe: probe failed for %s: %v", cwd, err)
		return Info{}, err
	}

	p.mu.Lock()
	p.cache[cwd] = cacheEntry{info: info, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()

	if p.diskPath != "" {
		select {
		case p.writeCh <- diskCacheEntry{cwd: cwd, info: info}:
		default:
			// Best-effort: drop the write rather than block the caller.
		}
	}

	return info, nil
}

// probe does the actual go-git work for one cwd.
func probe(cwd string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(cwd, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Info{}, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Info{}, fmt.Errorf("worktree: %w", err)
	}
	rootPath := wt.Filesystem.Root()

	var remoteURL string
	if remote, err := repo.Remote("origin"); err == nil {
		cfg := remote.Config()
		if len(cfg.URLs) > 0 {
			remoteURL = cfg.URLs[0]
		}
	}

	var branch string
	head, err := repo.Head()
	if err == nil && head.Name().IsBranch() {
		branch = head.Name().Short()
	}

	isWorktree, worktreeRoot := detectLinkedWorktree(repo, rootPath)

	repoID := repoID(remoteURL, rootPath)

	return Info{
		RepoRootPath: rootPath,
		RepoURL:      remoteURL,
		RepoID:       repoID,
		IsWorktree:   isWorktree,
		WorktreeRoot: worktreeRoot,
		Branch:       branch,
	}, nil
}

// detectLinkedWorktree reports whether rootPath is a linked worktree (its
// git dir is a .git *file* pointing elsewhere, the standard linked-worktree
// layout) rather than the repository's main checkout.
func detectLinkedWorktree(repo *git.Repository, rootPath string) (bool, string) {
	dotGit := filepath.Join(rootPath, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return false, ""
	}
	if info.IsDir() {
		return false, ""
	}
	// .git is a file: linked worktree. rootPath itself is the worktree root.
	_ = repo
	return true, rootPath
}

// repoID derives a stable identifier for grouping sessions under the same
// repository even across different worktrees/clones: the remote URL when
// known, else a hash of the root path.
func repoID(remoteURL, rootPath string) string {
	if remoteURL != "" {
		sum := sha256.Sum256([]byte(remoteURL))
		return fmt.Sprintf("%x", sum[:8])
	}
	sum := sha256.Sum256([]byte(rootPath))
	return fmt.Sprintf("%x", sum[:8])
}

// ResolveBranch returns just the branch name for cwd via Resolve, so it
// shares the same cache: within the TTL it returns the cached branch
// without re-probing.
func (p *Prober) ResolveBranch(cwd string) (string, error) {
	info, err := p.Resolve(cwd)
	if err != nil {
		return "", err
	}
	return info.Branch, nil
}

// diskCache is the on-disk JSON shape: { cwd: {repoRootPath, repoUrl,
// repoId, isWorktree, worktreeRoot} } per spec.md §6.
type diskCache map[string]Info

func (p *Prober) loadDiskCache() {
	data, err := os.ReadFile(p.diskPath)
	if err != nil {
		return // missing is fine; tolerate per spec.md §7
	}
	var dc diskCache
	if err := json.Unmarshal(data, &dc); err != nil {
		log.Printf("gitprobe: corrupt disk cache at %s, ignoring: %v", p.diskPath, err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for cwd, info := range dc {
		p.cache[cwd] = cacheEntry{info: info, expiresAt: time.Now().Add(p.ttl)}
	}
}

// drainWrites is the single background goroutine that serializes
// fire-and-forget disk-cache writes, so concurrent Resolve calls never
// block on disk I/O. pending starts seeded from the in-memory cache (which
// loadDiskCache already populated from the existing file) so that entries
// never re-probed this run — most importantly a worktree that has since
// been deleted and will never be resolved again — are carried forward into
// every flush instead of being dropped from the persisted file.
func (p *Prober) drainWrites() {
	pending := p.snapshotCache()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	dirty := false

	flush := func() {
		if !dirty {
			return
		}
		if err := p.writeDiskCache(pending); err != nil {
			log.Printf("gitprobe: failed to write disk cache: %v", err)
		}
		dirty = false
	}

	for {
		select {
		case e := <-p.writeCh:
			pending[e.cwd] = e.info
			dirty = true
		case <-ticker.C:
			flush()
		case <-p.done:
			flush()
			return
		}
	}
}

// snapshotCache copies the current in-memory cache into a diskCache map,
// used to seed drainWrites's pending set so already-persisted entries
// survive a flush even if they're never re-probed this run.
func (p *Prober) snapshotCache() diskCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := make(diskCache, len(p.cache))
	for cwd, e := range p.cache {
		dc[cwd] = e.info
	}
	return dc
}

func (p *Prober) writeDiskCache(dc diskCache) error {
	data, err := json.MarshalIndent(dc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.diskPath), 0o755); err != nil {
		return err
	}
	tmp := p.diskPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.diskPath)
}
