// Package gitbackend maps tracked files of registered git repositories to
// one-block-per-file CRDT documents keyed `<repo>:<branch>`, lazily loaded
// on first access and debounce-flushed back to disk, with binary files
// passed through untouched (spec.md §4.6 Git backend).
//
// Grounded on _examples/sidedotdev-sidekick/clone_repo_activity.go (the
// only corpus file that actually drives github.com/go-git/go-git/v5) for
// the library's basic shape, and on
// _examples/homveloper-boss-raid-game/luvjson/crdtsync/sync_manager.go's
// debounce-timer idiom, shared with internal/configbackend, for the
// dirty-path flush pipeline.
package gitbackend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"blockweave/internal/block"
	"blockweave/internal/blockcrdt"
	"blockweave/internal/blockstore"
	"blockweave/internal/flowbus"
	"blockweave/internal/ids"
)

const debounceQuiescence = 500 * time.Millisecond
const flushingGuardWindow = 250 * time.Millisecond

// binarySniffWindow is how many leading bytes the NUL-byte binary check
// inspects (spec.md §4.6: "presence of a NUL byte in the first 8 KB").
const binarySniffWindow = 8192

// repoState is one registered repository's live state: which branch's
// document is currently active, and the per-path bookkeeping needed to
// lazily load, flush, and ignore-echo files the same way configbackend
// does for a single config directory.
type repoState struct {
	name         string
	realPath     string // canonical path to the actual repository
	worktreePath string // well-known symlink pointing at realPath
	repo         *git.Repository
	principal    ids.PrincipalId // deterministic synthetic author for this repo's blocks

	mu        sync.Mutex
	branch    string
	contextID ids.ContextId
	blockIDs  map[string]ids.BlockId // relPath -> block, for the active branch's document
	binary    map[string]bool        // relPath -> true once sniffed as binary
	timers    map[string]*time.Timer
	flushing  map[string]bool
}

// Backend manages every registered repository.
type Backend struct {
	worktreesDir string
	store        *blockstore.BlockStore
	flow         *flowbus.ConfigFlow
	owner        ids.PrincipalId
	watcher      *fsnotify.Watcher

	mu          sync.Mutex
	repos       map[string]*repoState
	watchedDirs map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// New roots a Backend at worktreesDir (created if missing), the "well-known
// worktrees directory" spec.md §4.6 names for repo-registration symlinks.
func New(worktreesDir string, store *blockstore.BlockStore, flow *flowbus.ConfigFlow, owner ids.PrincipalId) (*Backend, error) {
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &Backend{
		worktreesDir: filepath.Clean(worktreesDir),
		store:        store,
		flow:         flow,
		owner:        owner,
		watcher:      watcher,
		repos:        make(map[string]*repoState),
		watchedDirs:  make(map[string]bool),
		done:         make(chan struct{}),
	}
	go b.watchLoop()
	return b, nil
}

func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		for _, rs := range b.repos {
			rs.mu.Lock()
			for _, t := range rs.timers {
				t.Stop()
			}
			rs.mu.Unlock()
		}
		b.mu.Unlock()
	})
	return b.watcher.Close()
}

// RegisterRepo opens the repository at realPath, symlinks it into the
// worktrees directory, and ensures a document exists for its currently
// checked-out branch (spec.md §4.6: "Repo registration creates a symlink
// from a well-known worktrees directory to the actual repository path").
func (b *Backend) RegisterRepo(ctx context.Context, name, realPath string) error {
	canon, err := filepath.EvalSymlinks(realPath)
	if err != nil {
		canon = filepath.Clean(realPath)
	}
	repo, err := git.PlainOpen(canon)
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return err
	}
	branch := head.Name().Short()

	worktreePath := filepath.Join(b.worktreesDir, name)
	if _, err := os.Lstat(worktreePath); os.IsNotExist(err) {
		if err := os.Symlink(canon, worktreePath); err != nil {
			return err
		}
	}

	rs := &repoState{
		name:         name,
		realPath:     canon,
		worktreePath: worktreePath,
		repo:         repo,
		principal:    ids.PrincipalIdFromName("git:" + name),
		blockIDs:     make(map[string]ids.BlockId),
		binary:       make(map[string]bool),
		timers:       make(map[string]*time.Timer),
		flushing:     make(map[string]bool),
	}

	b.mu.Lock()
	b.repos[name] = rs
	b.mu.Unlock()

	if err := b.watchDirRecursive(canon); err != nil {
		return err
	}
	return b.ensureDocumentForBranch(ctx, rs, branch)
}

func (b *Backend) ensureDocumentForBranch(ctx context.Context, rs *repoState, branch string) error {
	_, contextID, err := b.store.CreateDocument(ctx, b.owner, rs.name+":"+branch, true)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	rs.branch = branch
	rs.contextID = contextID
	rs.blockIDs = make(map[string]ids.BlockId)
	rs.binary = make(map[string]bool)
	rs.mu.Unlock()
	return nil
}

func (b *Backend) repoState(name string) (*repoState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.repos[name]
	if !ok {
		return nil, ErrRepoNotRegistered{Name: name}
	}
	return rs, nil
}

// Read returns a tracked file's content, loading it from disk into a new
// CRDT block on first access and serving the CRDT afterward. Binary files
// (spec.md §4.6: a NUL byte in the first 8 KB) are read straight from disk
// every time and never enter the CRDT.
func (b *Backend) Read(ctx context.Context, repoName, relPath string) (string, error) {
	rs, err := b.repoState(repoName)
	if err != nil {
		return "", err
	}
	relPath = filepath.ToSlash(filepath.Clean(relPath))

	rs.mu.Lock()
	blockID, loaded := rs.blockIDs[relPath]
	isBin := rs.binary[relPath]
	rs.mu.Unlock()

	diskPath := filepath.Join(rs.worktreePath, filepath.FromSlash(relPath))

	if isBin {
		data, err := os.ReadFile(diskPath)
		return string(data), err
	}
	if loaded {
		doc, err := b.store.GetDocument(ctx, rs.contextID, b.owner)
		if err != nil {
			return "", err
		}
		snap, err := doc.Snapshot(blockID)
		if err != nil {
			return "", err
		}
		return snap.Content, nil
	}

	data, err := os.ReadFile(diskPath)
	if err != nil {
		return "", err
	}
	if isBinaryContent(data) {
		rs.mu.Lock()
		rs.binary[relPath] = true
		rs.mu.Unlock()
		return string(data), nil
	}

	id := ids.DeterministicBlockId(rs.contextID, rs.principal, relPath)
	err = b.store.Mutate(ctx, rs.contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		return d.InsertBlockWithID(id, nil, block.RoleSystem, block.KindText, string(data), nil)
	})
	if err != nil {
		return "", err
	}
	rs.mu.Lock()
	rs.blockIDs[relPath] = id
	rs.mu.Unlock()
	return string(data), nil
}

// Write replaces a tracked file's CRDT content and schedules a debounced
// flush to disk; binary files return ErrBinaryFile.
func (b *Backend) Write(ctx context.Context, repoName, relPath, content string) error {
	rs, err := b.repoState(repoName)
	if err != nil {
		return err
	}
	relPath = filepath.ToSlash(filepath.Clean(relPath))

	if _, loadErr := b.Read(ctx, repoName, relPath); loadErr != nil {
		return loadErr
	}
	rs.mu.Lock()
	if rs.binary[relPath] {
		rs.mu.Unlock()
		return ErrBinaryFile{Path: relPath}
	}
	blockID := rs.blockIDs[relPath]
	rs.mu.Unlock()

	err = b.store.Mutate(ctx, rs.contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		snap, err := d.Snapshot(blockID)
		if err != nil {
			return err
		}
		return d.EditText(blockID, blockcrdt.FieldContent, 0, content, len([]rune(snap.Content)))
	})
	if err != nil {
		return err
	}
	b.scheduleFlush(rs, relPath)
	return nil
}

// SwitchBranch flushes dirty files, checks out branch on disk, and ensures
// a document exists for it (spec.md §4.6: "flush dirty files, perform git
// checkout on disk, ensure a document exists for the new branch").
func (b *Backend) SwitchBranch(ctx context.Context, repoName, branch string) error {
	rs, err := b.repoState(repoName)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	pending := make([]string, 0, len(rs.timers))
	for path, t := range rs.timers {
		t.Stop()
		pending = append(pending, path)
	}
	rs.timers = make(map[string]*time.Timer)
	rs.mu.Unlock()
	for _, path := range pending {
		b.flushToDisk(rs, path)
	}

	wt, err := rs.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  true,
	}); err != nil {
		return err
	}
	return b.ensureDocumentForBranch(ctx, rs, branch)
}

func (b *Backend) scheduleFlush(rs *repoState, relPath string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if t, ok := rs.timers[relPath]; ok {
		t.Stop()
	}
	rs.timers[relPath] = time.AfterFunc(debounceQuiescence, func() {
		rs.mu.Lock()
		delete(rs.timers, relPath)
		rs.mu.Unlock()
		b.flushToDisk(rs, relPath)
	})
}

func (b *Backend) flushToDisk(rs *repoState, relPath string) {
	rs.mu.Lock()
	blockID, ok := rs.blockIDs[relPath]
	rs.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	doc, err := b.store.GetDocument(ctx, rs.contextID, b.owner)
	if err != nil {
		return
	}
	snap, err := doc.Snapshot(blockID)
	if err != nil {
		return
	}
	diskPath := filepath.Join(rs.worktreePath, filepath.FromSlash(relPath))
	rs.mu.Lock()
	rs.flushing[relPath] = true
	rs.mu.Unlock()
	time.AfterFunc(flushingGuardWindow, func() {
		rs.mu.Lock()
		delete(rs.flushing, relPath)
		rs.mu.Unlock()
	})
	if err := os.WriteFile(diskPath, []byte(snap.Content), 0o644); err != nil {
		return
	}
	if b.flow != nil {
		b.flow.Publish(flowbus.ConfigEvent{
			Context: rs.contextID, Block: blockID, Path: relPath,
			Kind: flowbus.ConfigEventChanged, Origin: flowbus.OriginLocal,
		})
	}
}

func isBinaryContent(data []byte) bool {
	n := len(data)
	if n > binarySniffWindow {
		n = binarySniffWindow
	}
	return bytes.IndexByte(data[:n], 0) != -1
}

func (b *Backend) watchDirRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		b.mu.Lock()
		already := b.watchedDirs[path]
		b.watchedDirs[path] = true
		b.mu.Unlock()
		if already {
			return nil
		}
		return b.watcher.Add(path)
	})
}

func (b *Backend) findRepoForPath(absPath string) (*repoState, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rs := range b.repos {
		rel, err := filepath.Rel(rs.worktreePath, absPath)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return rs, filepath.ToSlash(rel), true
	}
	return nil, "", false
}

func (b *Backend) watchLoop() {
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rs, relPath, ok := b.findRepoForPath(ev.Name)
			if !ok {
				continue
			}
			rs.mu.Lock()
			_, loaded := rs.blockIDs[relPath]
			flushing := rs.flushing[relPath]
			rs.mu.Unlock()
			if !loaded || flushing {
				continue
			}
			b.scheduleReload(rs, relPath)
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *Backend) scheduleReload(rs *repoState, relPath string) {
	rs.mu.Lock()
	if t, ok := rs.timers[relPath]; ok {
		t.Stop()
	}
	rs.timers[relPath] = time.AfterFunc(debounceQuiescence, func() {
		rs.mu.Lock()
		delete(rs.timers, relPath)
		rs.mu.Unlock()
		b.reloadFromDisk(rs, relPath)
	})
	rs.mu.Unlock()
}

func (b *Backend) reloadFromDisk(rs *repoState, relPath string) {
	rs.mu.Lock()
	blockID, ok := rs.blockIDs[relPath]
	rs.mu.Unlock()
	if !ok {
		return
	}
	diskPath := filepath.Join(rs.worktreePath, filepath.FromSlash(relPath))
	data, err := os.ReadFile(diskPath)
	if err != nil {
		return
	}
	if isBinaryContent(data) {
		return
	}
	ctx := context.Background()
	err = b.store.Mutate(ctx, rs.contextID, flowbus.OriginRemote, func(d *blockcrdt.Document) error {
		snap, err := d.Snapshot(blockID)
		if err != nil {
			return err
		}
		return d.EditText(blockID, blockcrdt.FieldContent, 0, string(data), len([]rune(snap.Content)))
	})
	if err != nil {
		return
	}
	if b.flow != nil {
		b.flow.Publish(flowbus.ConfigEvent{
			Context: rs.contextID, Block: blockID, Path: relPath,
			Kind: flowbus.ConfigEventChanged, Origin: flowbus.OriginRemote,
		})
	}
}
