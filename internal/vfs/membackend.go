package vfs

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	kind   FileType
	data   []byte
	target string // populated when kind == FileTypeSymlink
	mode   uint32
	mtime  time.Time
}

// MemBackend is an in-process map-based VfsOps implementation: path ->
// entry variant (File | Directory | Symlink). Ancestor directories are
// auto-created on file/dir creation; hard links are unsupported; the root
// directory always exists and cannot be removed.
//
// Grounded on
// _examples/original_source/crates/kaijutsu-kernel/src/vfs/backends/memory.rs's
// path -> entry map design, translated from its async Tokio RwLock/HashMap
// shape to a plain sync.RWMutex-guarded Go map (spec.md's VFS operations
// are not CPU-bound, so no goroutine pool is warranted for an in-memory
// backend).
type MemBackend struct {
	mu       sync.RWMutex
	entries  map[string]*memEntry
	readOnly bool
}

// NewMemBackend creates an empty memory backend (root directory only).
func NewMemBackend() *MemBackend {
	b := &MemBackend{entries: make(map[string]*memEntry)}
	b.entries[""] = &memEntry{kind: FileTypeDirectory, mode: 0o755, mtime: time.Now()}
	return b
}

// NewReadOnlyMemBackend returns a read-only copy of src's current contents;
// later writes to src are not reflected in it.
func NewReadOnlyMemBackend(src *MemBackend) *MemBackend {
	src.mu.RLock()
	defer src.mu.RUnlock()
	b := &MemBackend{entries: make(map[string]*memEntry, len(src.entries)), readOnly: true}
	for k, v := range src.entries {
		cp := *v
		b.entries[k] = &cp
	}
	return b
}

func normalize(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func parentOf(p string) string {
	p = normalize(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

func baseOf(p string) string {
	p = normalize(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func (b *MemBackend) ensureAncestorsLocked(p string) {
	dir := parentOf(p)
	for {
		if _, ok := b.entries[dir]; ok {
			return
		}
		b.entries[dir] = &memEntry{kind: FileTypeDirectory, mode: 0o755, mtime: time.Now()}
		if dir == "" {
			return
		}
		dir = parentOf(dir)
	}
}

func (b *MemBackend) Getattr(ctx context.Context, p string) (FileAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[normalize(p)]
	if !ok {
		return FileAttr{}, ErrNotFound{Path: p}
	}
	return FileAttr{Kind: e.kind, Size: int64(len(e.data)), Mode: e.mode, ModTime: e.mtime}, nil
}

func (b *MemBackend) Readdir(ctx context.Context, p string) ([]DirEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	norm := normalize(p)
	dirEntry, ok := b.entries[norm]
	if !ok {
		return nil, ErrNotFound{Path: p}
	}
	if dirEntry.kind != FileTypeDirectory {
		return nil, ErrNotDirectory{Path: p}
	}

	seen := make(map[string]bool)
	var out []DirEntry
	for key, e := range b.entries {
		if key == norm || key == "" {
			continue
		}
		if parentOf(key) != norm {
			continue
		}
		name := baseOf(key)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, DirEntry{Name: name, Kind: e.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemBackend) Read(ctx context.Context, p string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[normalize(p)]
	if !ok {
		return nil, ErrNotFound{Path: p}
	}
	if e.kind == FileTypeDirectory {
		return nil, ErrIsDirectory{Path: p}
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

func (b *MemBackend) Readlink(ctx context.Context, p string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[normalize(p)]
	if !ok {
		return "", ErrNotFound{Path: p}
	}
	if e.kind != FileTypeSymlink {
		return "", ErrUnsupported{Message: "readlink on non-symlink: " + p}
	}
	return e.target, nil
}

func (b *MemBackend) Write(ctx context.Context, p string, data []byte) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := normalize(p)
	e, ok := b.entries[norm]
	if !ok {
		b.ensureAncestorsLocked(norm)
		e = &memEntry{kind: FileTypeFile, mode: 0o644}
		b.entries[norm] = e
	}
	if e.kind == FileTypeDirectory {
		return ErrIsDirectory{Path: p}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	e.data = cp
	e.mtime = time.Now()
	return nil
}

func (b *MemBackend) Create(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := normalize(p)
	if _, ok := b.entries[norm]; ok {
		return ErrAlreadyExists{Path: p}
	}
	b.ensureAncestorsLocked(norm)
	b.entries[norm] = &memEntry{kind: FileTypeFile, mode: 0o644, mtime: time.Now()}
	return nil
}

func (b *MemBackend) Mkdir(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := normalize(p)
	if _, ok := b.entries[norm]; ok {
		return ErrAlreadyExists{Path: p}
	}
	b.ensureAncestorsLocked(norm)
	b.entries[norm] = &memEntry{kind: FileTypeDirectory, mode: 0o755, mtime: time.Now()}
	return nil
}

func (b *MemBackend) Unlink(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := normalize(p)
	e, ok := b.entries[norm]
	if !ok {
		return ErrNotFound{Path: p}
	}
	if e.kind == FileTypeDirectory {
		return ErrIsDirectory{Path: p}
	}
	delete(b.entries, norm)
	return nil
}

func (b *MemBackend) Rmdir(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := normalize(p)
	if norm == "" {
		return ErrUnsupported{Message: "cannot remove root"}
	}
	e, ok := b.entries[norm]
	if !ok {
		return ErrNotFound{Path: p}
	}
	if e.kind != FileTypeDirectory {
		return ErrNotDirectory{Path: p}
	}
	for key := range b.entries {
		if key != norm && parentOf(key) == norm {
			return ErrNotEmpty{Path: p}
		}
	}
	delete(b.entries, norm)
	return nil
}

func (b *MemBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	if b.readOnly {
		return ErrReadOnly{Path: oldPath}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	oldNorm := normalize(oldPath)
	newNorm := normalize(newPath)
	e, ok := b.entries[oldNorm]
	if !ok {
		return ErrNotFound{Path: oldPath}
	}
	if _, exists := b.entries[newNorm]; exists {
		return ErrAlreadyExists{Path: newPath}
	}
	b.ensureAncestorsLocked(newNorm)
	prefix := oldNorm + "/"
	for key, sub := range b.entries {
		if key == oldNorm {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			newKey := newNorm + "/" + strings.TrimPrefix(key, prefix)
			b.entries[newKey] = sub
			delete(b.entries, key)
		}
	}
	delete(b.entries, oldNorm)
	b.entries[newNorm] = e
	return nil
}

func (b *MemBackend) Truncate(ctx context.Context, p string, size int64) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[normalize(p)]
	if !ok {
		return ErrNotFound{Path: p}
	}
	if e.kind == FileTypeDirectory {
		return ErrIsDirectory{Path: p}
	}
	if size < 0 {
		size = 0
	}
	if int64(len(e.data)) >= size {
		e.data = e.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, e.data)
		e.data = grown
	}
	e.mtime = time.Now()
	return nil
}

func (b *MemBackend) Setattr(ctx context.Context, p string, attr SetAttr) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[normalize(p)]
	if !ok {
		return ErrNotFound{Path: p}
	}
	if attr.Mode != nil {
		e.mode = *attr.Mode
	}
	if attr.ModTime != nil {
		e.mtime = *attr.ModTime
	}
	if attr.Size != nil {
		if *attr.Size < int64(len(e.data)) {
			e.data = e.data[:*attr.Size]
		}
	}
	return nil
}

func (b *MemBackend) Symlink(ctx context.Context, target, linkPath string) error {
	if b.readOnly {
		return ErrReadOnly{Path: linkPath}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := normalize(linkPath)
	if _, ok := b.entries[norm]; ok {
		return ErrAlreadyExists{Path: linkPath}
	}
	b.ensureAncestorsLocked(norm)
	b.entries[norm] = &memEntry{kind: FileTypeSymlink, target: target, mode: 0o777, mtime: time.Now()}
	return nil
}

func (b *MemBackend) Link(ctx context.Context, oldPath, newPath string) error {
	return ErrUnsupported{Message: "hard links are not supported on the memory backend"}
}

func (b *MemBackend) Statfs(ctx context.Context) (StatFs, error) {
	// An in-memory backend has no fixed capacity to report.
	return StatFs{TotalBytes: 0, FreeBytes: 0}, nil
}

func (b *MemBackend) RealPath(p string) (string, bool) { return "", false }

func (b *MemBackend) ReadOnly() bool { return b.readOnly }
