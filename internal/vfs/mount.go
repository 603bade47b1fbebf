package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MountInfo describes one active mount.
type MountInfo struct {
	Path     string
	ReadOnly bool
}

// MountTable routes VfsOps calls to the backend whose mount path is the
// longest prefix of the operation's path, behind one RWMutex (spec.md
// §4.5).
//
// Grounded on
// _examples/original_source/crates/kaijutsu-kernel/src/vfs/mount.rs's
// MountTable (BTreeMap<PathBuf, Arc<dyn VfsOps>> behind a tokio::RwLock,
// normalize_mount_path, find_mount's longest-prefix scan, list_root's
// mount-union synthesis), translated from its async Tokio RwLock to a
// plain sync.RWMutex and from Arc<dyn VfsOps> to the VfsOps interface —
// blockweave's VFS has no async runtime underneath it, so there is
// nothing Tokio gives this package that Go's native concurrency doesn't.
type MountTable struct {
	mu     sync.RWMutex
	mounts map[string]VfsOps
}

// NewMountTable creates an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{mounts: make(map[string]VfsOps)}
}

// normalizeMountPath ensures an absolute path with no trailing slash
// (except root itself).
func normalizeMountPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Mount attaches fs at path, replacing whatever was mounted there.
func (t *MountTable) Mount(path string, fs VfsOps) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mounts[normalizeMountPath(path)] = fs
}

// Unmount removes the mount at path, reporting whether one existed.
func (t *MountTable) Unmount(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	mountPath := normalizeMountPath(path)
	if _, ok := t.mounts[mountPath]; !ok {
		return false
	}
	delete(t.mounts, mountPath)
	return true
}

// ListMounts returns every active mount, sorted by path.
func (t *MountTable) ListMounts() []MountInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MountInfo, 0, len(t.mounts))
	for p, fs := range t.mounts {
		out = append(out, MountInfo{Path: p, ReadOnly: fs.ReadOnly()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// find returns the backend whose mount path is the longest prefix of path,
// and path relative to that mount (no leading slash; "" for the mount's
// own root).
func (t *MountTable) find(p string) (VfsOps, string, error) {
	norm := "/" + strings.TrimPrefix(p, "/")

	t.mu.RLock()
	defer t.mu.RUnlock()

	var bestPath string
	var best VfsOps
	for mountPath, fs := range t.mounts {
		matches := mountPath == "/" || norm == mountPath || strings.HasPrefix(norm, mountPath+"/")
		if !matches {
			continue
		}
		if best == nil || len(mountPath) > len(bestPath) {
			bestPath, best = mountPath, fs
		}
	}
	if best == nil {
		return nil, "", ErrNoMountPoint{Path: p}
	}
	var rel string
	if bestPath == "/" {
		rel = strings.TrimPrefix(norm, "/")
	} else {
		rel = strings.TrimPrefix(strings.TrimPrefix(norm, bestPath), "/")
	}
	return best, rel, nil
}

func (t *MountTable) Getattr(ctx context.Context, path string) (FileAttr, error) {
	if path == "" || path == "/" {
		return DirectoryAttr(0o755), nil
	}
	if t.isMountPoint(path) {
		return DirectoryAttr(0o755), nil
	}
	fs, rel, err := t.find(path)
	if err != nil {
		return FileAttr{}, err
	}
	return fs.Getattr(ctx, rel)
}

func (t *MountTable) isMountPoint(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.mounts[normalizeMountPath(path)]
	return ok
}

func (t *MountTable) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	if path == "" || path == "/" {
		return t.readdirRoot(ctx)
	}
	fs, rel, err := t.find(path)
	if err != nil {
		return nil, err
	}
	return fs.Readdir(ctx, rel)
}

// readdirRoot synthesizes the root directory listing by unioning the
// first path component of every non-root mount with the contents of any
// mount explicitly at "/".
func (t *MountTable) readdirRoot(ctx context.Context) ([]DirEntry, error) {
	t.mu.RLock()
	mounts := make(map[string]VfsOps, len(t.mounts))
	for k, v := range t.mounts {
		mounts[k] = v
	}
	t.mu.RUnlock()

	seen := make(map[string]bool)
	var out []DirEntry
	for mountPath, fs := range mounts {
		if mountPath == "/" {
			entries, err := fs.Readdir(ctx, "")
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !seen[e.Name] {
					seen[e.Name] = true
					out = append(out, e)
				}
			}
			continue
		}
		first := strings.SplitN(strings.TrimPrefix(mountPath, "/"), "/", 2)[0]
		if first != "" && !seen[first] {
			seen[first] = true
			out = append(out, DirEntry{Name: first, Kind: FileTypeDirectory})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *MountTable) Read(ctx context.Context, path string) ([]byte, error) {
	fs, rel, err := t.find(path)
	if err != nil {
		return nil, err
	}
	return fs.Read(ctx, rel)
}

func (t *MountTable) Readlink(ctx context.Context, path string) (string, error) {
	fs, rel, err := t.find(path)
	if err != nil {
		return "", err
	}
	return fs.Readlink(ctx, rel)
}

func (t *MountTable) Write(ctx context.Context, path string, data []byte) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Write(ctx, rel, data)
}

func (t *MountTable) Create(ctx context.Context, path string) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Create(ctx, rel)
}

func (t *MountTable) Mkdir(ctx context.Context, path string) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Mkdir(ctx, rel)
}

func (t *MountTable) Unlink(ctx context.Context, path string) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Unlink(ctx, rel)
}

func (t *MountTable) Rmdir(ctx context.Context, path string) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Rmdir(ctx, rel)
}

// Rename and Link require the source and destination to land on the same
// backend; otherwise they return ErrCrossDeviceLink rather than silently
// copying across backends (spec.md §4.5).
func (t *MountTable) Rename(ctx context.Context, oldPath, newPath string) error {
	oldFs, oldRel, err := t.find(oldPath)
	if err != nil {
		return err
	}
	newFs, newRel, err := t.find(newPath)
	if err != nil {
		return err
	}
	if oldFs != newFs {
		return ErrCrossDeviceLink{Src: oldPath, Dst: newPath}
	}
	return oldFs.Rename(ctx, oldRel, newRel)
}

func (t *MountTable) Link(ctx context.Context, oldPath, newPath string) error {
	oldFs, oldRel, err := t.find(oldPath)
	if err != nil {
		return err
	}
	newFs, newRel, err := t.find(newPath)
	if err != nil {
		return err
	}
	if oldFs != newFs {
		return ErrCrossDeviceLink{Src: oldPath, Dst: newPath}
	}
	return oldFs.Link(ctx, oldRel, newRel)
}

func (t *MountTable) Truncate(ctx context.Context, path string, size int64) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Truncate(ctx, rel, size)
}

func (t *MountTable) Setattr(ctx context.Context, path string, attr SetAttr) error {
	fs, rel, err := t.find(path)
	if err != nil {
		return err
	}
	return fs.Setattr(ctx, rel, attr)
}

func (t *MountTable) Symlink(ctx context.Context, target, linkPath string) error {
	fs, rel, err := t.find(linkPath)
	if err != nil {
		return err
	}
	return fs.Symlink(ctx, target, rel)
}

func (t *MountTable) Statfs(ctx context.Context, path string) (StatFs, error) {
	fs, _, err := t.find(path)
	if err != nil {
		return StatFs{}, err
	}
	return fs.Statfs(ctx)
}

// RealPath resolves path against its backend's own RealPath.
func (t *MountTable) RealPath(path string) (string, bool) {
	fs, rel, err := t.find(path)
	if err != nil {
		return "", false
	}
	return fs.RealPath(rel)
}
