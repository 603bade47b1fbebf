package vfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// LocalBackend is a VfsOps implementation rooted at a real host directory.
// Every path is resolved and checked against the canonical root before any
// afero call, so a request that canonicalizes outside root fails with
// ErrPathEscapesRoot rather than reaching the host filesystem at all
// (spec.md §4.5, scenario S6).
//
// Grounded on
// _examples/original_source/crates/kaijutsu-kernel/src/vfs/backends/local.rs's
// LocalBackend (root canonicalized at construction, every operation
// resolves-then-canonicalizes-then-checks-prefix) and on
// _examples/AKJUS-bsc-erigon/go.mod's spf13/afero dependency (listed
// direct there but unused by any file in that repo) for the actual
// filesystem layer: afero.NewBasePathFs gives the root-rooted open/create/
// remove/rename surface and afero.NewReadOnlyFs gives the read-only
// wrapper, so this backend is a thin VfsOps adapter over those two
// composed afero.Fs values plus the explicit canonicalization check the
// spec requires.
type LocalBackend struct {
	root     string // canonical
	fs       afero.Fs
	readOnly bool
}

// NewLocalBackend roots a backend at dir, canonicalizing it immediately
// (resolving symlinks) the way the original implementation does.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	canon, err := filepath.EvalSymlinks(dir)
	if err != nil {
		canon = filepath.Clean(dir)
	}
	base := afero.NewBasePathFs(afero.NewOsFs(), canon)
	return &LocalBackend{root: canon, fs: base}, nil
}

// NewReadOnlyLocalBackend is NewLocalBackend with every mutating operation
// rejected.
func NewReadOnlyLocalBackend(dir string) (*LocalBackend, error) {
	b, err := NewLocalBackend(dir)
	if err != nil {
		return nil, err
	}
	b.fs = afero.NewReadOnlyFs(b.fs)
	b.readOnly = true
	return b, nil
}

// resolve validates that path, once joined to root and resolved, stays
// under root; it returns the path relative to root that afero expects
// (forward-slash, no leading slash). Unlike the shared normalize() helper
// (which clamps ".." at a virtual root for the memory backend), this
// keeps ".." segments intact while joining so a genuine escape attempt
// resolves outside root and is caught by the prefix check below, rather
// than being silently clamped back inside it.
func (b *LocalBackend) resolve(p string) (string, error) {
	raw := strings.TrimPrefix(p, "/")
	if raw == "" || raw == "." {
		return "", nil
	}
	joined := filepath.Join(b.root, filepath.FromSlash(raw))
	canon := joined
	if existing, err := filepath.EvalSymlinks(joined); err == nil {
		canon = existing
	} else {
		// Path (or an ancestor) doesn't exist yet, e.g. a new file: check
		// the deepest existing ancestor instead.
		dir := filepath.Dir(joined)
		if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
			canon = filepath.Join(resolvedDir, filepath.Base(joined))
		} else {
			canon = filepath.Clean(joined)
		}
	}
	rootClean := filepath.Clean(b.root)
	if canon != rootClean && !strings.HasPrefix(canon, rootClean+string(os.PathSeparator)) {
		return "", ErrPathEscapesRoot{Path: p}
	}
	rel, err := filepath.Rel(rootClean, canon)
	if err != nil {
		return "", ErrPathEscapesRoot{Path: p}
	}
	return filepath.ToSlash(rel), nil
}

func toAttr(info fs.FileInfo) FileAttr {
	kind := FileTypeFile
	switch {
	case info.IsDir():
		kind = FileTypeDirectory
	case info.Mode()&os.ModeSymlink != 0:
		kind = FileTypeSymlink
	}
	return FileAttr{Kind: kind, Size: info.Size(), Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime()}
}

func (b *LocalBackend) Getattr(ctx context.Context, p string) (FileAttr, error) {
	rel, err := b.resolve(p)
	if err != nil {
		return FileAttr{}, err
	}
	info, err := b.fs.Stat(rel)
	if errors.Is(err, os.ErrNotExist) {
		return FileAttr{}, ErrNotFound{Path: p}
	}
	if err != nil {
		return FileAttr{}, err
	}
	return toAttr(info), nil
}

func (b *LocalBackend) Readdir(ctx context.Context, p string) ([]DirEntry, error) {
	rel, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(b.fs, rel)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound{Path: p}
	}
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, DirEntry{Name: info.Name(), Kind: toAttr(info).Kind})
	}
	return out, nil
}

func (b *LocalBackend) Read(ctx context.Context, p string) ([]byte, error) {
	rel, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, rel)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound{Path: p}
	}
	return data, err
}

func (b *LocalBackend) Readlink(ctx context.Context, p string) (string, error) {
	rel, err := b.resolve(p)
	if err != nil {
		return "", err
	}
	return os.Readlink(filepath.Join(b.root, rel))
}

func (b *LocalBackend) Write(ctx context.Context, p string, data []byte) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	if err := b.fs.MkdirAll(filepath.Dir(rel), 0o755); err != nil && filepath.Dir(rel) != "." {
		return err
	}
	return afero.WriteFile(b.fs, rel, data, 0o644)
}

func (b *LocalBackend) Create(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	if _, err := b.fs.Stat(rel); err == nil {
		return ErrAlreadyExists{Path: p}
	}
	f, err := b.fs.Create(rel)
	if err != nil {
		return err
	}
	return f.Close()
}

func (b *LocalBackend) Mkdir(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	if _, err := b.fs.Stat(rel); err == nil {
		return ErrAlreadyExists{Path: p}
	}
	return b.fs.MkdirAll(rel, 0o755)
}

func (b *LocalBackend) Unlink(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	if err := b.fs.Remove(rel); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound{Path: p}
	} else {
		return err
	}
}

func (b *LocalBackend) Rmdir(ctx context.Context, p string) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	entries, err := afero.ReadDir(b.fs, rel)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound{Path: p}
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return ErrNotEmpty{Path: p}
	}
	return b.fs.Remove(rel)
}

func (b *LocalBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	if b.readOnly {
		return ErrReadOnly{Path: oldPath}
	}
	oldRel, err := b.resolve(oldPath)
	if err != nil {
		return err
	}
	newRel, err := b.resolve(newPath)
	if err != nil {
		return err
	}
	return b.fs.Rename(oldRel, newRel)
}

func (b *LocalBackend) Truncate(ctx context.Context, p string, size int64) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	f, err := b.fs.OpenFile(rel, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (b *LocalBackend) Setattr(ctx context.Context, p string, attr SetAttr) error {
	if b.readOnly {
		return ErrReadOnly{Path: p}
	}
	rel, err := b.resolve(p)
	if err != nil {
		return err
	}
	if attr.Mode != nil {
		if err := b.fs.Chmod(rel, fs.FileMode(*attr.Mode)); err != nil {
			return err
		}
	}
	if attr.ModTime != nil {
		if err := b.fs.Chtimes(rel, *attr.ModTime, *attr.ModTime); err != nil {
			return err
		}
	}
	if attr.Size != nil {
		return b.Truncate(ctx, p, *attr.Size)
	}
	return nil
}

func (b *LocalBackend) Symlink(ctx context.Context, target, linkPath string) error {
	if b.readOnly {
		return ErrReadOnly{Path: linkPath}
	}
	rel, err := b.resolve(linkPath)
	if err != nil {
		return err
	}
	full := filepath.Join(b.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.Symlink(target, full)
}

func (b *LocalBackend) Link(ctx context.Context, oldPath, newPath string) error {
	if b.readOnly {
		return ErrReadOnly{Path: newPath}
	}
	oldRel, err := b.resolve(oldPath)
	if err != nil {
		return err
	}
	newRel, err := b.resolve(newPath)
	if err != nil {
		return err
	}
	return os.Link(filepath.Join(b.root, oldRel), filepath.Join(b.root, newRel))
}

// Statfs reports the real host filesystem's capacity for the backend's
// root (spec.md §4.5: Local backend attributes "are derived from the host
// statvfs-equivalent"), unlike MemBackend's zeroed StatFs, which has no
// real filesystem underneath it to query.
func (b *LocalBackend) Statfs(ctx context.Context) (StatFs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(b.root, &st); err != nil {
		return StatFs{}, err
	}
	blockSize := uint64(st.Bsize)
	return StatFs{
		TotalBytes: st.Blocks * blockSize,
		FreeBytes:  st.Bavail * blockSize,
	}, nil
}

// RealPath returns the host path backing p, after the same containment
// check every other operation applies.
func (b *LocalBackend) RealPath(p string) (string, bool) {
	rel, err := b.resolve(p)
	if err != nil {
		return "", false
	}
	return filepath.Join(b.root, rel), true
}

func (b *LocalBackend) ReadOnly() bool { return b.readOnly }
