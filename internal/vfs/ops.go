package vfs

import "context"

// VfsOps is the operation surface every backend implements. MountTable
// offers the same operations by absolute path but does not itself satisfy
// VfsOps (its Statfs takes a path and it has no ReadOnly method). Every
// operation takes a path relative to the backend's own
// root (the MountTable strips the mount prefix before delegating) and a
// context so a backend with real I/O underneath (LocalBackend) can honor
// cancellation.
type VfsOps interface {
	Getattr(ctx context.Context, path string) (FileAttr, error)
	Readdir(ctx context.Context, path string) ([]DirEntry, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Readlink(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path string, data []byte) error
	Create(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Truncate(ctx context.Context, path string, size int64) error
	Setattr(ctx context.Context, path string, attr SetAttr) error
	Symlink(ctx context.Context, target, linkPath string) error
	Link(ctx context.Context, oldPath, newPath string) error
	Statfs(ctx context.Context) (StatFs, error)
	// RealPath returns the host filesystem path backing path, or ("",
	// false) for backends (e.g. the memory backend) with no real
	// directory underneath — used by tool engines that must shell out.
	RealPath(path string) (string, bool)
	ReadOnly() bool
}
