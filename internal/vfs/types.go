// Package vfs is the POSIX-like virtual filesystem presented to tool
// engines and file backends: a MountTable routing operations to backends
// by longest mount-path prefix, an in-process memory backend, and a
// real-directory-rooted local backend (spec.md §4.5).
package vfs

import "time"

// FileType names what kind of entry a path resolves to.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
)

// FileAttr is the subset of POSIX metadata the VFS exposes.
type FileAttr struct {
	Kind    FileType
	Size    int64
	Mode    uint32
	ModTime time.Time
}

func DirectoryAttr(mode uint32) FileAttr {
	return FileAttr{Kind: FileTypeDirectory, Mode: mode, ModTime: time.Now()}
}

// SetAttr carries the optional fields settable via setattr; a nil pointer
// leaves that attribute unchanged.
type SetAttr struct {
	Mode    *uint32
	ModTime *time.Time
	Size    *int64
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Kind FileType
}

// StatFs reports coarse filesystem-level capacity, matching the fields a
// statvfs(2) caller typically wants.
type StatFs struct {
	TotalBytes uint64
	FreeBytes  uint64
}
