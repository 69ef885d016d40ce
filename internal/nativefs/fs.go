// Package nativefs exposes the filesystem primitives the tiering subsystem
// depends on: advisory locks, selective xattr stat, vectored append writes
// and non-replacing renames.
package nativefs

import (
	"errors"
	"io"
	"os"
	"time"
)

// ErrLockConflict is returned when a non-blocking advisory lock cannot be acquired.
var ErrLockConflict = errors.New("advisory lock conflict")

// LockMode selects the kind of advisory lock taken on a descriptor.
type LockMode int

// Lock modes.
const (
	LockNone LockMode = iota
	LockShared
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "SHARED"
	case LockExclusive:
		return "EXCLUSIVE"
	default:
		return "NONE"
	}
}

// Stat is the subset of stat(2) the queue and the glacier state machine look at,
// plus the extended attributes requested by the caller.
type Stat struct {
	Ino     uint64
	Nlink   uint64
	Blocks  int64 // 512-byte blocks allocated on disk
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	Xattrs  map[string]string // only the requested keys that exist
}

// IsDir reports whether the stat describes a directory.
func (s *Stat) IsDir() bool {
	return s.Mode.IsDir()
}

// File is an open descriptor.
type File interface {
	io.ReaderAt
	io.Writer
	io.Closer

	Name() string
	// Writev appends all buffers with a single vectored write.
	Writev(bufs [][]byte) (int, error)
	// Stat returns fstat(2) data and the requested xattrs.
	Stat(xattrKeys ...string) (*Stat, error)
	// Lock takes an advisory lock. Without wait a conflict returns ErrLockConflict.
	Lock(mode LockMode, wait bool) error
	Unlock() error
	// ReplaceXattrs sets every key of set and then removes the keys in remove.
	// Removing a missing key is not an error.
	ReplaceXattrs(set map[string]string, remove ...string) error
	Sync() error
}

// FS is the filesystem capability.
type FS interface {
	Open(path string, flag int, perm os.FileMode) (File, error)
	Stat(path string, xattrKeys ...string) (*Stat, error)
	Rename(oldpath, newpath string) error
	// RenameNoReplace fails with an error matching fs.ErrExist if newpath exists.
	RenameNoReplace(oldpath, newpath string) error
	Remove(path string) error
	ReadDir(dir string) ([]os.DirEntry, error)
	MkdirAll(dir string, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
}
