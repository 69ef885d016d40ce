//go:build linux

package nativefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// iovMax is the largest vector count accepted by writev(2) on Linux.
const iovMax = 1024

// Local implements FS on top of the local (or mounted network) filesystem.
type Local struct{}

// NewLocal returns the process filesystem capability.
func NewLocal() *Local {
	return &Local{}
}

// Open opens path with os.OpenFile semantics.
func (Local) Open(path string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

// Stat stats path and fetches the requested xattrs. Missing xattrs are omitted.
func (Local) Stat(path string, xattrKeys ...string) (*Stat, error) {
	var st unix.Stat_t
	if err := ignoringEINTR(func() error { return unix.Stat(path, &st) }); err != nil {
		return nil, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	out := fromUnixStat(&st)
	if len(xattrKeys) == 0 {
		return out, nil
	}
	xattrs, err := readXattrs(xattrKeys, func(key string, dest []byte) (int, error) {
		return unix.Getxattr(path, key, dest)
	})
	if err != nil {
		return nil, &os.PathError{Op: "getxattr", Path: path, Err: err}
	}
	out.Xattrs = xattrs
	return out, nil
}

// Rename renames oldpath to newpath, replacing newpath if it exists.
func (Local) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// RenameNoReplace renames oldpath to newpath unless newpath exists.
// Filesystems without RENAME_NOREPLACE fall back to link + unlink.
func (Local) RenameNoReplace(oldpath, newpath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOSYS) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	if err := os.Link(oldpath, newpath); err != nil {
		return err
	}
	return os.Remove(oldpath)
}

// Remove unlinks path.
func (Local) Remove(path string) error {
	return os.Remove(path)
}

// ReadDir lists dir.
func (Local) ReadDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

// MkdirAll creates dir and its parents.
func (Local) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

// ReadFile reads the whole file.
func (Local) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile truncates path, writes data and fsyncs before returning.
func (Local) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type localFile struct {
	f *os.File
}

func (lf *localFile) Name() string { return lf.f.Name() }

func (lf *localFile) ReadAt(p []byte, off int64) (int, error) { return lf.f.ReadAt(p, off) }

func (lf *localFile) Write(p []byte) (int, error) { return lf.f.Write(p) }

func (lf *localFile) Sync() error { return lf.f.Sync() }

func (lf *localFile) Close() error { return lf.f.Close() }

// control runs fn with the raw descriptor.
func (lf *localFile) control(fn func(fd int) error) error {
	rc, err := lf.f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func (lf *localFile) Writev(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return 0, nil
	}
	// Coalesce oversized vectors so the batch still lands with one syscall.
	if len(bufs) > iovMax {
		joined := make([]byte, 0, total)
		for _, b := range bufs {
			joined = append(joined, b...)
		}
		bufs = [][]byte{joined}
	}

	var n int
	err := lf.control(func(fd int) error {
		return ignoringEINTR(func() error {
			var werr error
			n, werr = unix.Writev(fd, bufs)
			return werr
		})
	})
	if err != nil {
		return n, &os.PathError{Op: "writev", Path: lf.Name(), Err: err}
	}
	if n < total {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (lf *localFile) Stat(xattrKeys ...string) (*Stat, error) {
	var out *Stat
	err := lf.control(func(fd int) error {
		var st unix.Stat_t
		if err := ignoringEINTR(func() error { return unix.Fstat(fd, &st) }); err != nil {
			return err
		}
		out = fromUnixStat(&st)
		if len(xattrKeys) == 0 {
			return nil
		}
		xattrs, err := readXattrs(xattrKeys, func(key string, dest []byte) (int, error) {
			return unix.Fgetxattr(fd, key, dest)
		})
		if err != nil {
			return err
		}
		out.Xattrs = xattrs
		return nil
	})
	if err != nil {
		return nil, &os.PathError{Op: "fstat", Path: lf.Name(), Err: err}
	}
	return out, nil
}

func (lf *localFile) Lock(mode LockMode, wait bool) error {
	var how int
	switch mode {
	case LockShared:
		how = unix.LOCK_SH
	case LockExclusive:
		how = unix.LOCK_EX
	default:
		return nil
	}
	if !wait {
		how |= unix.LOCK_NB
	}

	err := lf.control(func(fd int) error {
		return ignoringEINTR(func() error { return unix.Flock(fd, how) })
	})
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("flock %s %s: %w", mode, lf.Name(), ErrLockConflict)
	}
	if err != nil {
		return &os.PathError{Op: "flock", Path: lf.Name(), Err: err}
	}
	return nil
}

func (lf *localFile) Unlock() error {
	err := lf.control(func(fd int) error {
		return ignoringEINTR(func() error { return unix.Flock(fd, unix.LOCK_UN) })
	})
	if err != nil {
		return &os.PathError{Op: "flock", Path: lf.Name(), Err: err}
	}
	return nil
}

func (lf *localFile) ReplaceXattrs(set map[string]string, remove ...string) error {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := lf.control(func(fd int) error {
		for _, k := range keys {
			if err := unix.Fsetxattr(fd, k, []byte(set[k]), 0); err != nil {
				return fmt.Errorf("set %s: %w", k, err)
			}
		}
		for _, k := range remove {
			if err := unix.Fremovexattr(fd, k); err != nil && !errors.Is(err, unix.ENODATA) {
				return fmt.Errorf("remove %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return &os.PathError{Op: "setxattr", Path: lf.Name(), Err: err}
	}
	return nil
}

// readXattrs fetches each key through get. ENODATA and ENOTSUP mean "absent".
func readXattrs(keys []string, get func(key string, dest []byte) (int, error)) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	buf := make([]byte, 256)
	for _, key := range keys {
		for {
			n, err := get(key, buf)
			if err == nil {
				out[key] = string(buf[:n])
				break
			}
			if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOTSUP) {
				break
			}
			if !errors.Is(err, unix.ERANGE) {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			size, err := get(key, nil)
			if err != nil {
				if errors.Is(err, unix.ENODATA) {
					break
				}
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			buf = make([]byte, size+64)
		}
	}
	return out, nil
}

func fromUnixStat(st *unix.Stat_t) *Stat {
	sec, nsec := st.Mtim.Unix()
	mode := os.FileMode(st.Mode & 0o777)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	}
	return &Stat{
		Ino:     uint64(st.Ino),   //nolint:unconvert
		Nlink:   uint64(st.Nlink), //nolint:unconvert // uint32 on some arches
		Blocks:  int64(st.Blocks), //nolint:unconvert
		Size:    st.Size,
		Mode:    mode,
		ModTime: time.Unix(sec, nsec),
	}
}

func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
