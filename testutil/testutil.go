// Package testutil provides shared test utilities for coldtier tests.
package testutil

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "coldtier-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RequireXattrs skips the test when the filesystem holding dir does not
// accept user.* extended attributes (tmpfs without user_xattr, overlayfs on
// some CI runners).
func RequireXattrs(t *testing.T, dir string) {
	t.Helper()
	probe := filepath.Join(dir, ".xattr-probe")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		t.Fatalf("failed to write xattr probe: %v", err)
	}
	defer func() { _ = os.Remove(probe) }()

	err := unix.Setxattr(probe, "user.coldtier.probe", []byte("1"), 0)
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EPERM) {
		t.Skipf("user xattrs not supported under %s: %v", dir, err)
	}
	if err != nil {
		t.Fatalf("failed to set probe xattr: %v", err)
	}
}

// SetXattr sets a user.* xattr on path, failing the test on error.
func SetXattr(t *testing.T, path, key, value string) {
	t.Helper()
	if err := unix.Setxattr(path, key, []byte(value), 0); err != nil {
		t.Fatalf("failed to set xattr %s on %s: %v", key, path, err)
	}
}

// GetXattr returns the value of key on path, or "" and false when absent.
func GetXattr(t *testing.T, path, key string) (string, bool) {
	t.Helper()
	buf := make([]byte, 1024)
	n, err := unix.Getxattr(path, key, buf)
	if errors.Is(err, unix.ENODATA) {
		return "", false
	}
	if err != nil {
		t.Fatalf("failed to get xattr %s on %s: %v", key, path, err)
	}
	return string(buf[:n]), true
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}
