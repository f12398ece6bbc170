// Package fsutil provides the filesystem capability used by the lease store
// and helpers for atomic writes.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// ErrWouldBlock is returned by TryLock when another process holds the lock.
var ErrWouldBlock = errors.New("file is locked by another process")

// FileSystem is the set of filesystem operations the lease store relies on.
// Tests substitute implementations to inject failures.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	MkdirAll(path string, perm fs.FileMode) error
	// WriteFile creates or truncates name in place, keeping its inode.
	WriteFile(name string, data []byte, perm fs.FileMode) error
	// CreateExclusive creates name with data, failing with fs.ErrExist if
	// it already exists.
	CreateExclusive(name string, data []byte, perm fs.FileMode) error
	Remove(name string) error
	Chtimes(name string, atime, mtime time.Time) error
	// TryLock takes a non-blocking exclusive advisory lock on an existing
	// file. It returns ErrWouldBlock when the lock is held elsewhere.
	TryLock(name string) (unlock func() error, err error)
}

// OS is the FileSystem backed by the host operating system.
type OS struct{}

var _ FileSystem = OS{}

func (OS) Stat(name string) (fs.FileInfo, error)             { return os.Stat(name) }
func (OS) ReadFile(name string) ([]byte, error)              { return os.ReadFile(name) }
func (OS) ReadDir(name string) ([]fs.DirEntry, error)        { return os.ReadDir(name) }
func (OS) MkdirAll(path string, perm fs.FileMode) error      { return os.MkdirAll(path, perm) }
func (OS) Remove(name string) error                          { return os.Remove(name) }
func (OS) Chtimes(name string, atime, mtime time.Time) error { return os.Chtimes(name, atime, mtime) }

func (OS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	return writeAndSync(f, data)
}

func (OS) CreateExclusive(name string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if err := writeAndSync(f, data); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func (OS) TryLock(name string) (func() error, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := tryFlock(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		unflock(f)
		return f.Close()
	}, nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
