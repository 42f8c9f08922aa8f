// Package storage writes downloaded resources to a local directory.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

const partSuffix = ".part"

var ErrOverflow = errors.New("write past declared length")

// Store allocates destinations for downloads.
type Store interface {
	Create(resourcePath string, length int64) (Writer, error)
}

// Writer receives a download's bytes in order.
type Writer interface {
	io.Writer
	Written() int64
	// Commit finalizes the download and returns its path.
	Commit() (string, error)
	// Abort discards a partial download.
	Abort() error
}

type Directory struct {
	dir string
}

func NewDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Directory{dir: dir}, nil
}

func (d *Directory) Dir() string {
	return d.dir
}

// Path returns the final location for a resource path: its last segment
// inside the storage directory.
func (d *Directory) Path(resourcePath string) string {
	return filepath.Join(d.dir, FileName(resourcePath))
}

// FileName is the final path segment of a resource path.
func FileName(resourcePath string) string {
	name := path.Base(strings.TrimRight(resourcePath, "/"))
	switch name {
	case "", ".", "/", "..":
		return "index"
	}
	return name
}

func (d *Directory) Create(resourcePath string, length int64) (Writer, error) {
	final := d.Path(resourcePath)
	part := final + partSuffix
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		os.Remove(part)
		return nil, err
	}
	return &file{f: f, part: part, final: final, length: length}, nil
}

type file struct {
	mu      sync.Mutex
	f       *os.File
	part    string
	final   string
	length  int64
	written int64
	done    bool
}

func (w *file) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, os.ErrClosed
	}
	if w.written+int64(len(p)) > w.length {
		return 0, fmt.Errorf("%w: %d + %d > %d", ErrOverflow, w.written, len(p), w.length)
	}
	n, err := w.f.WriteAt(p, w.written)
	w.written += int64(n)
	return n, err
}

func (w *file) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *file) Commit() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return "", os.ErrClosed
	}
	w.done = true
	if err := multierr.Append(w.f.Sync(), w.f.Close()); err != nil {
		os.Remove(w.part)
		return "", err
	}
	if err := os.Rename(w.part, w.final); err != nil {
		os.Remove(w.part)
		return "", err
	}
	return w.final, nil
}

func (w *file) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return multierr.Append(w.f.Close(), os.Remove(w.part))
}
