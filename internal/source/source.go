// Package source maps request paths to locally servable files.
package source

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("resource not found")

// Resource is a file that can be served to peers.
type Resource struct {
	Path        string
	File        string
	Size        int64
	ContentType string
	ModTime     time.Time
}

func (r *Resource) Open() (*os.File, error) {
	return os.Open(r.File)
}

type Source interface {
	// Lookup returns ErrNotFound when path is not served by the source.
	Lookup(path string) (*Resource, error)
}

type DirectorySource struct {
	prefix string
	dir    string
}

// NewDirectorySource serves files under dir as prefix + their relative
// slash-separated path.
func NewDirectorySource(prefix, dir string) (*DirectorySource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &DirectorySource{prefix: prefix, dir: abs}, nil
}

func (s *DirectorySource) Dir() string {
	return s.dir
}

func (s *DirectorySource) Lookup(p string) (*Resource, error) {
	if !strings.HasPrefix(p, s.prefix) {
		return nil, ErrNotFound
	}
	rel := strings.TrimPrefix(p, s.prefix)
	if strings.Contains(rel, "\x00") {
		return nil, ErrNotFound
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return nil, ErrNotFound
		}
	}
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if rel == "" {
		return nil, ErrNotFound
	}

	file := filepath.Join(s.dir, filepath.FromSlash(rel))
	info, err := os.Stat(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	contentType, err := detectContentType(file)
	if err != nil {
		return nil, err
	}
	return &Resource{
		Path:        p,
		File:        file,
		Size:        info.Size(),
		ContentType: contentType,
		ModTime:     info.ModTime(),
	}, nil
}

// detectContentType uses the file extension, falling back to sniffing the
// first 512 bytes.
func detectContentType(file string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		return ct, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

// Manager looks a path up in each of its sources in order.
type Manager struct {
	mu      sync.RWMutex
	sources []Source
}

func NewManager(sources ...Source) *Manager {
	return &Manager{sources: sources}
}

func (m *Manager) AddSource(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, s)
}

func (m *Manager) Lookup(p string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sources {
		res, err := s.Lookup(p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return res, err
	}
	return nil, ErrNotFound
}
