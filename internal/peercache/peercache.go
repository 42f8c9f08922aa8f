// Package peercache persists known peers between runs as a bencoded file.
package peercache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/WendelHime/commune/internal/shared/models"
)

const version = 1

type PeerCache interface {
	Load() ([]*models.Peer, error)
	Save([]*models.Peer) error
}

type cacheFile struct {
	Version int          `bencode:"version"`
	Peers   []cachedPeer `bencode:"peers"`
}

// cachedPeer carries the ID as hex text since bencode integers are signed.
type cachedPeer struct {
	ID          string `bencode:"id"`
	Host        string `bencode:"host"`
	Port        int64  `bencode:"port"`
	Agent       string `bencode:"agent"`
	LastContact int64  `bencode:"last_contact"`
}

type fileCache struct {
	path string
	log  *slog.Logger
}

func New(path string, logger *slog.Logger) PeerCache {
	return &fileCache{path: path, log: logger}
}

// Load returns the cached peers. A missing file is an empty cache.
func (c *fileCache) Load() ([]*models.Peer, error) {
	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	peers, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("peer cache %s: %w", c.path, err)
	}
	c.log.Info("loaded peer cache", slog.String("path", c.path), slog.Int("peers", len(peers)))
	return peers, nil
}

// Save replaces the cache file atomically.
func (c *fileCache) Save(peers []*models.Peer) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, peers); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return err
	}
	c.log.Info("saved peer cache", slog.String("path", c.path), slog.Int("peers", len(peers)))
	return nil
}

func Encode(w io.Writer, peers []*models.Peer) error {
	file := cacheFile{Version: version, Peers: make([]cachedPeer, 0, len(peers))}
	for _, p := range peers {
		var lastContact int64
		if !p.LastContact.IsZero() {
			lastContact = p.LastContact.Unix()
		}
		file.Peers = append(file.Peers, cachedPeer{
			ID:          strconv.FormatUint(p.ID, 16),
			Host:        p.Host,
			Port:        int64(p.Port),
			Agent:       p.Agent,
			LastContact: lastContact,
		})
	}
	return bencode.Marshal(w, file)
}

func Decode(r io.Reader) ([]*models.Peer, error) {
	var file cacheFile
	if err := bencode.Unmarshal(r, &file); err != nil {
		return nil, err
	}
	if file.Version != version {
		return nil, fmt.Errorf("unsupported version %d", file.Version)
	}

	peers := make([]*models.Peer, 0, len(file.Peers))
	for _, cp := range file.Peers {
		id, err := strconv.ParseUint(cp.ID, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("peer %s:%d: bad id %q", cp.Host, cp.Port, cp.ID)
		}
		if cp.Host == "" || cp.Port <= 0 || cp.Port > 65535 {
			return nil, fmt.Errorf("peer %q: bad address", cp.ID)
		}
		var lastContact time.Time
		if cp.LastContact > 0 {
			lastContact = time.Unix(cp.LastContact, 0)
		}
		peers = append(peers, models.NewPeer(id, cp.Host, int(cp.Port), cp.Agent, lastContact))
	}
	return peers, nil
}
