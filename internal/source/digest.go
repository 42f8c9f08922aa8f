package source

import (
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/sha256-simd"
)

type digestKey struct {
	file    string
	size    int64
	modTime int64
}

// Digester computes SHA-256 content digests, remembering recent results
// until the file's size or modification time changes.
type Digester struct {
	cache *lru.Cache[digestKey, []byte]
}

func NewDigester(size int) (*Digester, error) {
	cache, err := lru.New[digestKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("digest cache: %w", err)
	}
	return &Digester{cache: cache}, nil
}

func (d *Digester) Digest(res *Resource) ([]byte, error) {
	key := digestKey{file: res.File, size: res.Size, modTime: res.ModTime.UnixNano()}
	if sum, ok := d.cache.Get(key); ok {
		return sum, nil
	}

	f, err := res.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("digest %s: %w", res.Path, err)
	}
	sum := h.Sum(nil)
	d.cache.Add(key, sum)
	return sum, nil
}

func (d *Digester) Cached() int {
	return d.cache.Len()
}
