package models

import "bytes"

// Resource describes a file offered by a remote peer.
type Resource struct {
	Path        string
	Length      int64
	ContentType string
	Digest      []byte
}

// Equal reports whether both resources are provably the same file: lengths
// match and both carry identical digests.
func (r Resource) Equal(other Resource) bool {
	if r.Length != other.Length {
		return false
	}
	if r.Digest == nil || other.Digest == nil {
		return false
	}
	return bytes.Equal(r.Digest, other.Digest)
}
