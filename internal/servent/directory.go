package servent

import (
	"net/netip"
	"sort"

	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/shared/models"
)

type entry struct {
	peer *models.Peer
	conn *p2p.Connection
	// auto marks connections opened to satisfy the soft cap.
	auto bool
}

// directory holds the connection and peer tables. It does no locking of its
// own; the Servent serializes every call under its mutex.
type directory struct {
	connections []*entry
	known       []*models.Peer
	dead        map[uint64]struct{}
}

func newDirectory() *directory {
	return &directory{dead: make(map[uint64]struct{})}
}

func (d *directory) entryFor(conn *p2p.Connection) *entry {
	for _, e := range d.connections {
		if e.conn == conn {
			return e
		}
	}
	return nil
}

func (d *directory) removeEntry(conn *p2p.Connection) *entry {
	for i, e := range d.connections {
		if e.conn == conn {
			d.connections = append(d.connections[:i], d.connections[i+1:]...)
			return e
		}
	}
	return nil
}

// entryByAddr finds a connection other than except whose socket is open to
// addr.
func (d *directory) entryByAddr(addr netip.AddrPort, except *p2p.Connection) *entry {
	for _, e := range d.connections {
		if e.conn != except && e.conn.RemoteAddr() == addr {
			return e
		}
	}
	return nil
}

// entryByID finds a connection other than except registered under id.
func (d *directory) entryByID(id uint64, except *p2p.Connection) *entry {
	if id == 0 {
		return nil
	}
	for _, e := range d.connections {
		if e.conn != except && e.peer.ID == id {
			return e
		}
	}
	return nil
}

// connected reports whether some connection already serves p, matched by
// identity or by the address it was dialled at.
func (d *directory) connected(p *models.Peer) bool {
	addr, addrErr := netip.ParseAddr(p.Host)
	for _, e := range d.connections {
		if e.peer.Equal(p) {
			return true
		}
		if addrErr == nil && e.conn.Outbound() && e.conn.RemoteAddr() == netip.AddrPortFrom(addr.Unmap(), uint16(p.Port)) {
			return true
		}
	}
	return false
}

func (d *directory) autoCount() int {
	n := 0
	for _, e := range d.connections {
		if e.auto {
			n++
		}
	}
	return n
}

func (d *directory) findKnown(p *models.Peer) int {
	for i, k := range d.known {
		if k.Equal(p) {
			return i
		}
	}
	return -1
}

// upsertKnown stores p, replacing any equivalent entries.
func (d *directory) upsertKnown(p *models.Peer) {
	p = p.Clone()
	kept := d.known[:0]
	replaced := false
	for _, k := range d.known {
		if !k.Equal(p) {
			kept = append(kept, k)
			continue
		}
		p.Touch(k.LastContact)
		if !replaced {
			kept = append(kept, p)
			replaced = true
		}
	}
	d.known = kept
	if !replaced {
		d.known = append(d.known, p)
	}
}

func (d *directory) removeKnown(p *models.Peer) {
	kept := d.known[:0]
	for _, k := range d.known {
		if !k.Equal(p) {
			kept = append(kept, k)
		}
	}
	for i := len(kept); i < len(d.known); i++ {
		d.known[i] = nil
	}
	d.known = kept
}

func (d *directory) removeKnownID(id uint64) {
	if id == 0 {
		return
	}
	d.removeKnown(&models.Peer{ID: id})
}

func (d *directory) tombstone(id uint64) {
	if id != 0 {
		d.dead[id] = struct{}{}
	}
}

func (d *directory) isDead(id uint64) bool {
	_, ok := d.dead[id]
	return id != 0 && ok
}

// freshest returns clones of the known peers accepted by keep, most recently
// heard from first.
func (d *directory) freshest(keep func(*models.Peer) bool) []*models.Peer {
	peers := make([]*models.Peer, 0, len(d.known))
	for _, k := range d.known {
		if keep == nil || keep(k) {
			peers = append(peers, k.Clone())
		}
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].LastContact.After(peers[j].LastContact)
	})
	return peers
}
