package servent

import (
	"log/slog"

	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/shared/models"
)

// updater is the servent's view as a p2p.PeerListener.
type updater Servent

func (u *updater) PeerConnected(peer *models.Peer, conn *p2p.Connection, inbound bool) {
	(*Servent)(u).peerConnected(peer, conn, inbound)
}

func (u *updater) PeerResponded(peer *models.Peer) {
	(*Servent)(u).peerResponded(peer)
}

func (u *updater) PeersDiscovered(peers []*models.Peer, conn *p2p.Connection, response bool) {
	(*Servent)(u).peersDiscovered(peers, conn, response)
}

func (u *updater) UnexpectedPeerID(expected uint64, actual *models.Peer) {
	(*Servent)(u).unexpectedPeerID(expected, actual)
}

func (s *Servent) peerConnected(peer *models.Peer, conn *p2p.Connection, inbound bool) {
	log := s.log.With(slog.String("peer", peer.String()), slog.Bool("inbound", inbound))

	var (
		closeConns []*p2p.Connection
		gossip     []*models.Peer
	)
	s.mu.Lock()
	current := s.dir.entryFor(conn)

	switch {
	case peer.ID == s.cfg.ID:
		log.Info("connected to self, closing")
		s.dir.removeEntry(conn)
		if current != nil && current.peer.ID != peer.ID {
			// The entry we dialled turned out to be us.
			s.dir.removeKnown(current.peer)
			s.dir.tombstone(current.peer.ID)
		}
		closeConns = append(closeConns, conn)

	case s.closing:
		closeConns = append(closeConns, conn)

	case s.dir.entryByAddr(conn.RemoteAddr(), conn) != nil:
		log.Info("duplicate connection, closing", slog.String("remote", conn.RemoteAddr().String()))
		s.dir.removeEntry(conn)
		closeConns = append(closeConns, conn)

	default:
		if other := s.dir.entryByID(peer.ID, conn); other != nil && other.conn.Alive() {
			keepNew := dialer(conn, peer, s.cfg.ID) < dialer(other.conn, peer, s.cfg.ID)
			log.Info("second connection to peer", slog.Bool("keep_new", keepNew))
			if !keepNew {
				s.dir.removeEntry(conn)
				closeConns = append(closeConns, conn)
				break
			}
			s.dir.removeEntry(other.conn)
			closeConns = append(closeConns, other.conn)
		}

		if current != nil {
			current.peer = peer.Clone()
		} else {
			s.dir.connections = append(s.dir.connections, &entry{peer: peer.Clone(), conn: conn})
			s.cfg.Metrics.ConnectionOpened(true)
		}
		if s.dir.isDead(peer.ID) {
			log.Debug("connected peer is tombstoned, not re-admitting")
		} else {
			s.dir.upsertKnown(peer)
		}
		log.Info("peer connected")

		if inbound && peer.ExchangesPeers() {
			gossip = s.peerListLocked(conn)
		}
	}
	s.metricsLocked()
	s.mu.Unlock()

	for _, c := range closeConns {
		c.Close()
	}
	if gossip != nil {
		if err := conn.ExchangePeers(gossip, false); err != nil {
			log.Debug("initial exchange failed", slog.Any("error", err))
		}
	}
}

// dialer is the ID of the side that opened conn.
func dialer(conn *p2p.Connection, remote *models.Peer, local uint64) uint64 {
	if conn.Outbound() {
		return local
	}
	return remote.ID
}

func (s *Servent) peerResponded(peer *models.Peer) {
	if peer.ID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.dir.findKnown(peer); i >= 0 {
		s.dir.known[i].Touch(peer.LastContact)
	}
}

func (s *Servent) peersDiscovered(peers []*models.Peer, conn *p2p.Connection, response bool) {
	var reply []*models.Peer
	s.mu.Lock()
	added := s.admitLocked(peers)
	if !response {
		for _, p := range s.peerListLocked(conn) {
			if !containsPeer(peers, p) {
				reply = append(reply, p)
			}
		}
	}
	s.metricsLocked()
	s.mu.Unlock()

	if added > 0 {
		s.log.Info("discovered peers", slog.Int("count", added), slog.String("from", conn.RemoteAddr().String()))
	}
	if !response {
		if reply == nil {
			reply = []*models.Peer{}
		}
		if err := conn.ExchangePeers(reply, true); err != nil {
			s.log.Debug("exchange reply failed", slog.Any("error", err))
		}
	}
	s.OpenConnections()
}

// admitLocked reconciles advertised peers with the directory and returns how
// many new entries it created.
func (s *Servent) admitLocked(peers []*models.Peer) int {
	added := 0
	for _, p := range peers {
		if p.ID == s.cfg.ID || s.dir.isDead(p.ID) {
			continue
		}
		i := s.dir.findKnown(p)
		if i < 0 {
			s.log.Debug("discovered peer", slog.String("peer", p.String()))
			s.dir.known = append(s.dir.known, p.Clone())
			added++
			continue
		}

		known := s.dir.known[i]
		switch {
		case known.ID == p.ID:
			known.Touch(p.LastContact)
		case p.ID == 0:
			// An ID-less record of a peer we know better.
			known.Touch(p.LastContact)
		case s.dir.connected(known):
			// The old identity is in use; leave it alone.
		default:
			s.log.Info("peer ID superseded", slog.String("old", known.String()), slog.String("new", p.String()))
			s.dir.removeKnown(known)
			s.dir.tombstone(known.ID)
			s.dir.known = append(s.dir.known, p.Clone())
		}
	}
	return added
}

func containsPeer(peers []*models.Peer, p *models.Peer) bool {
	for _, q := range peers {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

func (s *Servent) unexpectedPeerID(expected uint64, actual *models.Peer) {
	s.log.Info("peer reported unexpected ID", slog.Uint64("expected", expected), slog.String("actual", actual.String()))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir.removeKnownID(expected)
	s.dir.tombstone(expected)
	s.metricsLocked()
}

// peerDisconnected forgets a closed connection and its peer, then tops
// connections back up to the soft cap.
func (s *Servent) peerDisconnected(conn *p2p.Connection) {
	s.mu.Lock()
	e := s.dir.removeEntry(conn)
	if e == nil {
		s.mu.Unlock()
		return
	}
	closing := s.closing
	if !closing {
		s.dir.removeKnown(e.peer)
		s.dir.tombstone(e.peer.ID)
	}
	s.cfg.Metrics.Disconnected()
	s.metricsLocked()
	s.mu.Unlock()

	s.log.Info("connection closed", slog.String("peer", e.peer.String()))
	if !closing {
		s.OpenConnections()
	}
}
