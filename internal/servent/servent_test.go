package servent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WendelHime/commune/internal/metrics"
	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/protocol"
	"github.com/WendelHime/commune/internal/reactor"
	"github.com/WendelHime/commune/internal/shared/models"
	"github.com/WendelHime/commune/internal/source"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Shutdown()
	})
	return r
}

func newServent(t *testing.T, cfg Config) *Servent {
	t.Helper()
	s := New(testLogger(), startReactor(t), cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func listeningServent(t *testing.T, cfg Config) *Servent {
	t.Helper()
	s := newServent(t, cfg)
	require.NoError(t, s.Listen(loopback))
	return s
}

// fakeConn is a connection whose remote end is a raw socket the test
// controls. Nothing is sent until the connection is started.
func fakeConn(t *testing.T, s *Servent, remote netip.AddrPort, outbound bool) (*p2p.Connection, *reactor.Conn) {
	t.Helper()
	local, other, err := reactor.Socketpair(remote, netip.MustParseAddrPort("10.9.9.9:40000"))
	require.NoError(t, err)
	t.Cleanup(func() {
		local.Close()
		other.Close()
	})
	conn, err := p2p.NewConnection(testLogger(), s.reactor, local, s.connConfig(), outbound)
	require.NoError(t, err)
	return conn, other
}

// readMessage reads one frame from a raw non-blocking socket.
func readMessage(t *testing.T, c *reactor.Conn) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	readFull := func(buf []byte) {
		for n := 0; n < len(buf); {
			m, err := c.Read(buf[n:])
			if errors.Is(err, reactor.ErrWouldBlock) {
				require.True(t, time.Now().Before(deadline), "timed out reading frame")
				time.Sleep(2 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
			n += m
		}
	}
	header := make([]byte, protocol.HeaderLength)
	readFull(header)
	length, _, err := protocol.ParseHeader(header)
	require.NoError(t, err)
	frame := make([]byte, length)
	copy(frame, header)
	readFull(frame[protocol.HeaderLength:])
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func peer(id uint64, host string, port int) *models.Peer {
	return models.NewPeer(id, host, port, p2p.UserAgent, time.Time{})
}

func knownIDs(s *Servent) []uint64 {
	var ids []uint64
	for _, p := range s.KnownPeers() {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestGossipReconciliation(t *testing.T) {
	remote := netip.MustParseAddrPort("10.0.0.9:2375")
	tests := []struct {
		name   string
		setup  func(s *Servent)
		gossip [][]*models.Peer
		assert func(t *testing.T, s *Servent)
	}{
		{
			name: "same peer twice yields one entry",
			gossip: [][]*models.Peer{
				{peer(3, "192.0.2.3", 2375)},
				{peer(3, "192.0.2.3", 2375)},
			},
			assert: func(t *testing.T, s *Servent) {
				assert.Equal(t, []uint64{3}, knownIDs(s))
			},
		},
		{
			name:   "local ID is skipped",
			gossip: [][]*models.Peer{{peer(1, "192.0.2.1", 2375)}},
			assert: func(t *testing.T, s *Servent) {
				assert.Empty(t, s.KnownPeers())
			},
		},
		{
			name: "tombstoned ID is never re-admitted",
			setup: func(s *Servent) {
				s.dir.tombstone(5)
			},
			gossip: [][]*models.Peer{
				{peer(5, "192.0.2.5", 2375)},
				{peer(5, "192.0.2.55", 2375), peer(6, "192.0.2.6", 2375)},
			},
			assert: func(t *testing.T, s *Servent) {
				assert.Equal(t, []uint64{6}, knownIDs(s))
			},
		},
		{
			name: "unconnected ID-less alias is superseded",
			gossip: [][]*models.Peer{
				{peer(0, "192.0.2.7", 2375)},
				{peer(7, "192.0.2.7", 2375)},
			},
			assert: func(t *testing.T, s *Servent) {
				assert.Equal(t, []uint64{7}, knownIDs(s))
			},
		},
		{
			name: "ID-less record of a known peer is merged",
			gossip: [][]*models.Peer{
				{peer(8, "192.0.2.8", 2375)},
				{peer(0, "192.0.2.8", 2375)},
			},
			assert: func(t *testing.T, s *Servent) {
				assert.Equal(t, []uint64{8}, knownIDs(s))
				assert.Empty(t, s.DeadPeers())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newServent(t, Config{ID: 1, Limit: 0})
			if tt.setup != nil {
				tt.setup(s)
			}
			conn, _ := fakeConn(t, s, remote, false)
			for _, peers := range tt.gossip {
				s.peersDiscovered(peers, conn, true)
			}
			tt.assert(t, s)
		})
	}
}

func TestGossipReply(t *testing.T) {
	s := newServent(t, Config{ID: 1, Limit: 0})
	s.mu.Lock()
	s.dir.known = append(s.dir.known, peer(20, "192.0.2.20", 2375), peer(21, "192.0.2.21", 2375))
	s.mu.Unlock()

	conn, other := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.9:2375"), false)
	require.NoError(t, conn.Start())

	s.peersDiscovered([]*models.Peer{peer(20, "192.0.2.20", 2375), peer(22, "192.0.2.22", 2375)}, conn, false)

	msg := readMessage(t, other)
	pex, ok := msg.(protocol.PeerExchange)
	require.True(t, ok)
	assert.True(t, pex.Response)
	require.Len(t, pex.Peers, 1)
	assert.Equal(t, uint64(21), pex.Peers[0].ID)

	// A response is never answered.
	s.peersDiscovered([]*models.Peer{peer(23, "192.0.2.23", 2375)}, conn, true)
	require.NoError(t, conn.SendHello())
	hello, ok := readMessage(t, other).(protocol.Hello)
	require.True(t, ok)
	assert.Equal(t, uint64(1), hello.PeerID)
}

func TestPeerConnected(t *testing.T) {
	addr := netip.MustParseAddrPort("10.0.0.5:2375")

	t.Run("gossiped peer dialled directly is not duplicated", func(t *testing.T) {
		s := newServent(t, Config{ID: 1, Limit: 0})
		c := peer(3, "10.0.0.5", 2375)
		conn, _ := fakeConn(t, s, addr, true)
		s.peersDiscovered([]*models.Peer{c}, conn, true)

		s.mu.Lock()
		s.dir.connections = append(s.dir.connections, &entry{peer: c.Clone(), conn: conn})
		s.mu.Unlock()
		s.peerConnected(peer(3, "10.0.0.5", 2375), conn, false)

		assert.Equal(t, []uint64{3}, knownIDs(s))
		assert.Len(t, s.Connections(), 1)
	})

	t.Run("legacy alias is replaced on handshake", func(t *testing.T) {
		s := newServent(t, Config{ID: 1, Limit: 0})
		conn, _ := fakeConn(t, s, addr, true)
		s.peersDiscovered([]*models.Peer{peer(0, "10.0.0.5", 2375)}, conn, true)
		s.peerConnected(peer(3, "10.0.0.5", 2375), conn, false)
		assert.Equal(t, []uint64{3}, knownIDs(s))
	})

	t.Run("duplicate remote address keeps one connection", func(t *testing.T) {
		s := newServent(t, Config{ID: 1, Limit: 0})
		first, _ := fakeConn(t, s, addr, true)
		second, _ := fakeConn(t, s, addr, true)
		placeholder := peer(0, "10.0.0.5", 2375)
		s.mu.Lock()
		s.dir.connections = append(s.dir.connections,
			&entry{peer: placeholder.Clone(), conn: first},
			&entry{peer: placeholder.Clone(), conn: second})
		s.mu.Unlock()

		s.peerConnected(peer(4, "10.0.0.5", 2375), first, false)
		s.peerConnected(peer(4, "10.0.0.5", 2375), second, false)

		conns := s.Connections()
		require.Len(t, conns, 1)
		assert.Same(t, second, conns[0])
		assert.False(t, first.Alive())
		assert.True(t, second.Alive())
		assert.Equal(t, []uint64{4}, knownIDs(s))
		assert.Empty(t, s.DeadPeers())
	})

	t.Run("connection to self is closed and the gossip entry tombstoned", func(t *testing.T) {
		s := newServent(t, Config{ID: 1, Limit: 0})
		conn, _ := fakeConn(t, s, addr, true)
		stale := peer(9, "10.0.0.5", 2375)
		s.mu.Lock()
		s.dir.known = append(s.dir.known, stale.Clone())
		s.dir.connections = append(s.dir.connections, &entry{peer: stale.Clone(), conn: conn})
		s.mu.Unlock()

		s.peerConnected(peer(1, "10.0.0.5", 2375), conn, false)

		assert.Empty(t, s.Connections())
		assert.Empty(t, s.KnownPeers())
		assert.Equal(t, []uint64{9}, s.DeadPeers())
		assert.False(t, conn.Alive())
	})

	for _, order := range []string{"outbound first", "inbound first"} {
		order := order
		t.Run("cross dial keeps the connection opened by the lower ID/"+order, func(t *testing.T) {
			s := newServent(t, Config{ID: 1, Limit: 0})
			out, _ := fakeConn(t, s, addr, true)
			in, _ := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.5:51000"), false)
			remote := peer(2, "10.0.0.5", 2375)

			if order == "outbound first" {
				s.peerConnected(remote, out, false)
				s.peerConnected(remote, in, true)
			} else {
				s.peerConnected(remote, in, true)
				s.peerConnected(remote, out, false)
			}

			conns := s.Connections()
			require.Len(t, conns, 1)
			assert.Same(t, out, conns[0])
			assert.False(t, in.Alive())
			assert.Equal(t, []uint64{2}, knownIDs(s))
			assert.Empty(t, s.DeadPeers())
		})
	}

	t.Run("inbound gossip peer gets the known list", func(t *testing.T) {
		s := newServent(t, Config{ID: 1, Limit: 0})
		s.mu.Lock()
		s.dir.known = append(s.dir.known, peer(30, "192.0.2.30", 2375))
		s.mu.Unlock()
		conn, other := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.6:50000"), false)
		require.NoError(t, conn.Start())

		s.peerConnected(peer(6, "10.0.0.6", 2375), conn, true)

		pex, ok := readMessage(t, other).(protocol.PeerExchange)
		require.True(t, ok)
		assert.False(t, pex.Response)
		require.Len(t, pex.Peers, 1)
		assert.Equal(t, uint64(30), pex.Peers[0].ID)
	})
}

func TestDisconnectTombstones(t *testing.T) {
	s := newServent(t, Config{ID: 1, Limit: 0})
	conn, _ := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.4:2375"), true)
	require.NoError(t, conn.Start())
	s.peerConnected(peer(4, "10.0.0.4", 2375), conn, false)
	require.Len(t, s.Connections(), 1)

	require.NoError(t, conn.Close())

	assert.Empty(t, s.Connections())
	assert.Empty(t, s.KnownPeers())
	assert.Equal(t, []uint64{4}, s.DeadPeers())

	s.peersDiscovered([]*models.Peer{peer(4, "10.0.0.4", 2375)}, conn, true)
	assert.Empty(t, s.KnownPeers())
}

func TestUnexpectedPeerID(t *testing.T) {
	s := newServent(t, Config{ID: 1, Limit: 0})
	conn, _ := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.4:2375"), true)
	s.peersDiscovered([]*models.Peer{peer(4, "10.0.0.4", 2375)}, conn, true)

	s.unexpectedPeerID(4, peer(44, "10.0.0.4", 2375))
	s.peerConnected(peer(44, "10.0.0.4", 2375), conn, false)

	assert.Equal(t, []uint64{44}, knownIDs(s))
	assert.Equal(t, []uint64{4}, s.DeadPeers())
}

// idleListeners opens sockets that complete TCP handshakes in the kernel
// backlog but never speak the protocol.
func idleListeners(t *testing.T, n int) []*models.Peer {
	t.Helper()
	var peers []*models.Peer
	for i := 0; i < n; i++ {
		server, err := reactor.Listen(loopback)
		require.NoError(t, err)
		t.Cleanup(func() { server.Close() })
		peers = append(peers, peer(uint64(100+i), "127.0.0.1", int(server.Addr().Port())))
	}
	return peers
}

func TestSoftConnectionCap(t *testing.T) {
	s := newServent(t, Config{ID: 1, Limit: 2, AdvertiseLoopback: true})
	candidates := idleListeners(t, 5)

	assert.Equal(t, 5, s.AddPeers(candidates))
	assert.Len(t, s.Connections(), 2)
	assert.Equal(t, 2, s.AutoConnections())
	assert.False(t, s.IsBelowLimit())

	// Losing a connection dials a replacement, never more.
	for i := 0; i < 2; i++ {
		conns := s.Connections()
		require.NoError(t, conns[0].Close())
		assert.Len(t, s.Connections(), 2)
		assert.LessOrEqual(t, s.AutoConnections(), s.Limit())
	}
	assert.Len(t, s.DeadPeers(), 2)

	// Manual connections ignore the cap.
	extra := idleListeners(t, 1)[0]
	conn, err := s.Connect(context.Background(), extra.Host, extra.Port)
	require.NoError(t, err)
	assert.Len(t, s.Connections(), 3)
	assert.Equal(t, 2, s.AutoConnections())
	assert.Equal(t, 0, s.OpenConnections())

	again, err := s.Connect(context.Background(), extra.Host, extra.Port)
	require.NoError(t, err)
	assert.Same(t, conn, again)
}

func TestHostNameCandidates(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T) *models.Peer
		assert func(t *testing.T, s *Servent)
	}{
		{
			name: "resolved and dialled",
			setup: func(t *testing.T) *models.Peer {
				b := listeningServent(t, Config{ID: 2, Limit: 0})
				return peer(2, "localhost", int(b.ListenAddr().Port()))
			},
			assert: func(t *testing.T, s *Servent) {
				require.Eventually(t, func() bool {
					conns := s.Connections()
					return len(conns) == 1 && conns[0].HelloReceived() && conns[0].Peer().ID == 2
				}, 5*time.Second, 10*time.Millisecond)
				assert.Equal(t, []uint64{2}, knownIDs(s))
			},
		},
		{
			name: "lookup failure keeps the peer",
			setup: func(t *testing.T) *models.Peer {
				return peer(3, "commune.invalid", 2375)
			},
			assert: func(t *testing.T, s *Servent) {
				assert.Empty(t, s.Connections())
				assert.Equal(t, []uint64{3}, knownIDs(s))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newServent(t, Config{ID: 1, Limit: 1, AdvertiseLoopback: true, DialTimeout: 2 * time.Second})
			assert.Equal(t, 1, s.AddPeers([]*models.Peer{tt.setup(t)}))

			require.Eventually(t, func() bool {
				s.mu.Lock()
				defer s.mu.Unlock()
				return len(s.resolving) == 0
			}, 5*time.Second, 10*time.Millisecond)
			tt.assert(t, s)
			assert.Empty(t, s.DeadPeers())
		})
	}
}

func TestLoopbackPeersAreNotAdvertised(t *testing.T) {
	s := newServent(t, Config{ID: 1, Limit: 0})
	conn, _ := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.9:2375"), false)
	s.peersDiscovered([]*models.Peer{peer(2, "127.0.0.1", 2375), peer(3, "192.0.2.3", 2375)}, conn, true)

	assert.Len(t, s.KnownPeers(), 2)
	list := s.PeerList(conn)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(3), list[0].ID)
}

func TestKeepAlive(t *testing.T) {
	mock := clock.NewMock()
	s := newServent(t, Config{ID: 1, Limit: 0, Clock: mock})

	pexConn, pexOther := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.2:2375"), false)
	plainConn, plainOther := fakeConn(t, s, netip.MustParseAddrPort("10.0.0.3:2375"), false)
	require.NoError(t, pexConn.Start())
	require.NoError(t, plainConn.Start())

	// Complete the handshakes from the raw side.
	for _, h := range []struct {
		other *reactor.Conn
		hello protocol.Hello
	}{
		{pexOther, protocol.Hello{PeerID: 2, ListenPort: 2375, Agent: "Commune/1.0 (PEX)"}},
		{plainOther, protocol.Hello{PeerID: 3, ListenPort: 2375, Agent: "Legacy/0.1"}},
	} {
		frame, err := protocol.Encode(h.hello)
		require.NoError(t, err)
		_, err = h.other.Write(frame)
		require.NoError(t, err)
		ack, ok := readMessage(t, h.other).(protocol.Hello)
		require.True(t, ok)
		assert.True(t, ack.Ack)
	}
	// The inbound PEX peer is greeted with the known list.
	_, ok := readMessage(t, pexOther).(protocol.PeerExchange)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(s.Connections()) == 2 }, 5*time.Second, 10*time.Millisecond)

	k := &keepAlive{s: s}
	delay := k.step()
	assert.GreaterOrEqual(t, delay, 5*time.Second)
	assert.Less(t, delay, 12500*time.Millisecond)
	pex, ok := readMessage(t, pexOther).(protocol.PeerExchange)
	require.True(t, ok)
	assert.False(t, pex.Response)

	k.step()
	hello, ok := readMessage(t, plainOther).(protocol.Hello)
	require.True(t, ok)
	assert.False(t, hello.Ack)

	// A connection that died is dropped when the queue is refilled.
	require.NoError(t, plainOther.Close())
	require.Eventually(t, func() bool { return !plainConn.Alive() }, 5*time.Second, 10*time.Millisecond)
	k.step()
	require.Eventually(t, func() bool { return len(s.Connections()) == 1 }, 5*time.Second, 10*time.Millisecond)

	empty := &keepAlive{s: newServent(t, Config{ID: 9, Clock: mock})}
	delay = empty.step()
	assert.GreaterOrEqual(t, delay, 10*time.Second)
	assert.Less(t, delay, 25*time.Second)
}

func TestServentsOverLoopback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.txt"), []byte("0123456789"), 0644))
	src, err := source.NewDirectorySource("/", dir)
	require.NoError(t, err)

	regA, regB := prometheus.NewRegistry(), prometheus.NewRegistry()
	metricsA, metricsB := metrics.New(regA), metrics.New(regB)
	a := listeningServent(t, Config{ID: 1, Limit: 1, AdvertiseLoopback: true, Metrics: metricsA})
	b := listeningServent(t, Config{ID: 2, Limit: 1, AdvertiseLoopback: true, Metrics: metricsB, Source: src})

	a.mu.Lock()
	a.dir.known = append(a.dir.known, peer(11, "192.0.2.11", 2375))
	a.mu.Unlock()
	b.mu.Lock()
	b.dir.known = append(b.dir.known, peer(10, "192.0.2.10", 2375))
	b.mu.Unlock()

	conn, err := a.Connect(context.Background(), "127.0.0.1", int(b.ListenAddr().Port()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]uint64{2, 10, 11}, sortedIDs(a)) &&
			assert.ObjectsAreEqual([]uint64{1, 10, 11}, sortedIDs(b))
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, conn.HelloReceived())

	// One unsolicited push from b, one response from a, nothing more.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsA.MessagesReceived.WithLabelValues("peer-exchange")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsB.MessagesReceived.WithLabelValues("peer-exchange")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offers, err := a.Find(ctx, "/foo.txt")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, uint64(2), offers[0].Peer.ID)
	assert.Equal(t, int64(10), offers[0].Resource.Length)

	offers, err = a.Find(ctx, "/missing.txt")
	require.NoError(t, err)
	assert.Empty(t, offers)

	_, err = newServent(t, Config{ID: 3}).Find(ctx, "/foo.txt")
	assert.ErrorIs(t, err, ErrNoCandidates)

	// An explicit discover is answered once.
	assert.Equal(t, 1, a.Discover())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metricsA.MessagesReceived.WithLabelValues("peer-exchange")) == 2 &&
			testutil.ToFloat64(metricsB.MessagesReceived.WithLabelValues("peer-exchange")) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func sortedIDs(s *Servent) []uint64 {
	ids := knownIDs(s)
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
