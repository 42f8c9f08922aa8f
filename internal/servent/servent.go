// Package servent keeps the peer directory of a process that is both client
// and server in the overlay: it accepts and dials connections, reconciles
// peer identities, spreads gossip and keeps connections alive.
package servent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/WendelHime/commune/internal/metrics"
	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/reactor"
	"github.com/WendelHime/commune/internal/shared/models"
	"github.com/WendelHime/commune/internal/source"
	"github.com/WendelHime/commune/internal/storage"
)

const resolveTimeout = 10 * time.Second

var (
	ErrNoCandidates = errors.New("no connected peers")
	ErrClosed       = errors.New("servent closed")
)

type Config struct {
	// ID is the local peer ID; zero picks a random one.
	ID    uint64
	Agent string
	// Limit is the soft cap on connections for automatic dialing.
	Limit             int
	AdvertiseLoopback bool
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	KeepAliveJitter   time.Duration

	Source   source.Source
	Digester p2p.Digester
	Storage  storage.Store
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Offer is a resource as described by one connected peer.
type Offer struct {
	Peer     *models.Peer
	Conn     *p2p.Connection
	Resource models.Resource
}

type Servent struct {
	log     *slog.Logger
	cfg     Config
	reactor *reactor.Reactor
	clock   clock.Clock

	server     *reactor.ServerSocket
	listenPort uint16

	// mu guards the directory. Connections are never closed while it is
	// held: closing runs the close listener, which takes mu again.
	mu      sync.Mutex
	dir     *directory
	closing bool
	rng     *rand.Rand
	// resolving holds host:port of candidates whose name lookup is in
	// flight. They count against the soft cap.
	resolving map[string]struct{}
}

func New(logger *slog.Logger, r *reactor.Reactor, cfg Config) *Servent {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Agent == "" {
		cfg.Agent = p2p.UserAgent
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 10 * time.Second
	}
	if cfg.KeepAliveJitter <= 0 {
		cfg.KeepAliveJitter = 15 * time.Second
	}
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	for cfg.ID == 0 {
		cfg.ID = rng.Uint64()
	}

	s := &Servent{
		log:     logger,
		cfg:     cfg,
		reactor: r,
		clock:   cfg.Clock,
		dir:     newDirectory(),
		rng:     rng,

		resolving: make(map[string]struct{}),
	}
	r.AddCloseListener(p2p.CloseListener(s.peerDisconnected))
	return s
}

func (s *Servent) LocalID() uint64 {
	return s.cfg.ID
}

func (s *Servent) Limit() int {
	return s.cfg.Limit
}

// Self describes the local peer as others would see it.
func (s *Servent) Self() *models.Peer {
	host := ""
	if s.server != nil {
		host = s.server.Addr().Addr().String()
	}
	return models.NewPeer(s.cfg.ID, host, int(s.listenPort), s.cfg.Agent, s.clock.Now())
}

// Listen accepts peer connections on addr. A zero port picks a free one.
func (s *Servent) Listen(addr netip.AddrPort) error {
	server, err := reactor.Listen(addr)
	if err != nil {
		return err
	}
	s.server = server
	s.listenPort = server.Addr().Port()
	if err := s.reactor.Register(server, reactor.OpAccept, s.accept); err != nil {
		server.Close()
		return err
	}
	s.log.Info("listening for peers", slog.String("addr", server.Addr().String()))
	return nil
}

func (s *Servent) ListenAddr() netip.AddrPort {
	if s.server == nil {
		return netip.AddrPort{}
	}
	return s.server.Addr()
}

func (s *Servent) accept(reactor.Channel) error {
	for {
		sock, err := s.server.Accept()
		if errors.Is(err, reactor.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			s.log.Warn("accept failed", slog.Any("error", err))
			return nil
		}
		conn, err := p2p.NewConnection(s.log, s.reactor, sock, s.connConfig(), false)
		if err != nil {
			s.log.Warn("set up inbound connection", slog.String("remote", sock.RemoteAddr().String()), slog.Any("error", err))
			sock.Close()
			continue
		}
		s.log.Info("accepted connection", slog.String("remote", sock.RemoteAddr().String()))
		if err := conn.Start(); err != nil {
			conn.Close()
		}
	}
}

func (s *Servent) connConfig() p2p.Config {
	return p2p.Config{
		LocalID:     s.cfg.ID,
		ListenPort:  s.listenPort,
		Agent:       s.cfg.Agent,
		Source:      s.cfg.Source,
		Digester:    s.cfg.Digester,
		Storage:     s.cfg.Storage,
		Listener:    (*updater)(s),
		Clock:       s.clock,
		Metrics:     s.cfg.Metrics,
		DialTimeout: s.cfg.DialTimeout,
	}
}

// Connect opens a connection at the user's request. It ignores the soft cap
// and returns the existing connection if one is open to the address.
func (s *Servent) Connect(ctx context.Context, host string, port int) (*p2p.Connection, error) {
	ip, err := resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	addr := netip.AddrPortFrom(ip, uint16(port))

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if e := s.dir.entryByAddr(addr, nil); e != nil && e.conn.Alive() {
		s.mu.Unlock()
		return e.conn, nil
	}
	peer := models.NewPeer(0, ip.String(), port, "", time.Time{})
	if i := s.dir.findKnown(peer); i >= 0 {
		peer = s.dir.known[i].Clone()
	}
	conn, err := s.dialLocked(peer, ip, false)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := conn.Start(); err != nil {
		s.connectionLost(conn)
		return nil, err
	}
	return conn, nil
}

func resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), nil
		}
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
	}
	return ips[0], nil
}

// dialLocked starts a non-blocking connect to peer at ip and registers the
// connection under it. The caller starts the connection after unlocking.
func (s *Servent) dialLocked(peer *models.Peer, ip netip.Addr, auto bool) (*p2p.Connection, error) {
	if peer.Port <= 0 || peer.Port > 65535 {
		return nil, fmt.Errorf("dial %s: invalid port", peer)
	}
	sock, err := reactor.Dial(netip.AddrPortFrom(ip.Unmap(), uint16(peer.Port)))
	if err != nil {
		return nil, err
	}

	var opts []p2p.Option
	if peer.ID != 0 {
		opts = append(opts, p2p.ExpectID(peer.ID))
	}
	conn, err := p2p.NewConnection(s.log, s.reactor, sock, s.connConfig(), true, opts...)
	if err != nil {
		sock.Close()
		return nil, err
	}
	s.dir.connections = append(s.dir.connections, &entry{peer: peer.Clone(), conn: conn, auto: auto})
	s.metricsLocked()
	s.cfg.Metrics.ConnectionOpened(false)
	s.log.Info("connecting", slog.String("peer", peer.String()), slog.Bool("auto", auto))
	return conn, nil
}

// IsBelowLimit reports whether automatic dialing may open another
// connection.
func (s *Servent) IsBelowLimit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.belowLimitLocked()
}

func (s *Servent) belowLimitLocked() bool {
	return len(s.dir.connections)+len(s.resolving) < s.cfg.Limit
}

// OpenConnections dials unconnected known peers until the soft cap is
// reached or no candidates remain. Peers known by host name are looked up
// in the background first. It returns how many dials it started.
func (s *Servent) OpenConnections() int {
	var started []*p2p.Connection
	lookups := 0
	s.mu.Lock()
	for !s.closing && s.belowLimitLocked() {
		candidate := s.candidateLocked()
		if candidate == nil {
			break
		}
		ip, err := netip.ParseAddr(candidate.Host)
		if err != nil {
			s.resolving[candidate.Address()] = struct{}{}
			lookups++
			go s.dialByName(candidate)
			continue
		}
		if conn := s.autoDialLocked(candidate, ip); conn != nil {
			started = append(started, conn)
		}
	}
	s.mu.Unlock()

	s.start(started...)
	return len(started) + lookups
}

// autoDialLocked dials candidate on behalf of OpenConnections. A peer that
// cannot be dialled is forgotten and tombstoned.
func (s *Servent) autoDialLocked(candidate *models.Peer, ip netip.Addr) *p2p.Connection {
	conn, err := s.dialLocked(candidate, ip, true)
	if err != nil {
		s.log.Warn("failed to connect", slog.String("peer", candidate.String()), slog.Any("error", err))
		s.dir.removeKnown(candidate)
		s.dir.tombstone(candidate.ID)
		s.metricsLocked()
		return nil
	}
	return conn
}

// dialByName resolves a candidate's host name and dials it if it is still
// wanted. A failed lookup keeps the peer known so a later round retries it.
func (s *Servent) dialByName(candidate *models.Peer) {
	timeout := s.cfg.DialTimeout
	if timeout <= 0 {
		timeout = resolveTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ip, err := resolve(ctx, candidate.Host)
	cancel()

	s.mu.Lock()
	delete(s.resolving, candidate.Address())
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("failed to resolve peer", slog.String("peer", candidate.String()), slog.Any("error", err))
		return
	}
	var conn *p2p.Connection
	if !s.closing && s.belowLimitLocked() && !s.dir.isDead(candidate.ID) && !s.dir.connected(candidate) {
		conn = s.autoDialLocked(candidate, ip)
	}
	s.mu.Unlock()

	if conn != nil {
		s.start(conn)
	}
}

func (s *Servent) start(conns ...*p2p.Connection) {
	for _, conn := range conns {
		if err := conn.Start(); err != nil {
			s.log.Warn("failed to start connection", slog.Any("error", err))
			s.connectionLost(conn)
		}
	}
}

func (s *Servent) candidateLocked() *models.Peer {
	for _, p := range s.dir.freshest(s.advertisable) {
		if p.ID == s.cfg.ID || s.dir.isDead(p.ID) || s.dir.connected(p) {
			continue
		}
		if _, ok := s.resolving[p.Address()]; ok {
			continue
		}
		return p
	}
	return nil
}

func (s *Servent) advertisable(p *models.Peer) bool {
	if s.cfg.AdvertiseLoopback {
		return true
	}
	ip, err := netip.ParseAddr(p.Host)
	return err != nil || !ip.IsLoopback()
}

// Connections returns the registered connections.
func (s *Servent) Connections() []*p2p.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*p2p.Connection, 0, len(s.dir.connections))
	for _, e := range s.dir.connections {
		conns = append(conns, e.conn)
	}
	return conns
}

// KnownPeers returns every known peer, freshest first.
func (s *Servent) KnownPeers() []*models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.freshest(nil)
}

// DeadPeers returns the tombstoned IDs.
func (s *Servent) DeadPeers() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.dir.dead))
	for id := range s.dir.dead {
		ids = append(ids, id)
	}
	return ids
}

// AutoConnections counts connections opened by OpenConnections.
func (s *Servent) AutoConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.autoCount()
}

// peerListLocked is the gossip list for conn: advertisable known peers,
// minus the peer on the other end of conn.
func (s *Servent) peerListLocked(conn *p2p.Connection) []*models.Peer {
	var exclude *models.Peer
	if e := s.dir.entryFor(conn); e != nil {
		exclude = e.peer
	}
	return s.dir.freshest(func(p *models.Peer) bool {
		if exclude != nil && p.Equal(exclude) {
			return false
		}
		return s.advertisable(p)
	})
}

// PeerList is the gossip list that would be sent on conn.
func (s *Servent) PeerList(conn *p2p.Connection) []*models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerListLocked(conn)
}

// AddPeers admits bootstrap peers, for example from a cache or LAN
// discovery, and dials up to the soft cap.
func (s *Servent) AddPeers(peers []*models.Peer) int {
	s.mu.Lock()
	added := s.admitLocked(peers)
	s.metricsLocked()
	s.mu.Unlock()
	s.OpenConnections()
	return added
}

// Discover sends the gossip list to every connected peer that exchanges
// peers and returns how many were asked.
func (s *Servent) Discover() int {
	asked := 0
	for _, conn := range s.Connections() {
		if !conn.HelloReceived() || !conn.Peer().ExchangesPeers() {
			continue
		}
		if err := conn.ExchangePeers(s.PeerList(conn), false); err != nil {
			s.log.Debug("discover failed", slog.String("peer", conn.String()), slog.Any("error", err))
			continue
		}
		asked++
	}
	return asked
}

// Find asks every established connection to describe path and returns the
// offers of the peers that have it.
func (s *Servent) Find(ctx context.Context, path string) ([]Offer, error) {
	type pending struct {
		conn   *p2p.Connection
		peer   *models.Peer
		future *p2p.Future[models.Resource]
	}

	var asked []pending
	for _, conn := range s.Connections() {
		if !conn.Alive() || !conn.HelloReceived() {
			continue
		}
		asked = append(asked, pending{conn: conn, peer: conn.Peer(), future: conn.Describe(path)})
	}
	if len(asked) == 0 {
		return nil, ErrNoCandidates
	}

	var offers []Offer
	for _, p := range asked {
		res, err := p.future.Get(ctx)
		if err != nil {
			s.log.Debug("peer has no offer", slog.String("peer", p.peer.String()), slog.String("path", path), slog.Any("error", err))
			continue
		}
		offers = append(offers, Offer{Peer: p.peer, Conn: p.conn, Resource: res})
	}
	return offers, nil
}

// Close stops accepting and closes every connection. The directory keeps
// its known peers so they can be saved.
func (s *Servent) Close() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*p2p.Connection, 0, len(s.dir.connections))
	for _, e := range s.dir.connections {
		conns = append(conns, e.conn)
	}
	s.mu.Unlock()

	var err error
	if s.server != nil {
		err = multierr.Append(err, s.reactor.Close(s.server))
	}
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

func (s *Servent) metricsLocked() {
	s.cfg.Metrics.UpdateDirectory(len(s.dir.connections), len(s.dir.known), len(s.dir.dead))
}

func (s *Servent) String() string {
	return strconv.FormatUint(s.cfg.ID, 16)
}
