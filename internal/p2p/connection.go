// Package p2p implements the peer protocol on top of a message broker:
// the Hello handshake, request/response correlation, chunked transfers and
// peer exchange.
package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/WendelHime/commune/internal/broker"
	"github.com/WendelHime/commune/internal/metrics"
	"github.com/WendelHime/commune/internal/protocol"
	"github.com/WendelHime/commune/internal/reactor"
	"github.com/WendelHime/commune/internal/shared/models"
	"github.com/WendelHime/commune/internal/source"
	"github.com/WendelHime/commune/internal/storage"
)

const (
	UserAgent = "Commune/1.0 (PEX)"

	// FreshnessThreshold is how long a connection may stay silent before a
	// request is held back behind a fresh Hello.
	FreshnessThreshold = 40 * time.Second

	// ChunkSize keeps every Payload frame at 512 KiB.
	ChunkSize = 512*1024 - protocol.HeaderLength - protocol.PayloadOverhead
)

// PeerListener is told about handshakes and gossip. Calls are made on the
// reactor's dispatch goroutine without any connection lock held.
type PeerListener interface {
	PeerConnected(peer *models.Peer, conn *Connection, inbound bool)
	PeerResponded(peer *models.Peer)
	PeersDiscovered(peers []*models.Peer, conn *Connection, response bool)
	// UnexpectedPeerID reports an outbound connection, dialled for a known
	// peer, whose handshake carried a different ID.
	UnexpectedPeerID(expected uint64, actual *models.Peer)
}

type Socket interface {
	broker.Conn
	RemoteAddr() netip.AddrPort
	Closed() bool
}

type Multiplexer interface {
	broker.Multiplexer
	Attach(ch reactor.Channel, attachment any) error
}

type Digester interface {
	Digest(res *source.Resource) ([]byte, error)
}

// Config carries what every connection of a servent shares.
type Config struct {
	LocalID    uint64
	ListenPort uint16
	// Agent defaults to UserAgent.
	Agent       string
	Source      source.Source
	Digester    Digester
	Storage     storage.Store
	Listener    PeerListener
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	DialTimeout time.Duration
}

type Option func(*Connection)

// ExpectID marks an outbound connection as dialled for a peer known by id.
func ExpectID(id uint64) Option {
	return func(c *Connection) {
		c.expectedID = id
	}
}

type Connection struct {
	log        *slog.Logger
	cfg        Config
	clock      clock.Clock
	sock       Socket
	broker     *broker.Broker
	outbound   bool
	expectedID uint64

	mu            sync.Mutex
	peer          *models.Peer
	helloReceived bool
	helloPending  bool
	lastContact   time.Time
	nextID        int32
	requests      map[int32]*request
	deferred      []*request
	closed        bool

	servingMu sync.Mutex
	serving   map[*responseSource]struct{}
}

// NewConnection wraps sock and attaches the connection to it, so close
// listeners built with CloseListener can find it again.
func NewConnection(logger *slog.Logger, mux Multiplexer, sock Socket, cfg Config, outbound bool, opts ...Option) (*Connection, error) {
	if cfg.Agent == "" {
		cfg.Agent = UserAgent
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}

	c := &Connection{
		log:      logger.With(slog.String("remote", sock.RemoteAddr().String())),
		cfg:      cfg,
		clock:    cfg.Clock,
		sock:     sock,
		outbound: outbound,
		peer:     models.PeerFromAddr(models.AddrFromAddrPort(sock.RemoteAddr())),
		requests: make(map[int32]*request),
		serving:  make(map[*responseSource]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var brokerOpts []broker.Option
	brokerOpts = append(brokerOpts, broker.WithMetrics(cfg.Metrics))
	if cfg.DialTimeout > 0 {
		brokerOpts = append(brokerOpts, broker.WithConnectOptions(reactor.WithTimeout(cfg.DialTimeout, nil)))
	}
	c.broker = broker.New(logger, mux, sock, brokerOpts...).
		Receive(protocol.TypeHello, c.onHello).
		Receive(protocol.TypeRequest, c.onRequest).
		Receive(protocol.TypeResponse, c.onResponse).
		Receive(protocol.TypePayload, c.onPayload).
		Receive(protocol.TypePeerExchange, c.onPeerExchange)

	if err := mux.Attach(sock, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins servicing the socket. Outbound connections open the
// handshake.
func (c *Connection) Start() error {
	if c.outbound {
		if err := c.SendHello(); err != nil {
			return err
		}
	}
	return c.broker.Start()
}

// SendHello sends a non-acknowledgement Hello, which the remote must answer.
func (c *Connection) SendHello() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendHelloLocked()
}

func (c *Connection) sendHelloLocked() error {
	if c.closed {
		return ErrConnectionClosed
	}
	c.helloPending = true
	return c.send(c.hello(false))
}

func (c *Connection) hello(ack bool) protocol.Hello {
	return protocol.Hello{
		Ack:        ack,
		PeerID:     c.cfg.LocalID,
		ListenPort: uint32(c.cfg.ListenPort),
		Agent:      c.cfg.Agent,
	}
}

func (c *Connection) send(msg protocol.Message) error {
	err := c.broker.Send(msg)
	if errors.Is(err, broker.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

// Request downloads the resource at path into storage. The future resolves
// to the local file path.
func (c *Connection) Request(path string) *Future[string] {
	f := newFuture[string]()
	req := &request{path: path, download: f}
	f.cancel = func(err error) { c.cancel(req, err) }
	c.submit(req)
	return f
}

// Describe fetches only the metadata of the resource at path.
func (c *Connection) Describe(path string) *Future[models.Resource] {
	f := newFuture[models.Resource]()
	req := &request{path: path, hypothetical: true, describe: f}
	f.cancel = func(err error) { c.cancel(req, err) }
	c.submit(req)
	return f
}

func (c *Connection) submit(req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if !req.hypothetical {
			c.cfg.Metrics.RecordDownload(ErrConnectionClosed, 0, 0)
		}
		req.fail(ErrConnectionClosed)
		return
	}

	now := c.clock.Now()
	req.id = c.nextID
	c.nextID++
	req.started = now
	c.requests[req.id] = req

	if now.Sub(c.lastContact) < FreshnessThreshold {
		c.sendRequestLocked(req)
		return
	}
	c.deferred = append(c.deferred, req)
	if c.helloPending {
		return
	}
	if err := c.sendHelloLocked(); err != nil {
		c.deferred = c.deferred[:len(c.deferred)-1]
		c.failLocked(req, err)
	}
}

func (c *Connection) sendRequestLocked(req *request) {
	c.log.Debug("requesting resource", slog.String("path", req.path), slog.Bool("hypothetical", req.hypothetical))
	err := c.send(protocol.Request{ID: req.id, Path: req.path, Hypothetical: req.hypothetical})
	if err != nil {
		c.failLocked(req, err)
	}
}

// ExchangePeers sends peers to the remote. response marks a reply to an
// exchange the remote started.
func (c *Connection) ExchangePeers(peers []*models.Peer, response bool) error {
	now := c.clock.Now()
	records := make([]protocol.PeerRecord, 0, len(peers))
	for _, p := range peers {
		var age time.Duration
		if !p.LastContact.IsZero() && now.After(p.LastContact) {
			age = now.Sub(p.LastContact)
		}
		records = append(records, protocol.PeerRecord{
			ID:    p.ID,
			Host:  p.Host,
			Port:  int32(p.Port),
			Agent: p.Agent,
			Age:   age,
		})
	}
	c.log.Debug("exchanging peers", slog.Int("count", len(records)), slog.Bool("response", response))
	return c.send(protocol.PeerExchange{Response: response, Peers: records})
}

// Peer returns the remote peer. Before the handshake it carries only the
// socket address.
func (c *Connection) Peer() *models.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.Clone()
}

func (c *Connection) RemoteAddr() netip.AddrPort {
	return c.sock.RemoteAddr()
}

func (c *Connection) Outbound() bool {
	return c.outbound
}

func (c *Connection) HelloReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.helloReceived
}

func (c *Connection) LastContact() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastContact
}

// Alive reports whether the connection can still carry messages.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && !c.broker.Closed() && !c.sock.Closed()
}

// OpenRequests returns the number of requests awaiting completion.
func (c *Connection) OpenRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Close closes the socket immediately and fails every open request.
func (c *Connection) Close() error {
	err := c.broker.Close()
	c.abort(ErrConnectionClosed)
	return err
}

func (c *Connection) String() string {
	return c.Peer().String()
}

// abort fails open requests and stops in-progress uploads. It runs once.
func (c *Connection) abort(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	requests := c.requests
	c.requests = make(map[int32]*request)
	c.deferred = nil
	c.mu.Unlock()

	for _, req := range requests {
		if !req.hypothetical {
			c.cfg.Metrics.RecordDownload(err, 0, 0)
		}
		req.fail(err)
	}

	c.servingMu.Lock()
	serving := make([]*responseSource, 0, len(c.serving))
	for s := range c.serving {
		serving = append(serving, s)
	}
	c.serving = make(map[*responseSource]struct{})
	c.servingMu.Unlock()
	for _, s := range serving {
		s.Close()
	}
}

// CloseListener adapts fn into a reactor close listener. Open requests of
// the closed connection are failed before fn runs.
func CloseListener(fn func(*Connection)) reactor.CloseListener {
	return func(_ reactor.Channel, attachment any) {
		c, ok := attachment.(*Connection)
		if !ok {
			return
		}
		c.abort(ErrConnectionClosed)
		if fn != nil {
			fn(c)
		}
	}
}

// contact checks the handshake happened and records the message as contact.
func (c *Connection) contact(t protocol.MessageType) (*models.Peer, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.helloReceived {
		return nil, fmt.Errorf("%w: %s before hello from %s", ErrProtocolViolation, t, c.sock.RemoteAddr())
	}
	c.lastContact = now
	c.peer.Touch(now)
	return c.peer.Clone(), nil
}

func (c *Connection) onHello(msg protocol.Message) error {
	hello := msg.(protocol.Hello)
	now := c.clock.Now()

	c.mu.Lock()
	if !hello.Ack {
		if err := c.send(c.hello(true)); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.lastContact = now
	c.helloPending = false
	first := !c.helloReceived
	if first {
		c.helloReceived = true
		c.peer = models.NewPeer(hello.PeerID, c.sock.RemoteAddr().Addr().String(), int(hello.ListenPort), hello.Agent, now)
	} else {
		c.peer.Touch(now)
	}
	peer := c.peer.Clone()
	deferred := c.deferred
	c.deferred = nil
	for _, req := range deferred {
		c.sendRequestLocked(req)
	}
	c.mu.Unlock()

	c.log.Debug("got hello", slog.String("agent", hello.Agent), slog.Bool("ack", hello.Ack))
	if !first {
		c.cfg.Listener.PeerResponded(peer)
		return nil
	}
	if c.expectedID != 0 && hello.PeerID != c.expectedID {
		c.cfg.Listener.UnexpectedPeerID(c.expectedID, peer)
	}
	c.cfg.Listener.PeerConnected(peer, c, !hello.Ack)
	return nil
}

func (c *Connection) onPeerExchange(msg protocol.Message) error {
	pex := msg.(protocol.PeerExchange)
	peer, err := c.contact(pex.Type())
	if err != nil {
		return err
	}
	c.cfg.Listener.PeerResponded(peer)

	now := c.clock.Now()
	peers := make([]*models.Peer, 0, len(pex.Peers))
	for _, rec := range pex.Peers {
		peers = append(peers, models.NewPeer(rec.ID, rec.Host, int(rec.Port), rec.Agent, now.Add(-rec.Age)))
	}
	c.cfg.Metrics.GossipReceived(len(peers))
	c.log.Debug("got peer exchange", slog.Int("count", len(peers)), slog.Bool("response", pex.Response))
	c.cfg.Listener.PeersDiscovered(peers, c, pex.Response)
	return nil
}

type nopListener struct{}

func (nopListener) PeerConnected(*models.Peer, *Connection, bool)     {}
func (nopListener) PeerResponded(*models.Peer)                        {}
func (nopListener) PeersDiscovered([]*models.Peer, *Connection, bool) {}
func (nopListener) UnexpectedPeerID(uint64, *models.Peer)             {}
