// Package broker frames protocol messages over a reactor-managed socket.
//
// A Broker reads frames incrementally, handing each decoded message to the
// receiver registered for its type, and drains an outbound queue whenever
// the socket is writable. Outbound data can be whole messages or a Source
// that yields messages lazily, so a large resource is streamed without being
// held in memory as a single frame.
package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/WendelHime/commune/internal/metrics"
	"github.com/WendelHime/commune/internal/protocol"
	"github.com/WendelHime/commune/internal/reactor"
)

var ErrClosed = errors.New("broker closed")

// Receiver handles one decoded message. A returned error closes the
// connection.
type Receiver func(msg protocol.Message) error

// Source yields a bounded sequence of messages. Next returns nil, nil once
// the sequence is exhausted.
type Source interface {
	Next() (protocol.Message, error)
}

// Conn is the socket a broker drives.
type Conn interface {
	reactor.Channel
	io.Reader
	io.Writer
	Pending() bool
	FinishConnect() error
}

// Multiplexer is the subset of the reactor a broker needs.
type Multiplexer interface {
	Register(ch reactor.Channel, ops reactor.Op, listener reactor.Listener, opts ...reactor.RegisterOption) error
	Remove(ch reactor.Channel, ops reactor.Op) error
	Close(ch reactor.Channel) error
}

type Option func(*Broker)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithConnectOptions applies opts when waiting for a pending connect, for
// example a dial timeout.
func WithConnectOptions(opts ...reactor.RegisterOption) Option {
	return func(b *Broker) {
		b.connectOpts = opts
	}
}

type Broker struct {
	log         *slog.Logger
	mux         Multiplexer
	conn        Conn
	metrics     *metrics.Metrics
	connectOpts []reactor.RegisterOption

	receivers map[protocol.MessageType]Receiver

	// mu guards the outbound queue and the write interest derived from it.
	// It is always taken before the reactor's own lock.
	mu        sync.Mutex
	outgoing  []protocol.Message
	sources   []Source
	connected bool
	started   bool
	closed    bool

	// Read state, touched only on the dispatch goroutine.
	header  [protocol.HeaderLength]byte
	headerN int
	frame   []byte
	frameN  int

	// Write state, touched only on the dispatch goroutine.
	pending     []byte
	pendingType protocol.MessageType
	pendingSize int
	source      Source
}

func New(logger *slog.Logger, mux Multiplexer, conn Conn, opts ...Option) *Broker {
	b := &Broker{
		log:       logger,
		mux:       mux,
		conn:      conn,
		receivers: make(map[protocol.MessageType]Receiver),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Receive routes messages of type t to fn. Receivers must be set before
// Start.
func (b *Broker) Receive(t protocol.MessageType, fn Receiver) *Broker {
	b.receivers[t] = fn
	return b
}

// Start registers the broker with the multiplexer. A socket whose connect
// is still in progress is watched for completion first; anything sent in
// the meantime stays queued.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.started = true
	if b.conn.Pending() {
		return b.mux.Register(b.conn, reactor.OpConnect, b.connectReady, b.connectOpts...)
	}
	return b.armLocked()
}

func (b *Broker) armLocked() error {
	b.connected = true
	if err := b.mux.Register(b.conn, reactor.OpRead, b.readable); err != nil {
		return err
	}
	if len(b.outgoing) > 0 || len(b.sources) > 0 {
		return b.mux.Register(b.conn, reactor.OpWrite, b.writable)
	}
	return nil
}

func (b *Broker) connectReady(ch reactor.Channel) error {
	if err := b.conn.FinishConnect(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if err := b.mux.Remove(b.conn, reactor.OpConnect); err != nil {
		return err
	}
	return b.armLocked()
}

// Send queues msg for delivery.
func (b *Broker) Send(msg protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.outgoing = append(b.outgoing, msg)
	return b.wantWriteLocked()
}

// SendSource queues src; its messages are written after every message
// queued before it.
func (b *Broker) SendSource(src Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.sources = append(b.sources, src)
	return b.wantWriteLocked()
}

func (b *Broker) wantWriteLocked() error {
	if !b.started || !b.connected {
		return nil
	}
	return b.mux.Register(b.conn, reactor.OpWrite, b.writable)
}

// Close cancels and closes the underlying socket. It is safe to call more
// than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.outgoing = nil
	b.sources = nil
	b.mu.Unlock()
	return b.mux.Close(b.conn)
}

func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) readable(ch reactor.Channel) error {
	for !b.Closed() {
		if b.frame == nil {
			n, err := b.conn.Read(b.header[b.headerN:])
			if err != nil {
				return b.ioErr(err)
			}
			b.headerN += n
			if b.headerN < len(b.header) {
				continue
			}
			length, _, err := protocol.ParseHeader(b.header[:])
			if err != nil {
				b.metrics.InvalidMessage()
				return err
			}
			b.frame = make([]byte, length)
			b.frameN = copy(b.frame, b.header[:])
			b.headerN = 0
		}
		if b.frameN < len(b.frame) {
			n, err := b.conn.Read(b.frame[b.frameN:])
			if err != nil {
				return b.ioErr(err)
			}
			b.frameN += n
			if b.frameN < len(b.frame) {
				continue
			}
		}

		frame := b.frame
		b.frame, b.frameN = nil, 0
		if err := b.dispatch(frame); err != nil {
			return err
		}
	}
	return nil
}

// ioErr filters the errors that only mean "try again later" or "someone
// already closed us".
func (b *Broker) ioErr(err error) error {
	if errors.Is(err, reactor.ErrWouldBlock) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (b *Broker) dispatch(frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		b.metrics.InvalidMessage()
		return err
	}
	b.metrics.MessageReceived(msg.Type().String(), len(frame))
	fn, ok := b.receivers[msg.Type()]
	if !ok {
		b.log.Debug("dropping unhandled message",
			slog.String("remote", fmt.Sprint(b.conn)),
			slog.String("type", msg.Type().String()))
		return nil
	}
	return fn(msg)
}

func (b *Broker) writable(ch reactor.Channel) error {
	for {
		if b.pending == nil {
			msg, err := b.next()
			if err != nil {
				return err
			}
			if msg == nil {
				return nil
			}
			data, err := protocol.Encode(msg)
			if err != nil {
				return fmt.Errorf("encode %s: %w", msg.Type(), err)
			}
			b.pending = data
			b.pendingType = msg.Type()
			b.pendingSize = len(data)
		}

		n, err := b.conn.Write(b.pending)
		if err != nil {
			return b.ioErr(err)
		}
		b.pending = b.pending[n:]
		if len(b.pending) == 0 {
			b.pending = nil
			b.metrics.MessageSent(b.pendingType.String(), b.pendingSize)
		}
	}
}

// next pops the next outbound message, pulling from sources once the plain
// queue is empty. When nothing is left it drops write interest while still
// holding mu, so a concurrent Send cannot be lost.
func (b *Broker) next() (protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil
	}
	if len(b.outgoing) > 0 {
		msg := b.outgoing[0]
		b.outgoing[0] = nil
		b.outgoing = b.outgoing[1:]
		return msg, nil
	}
	for {
		if b.source == nil {
			if len(b.sources) == 0 {
				break
			}
			b.source = b.sources[0]
			b.sources[0] = nil
			b.sources = b.sources[1:]
		}
		msg, err := b.source.Next()
		if err != nil {
			b.source = nil
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		b.source = nil
	}
	return nil, b.mux.Remove(b.conn, reactor.OpWrite)
}
