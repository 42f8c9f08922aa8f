package servent

import (
	"context"
	"log/slog"
	"time"

	"github.com/WendelHime/commune/internal/p2p"
)

// keepAlive visits connections round robin, refreshing last-contact times
// and catching connections that died without a close notification.
type keepAlive struct {
	s     *Servent
	queue []*p2p.Connection
	count int
}

// RunKeepAlive runs the keep-alive cycle until ctx is done.
func (s *Servent) RunKeepAlive(ctx context.Context) error {
	k := &keepAlive{s: s}
	for {
		delay := k.step()
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(delay):
		}
	}
}

// step services one connection and returns how long to wait before the
// next one.
func (k *keepAlive) step() time.Duration {
	next := k.pop()
	if next == nil {
		k.fill()
		next = k.pop()
	}

	if next == nil {
		// Nothing to service: back off as if there were one connection.
		k.count = 1
	} else {
		k.visit(next)
	}
	return k.delay()
}

func (k *keepAlive) pop() *p2p.Connection {
	if len(k.queue) == 0 {
		return nil
	}
	next := k.queue[0]
	k.queue[0] = nil
	k.queue = k.queue[1:]
	return next
}

func (k *keepAlive) fill() {
	var dead []*p2p.Connection
	k.count = 0
	for _, conn := range k.s.Connections() {
		if conn.Alive() {
			k.queue = append(k.queue, conn)
			k.count++
		} else {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		k.s.connectionLost(conn)
	}
}

func (k *keepAlive) visit(conn *p2p.Connection) {
	if !conn.Alive() {
		k.s.connectionLost(conn)
		return
	}
	peer := conn.Peer()
	var err error
	if conn.HelloReceived() && peer.ExchangesPeers() {
		err = conn.ExchangePeers(k.s.PeerList(conn), false)
	} else {
		err = conn.SendHello()
	}
	if err != nil {
		k.s.log.Debug("keep-alive failed", slog.String("peer", peer.String()), slog.Any("error", err))
		k.s.connectionLost(conn)
	}
}

// delay is a random interval in [interval, interval+jitter) divided by the
// number of connections in the current round.
func (k *keepAlive) delay() time.Duration {
	count := k.count
	if count < 1 {
		count = 1
	}
	k.s.mu.Lock()
	jitter := time.Duration(k.s.rng.Int64N(int64(k.s.cfg.KeepAliveJitter)))
	k.s.mu.Unlock()
	return (k.s.cfg.KeepAliveInterval + jitter) / time.Duration(count)
}

// connectionLost closes conn, which routes through the close listener, and
// forgets it directly in case the reactor no longer tracks the socket.
func (s *Servent) connectionLost(conn *p2p.Connection) {
	conn.Close()
	s.peerDisconnected(conn)
}
