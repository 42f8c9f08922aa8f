package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by non-blocking socket operations that cannot
// make progress until the descriptor is ready again.
var ErrWouldBlock = errors.New("operation would block")

// Conn is a non-blocking stream socket.
type Conn struct {
	fd      int
	remote  netip.AddrPort
	local   netip.AddrPort
	pending atomic.Bool
	closed  atomic.Bool
	once    sync.Once
}

func newConn(fd int, remote netip.AddrPort) *Conn {
	c := &Conn{fd: fd, remote: remote}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.local = fromSockaddr(sa)
	}
	return c
}

// Dial starts a non-blocking connect. If the connect is still in progress
// Pending reports true until FinishConnect succeeds.
func Dial(addr netip.AddrPort) (*Conn, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	fd, err := socket(addr)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, toSockaddr(addr))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c := newConn(fd, addr)
	c.pending.Store(err != nil)
	return c, nil
}

// FinishConnect completes a pending connect once the socket is writable.
func (c *Conn) FinishConnect() error {
	if !c.pending.Load() {
		return nil
	}
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.remote, err)
	}
	if soerr != 0 {
		return fmt.Errorf("connect %s: %w", c.remote, syscall.Errno(soerr))
	}
	c.pending.Store(false)
	if sa, err := unix.Getsockname(c.fd); err == nil {
		c.local = fromSockaddr(sa)
	}
	return nil
}

func (c *Conn) Fd() int                    { return c.fd }
func (c *Conn) Pending() bool              { return c.pending.Load() }
func (c *Conn) Closed() bool               { return c.closed.Load() }
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *Conn) LocalAddr() netip.AddrPort  { return c.local }

func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = unix.Close(c.fd)
	})
	return err
}

func (c *Conn) String() string {
	return c.remote.String()
}

// ServerSocket is a non-blocking listening socket.
type ServerSocket struct {
	fd     int
	addr   netip.AddrPort
	closed atomic.Bool
	once   sync.Once
}

func Listen(addr netip.AddrPort) (*ServerSocket, error) {
	fd, err := socket(addr)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := unix.Bind(fd, toSockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &ServerSocket{fd: fd, addr: addr}
	if sa, err := unix.Getsockname(fd); err == nil {
		s.addr = fromSockaddr(sa)
	}
	return s, nil
}

// Accept returns the next pending connection, or ErrWouldBlock.
func (s *ServerSocket) Accept() (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept(s.fd)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		case err != nil:
			return nil, err
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return nil, err
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return newConn(nfd, fromSockaddr(sa)), nil
	}
}

func (s *ServerSocket) Fd() int              { return s.fd }
func (s *ServerSocket) Addr() netip.AddrPort { return s.addr }

func (s *ServerSocket) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = unix.Close(s.fd)
	})
	return err
}

// Socketpair returns two connected in-process sockets labelled with the
// given remote addresses.
func Socketpair(remoteA, remoteB netip.AddrPort) (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("socketpair: %w", err)
		}
	}
	return &Conn{fd: fds[0], remote: remoteA}, &Conn{fd: fds[1], remote: remoteB}, nil
}

func socket(addr netip.AddrPort) (int, error) {
	family := unix.AF_INET6
	if addr.Addr().Is4() {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
