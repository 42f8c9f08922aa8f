// Package reactor multiplexes socket readiness on a single dispatch
// goroutine. Callers register interest in operations on a Channel together
// with a listener, and optionally a timeout that fires if the operation does
// not become ready in time.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed        = errors.New("reactor closed")
	ErrRunning       = errors.New("reactor already running")
	ErrNotRegistered = errors.New("channel not registered")
	ErrHangup        = errors.New("channel hung up")
)

// Channel is a pollable file descriptor.
type Channel interface {
	Fd() int
	Close() error
}

// Listener is invoked on the dispatch goroutine when an operation is ready.
// A returned error cancels and closes the channel.
type Listener func(ch Channel) error

// TimeoutFunc runs on the timer goroutine when a registered operation did
// not become ready in time.
type TimeoutFunc func(ch Channel) error

// CloseListener is notified exactly once per channel when it is cancelled.
type CloseListener func(ch Channel, attachment any)

type registration struct {
	timeout   time.Duration
	onTimeout TimeoutFunc
}

type RegisterOption func(*registration)

// WithTimeout arms a one-shot timeout for the registered operations. A nil
// action closes the channel.
func WithTimeout(d time.Duration, action TimeoutFunc) RegisterOption {
	return func(r *registration) {
		r.timeout = d
		r.onTimeout = action
	}
}

type Option func(*Reactor)

func WithClock(c clock.Clock) Option {
	return func(r *Reactor) {
		r.clock = c
	}
}

type state struct {
	ch         Channel
	interest   Op
	listeners  map[Op]Listener
	timers     map[Op]*clock.Timer
	attachment any
	cancelled  bool
}

func (s *state) events() int16 {
	var ev int16
	if s.interest&(OpRead|OpAccept) != 0 {
		ev |= unix.POLLIN
	}
	if s.interest&(OpWrite|OpConnect) != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (s *state) stopTimer(op Op) {
	if t, ok := s.timers[op]; ok {
		t.Stop()
		delete(s.timers, op)
	}
}

type Reactor struct {
	log   *slog.Logger
	clock clock.Clock

	mu             sync.Mutex
	channels       map[int]*state
	closeListeners []CloseListener
	closed         bool
	// evicted holds states displaced by a new channel on a reused
	// descriptor. The loop notifies their close listeners.
	evicted []*state

	// registering is non-zero while another goroutine waits to mutate the
	// channel table; the loop must not re-enter poll until it drops.
	registering atomic.Int32
	running     atomic.Bool

	wakeMu sync.RWMutex
	wakeR  int
	wakeW  int
}

func New(logger *slog.Logger, opts ...Option) (*Reactor, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("configure wake pipe: %w", err)
		}
	}
	r := &Reactor{
		log:      logger,
		clock:    clock.New(),
		channels: make(map[int]*state),
		wakeR:    p[0],
		wakeW:    p[1],
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AddCloseListener registers fn to be told about every cancelled channel.
func (r *Reactor) AddCloseListener(fn CloseListener) {
	r.lock()
	defer r.unlock()
	r.closeListeners = append(r.closeListeners, fn)
}

// Register sets listener for each operation in ops, adding to any interest
// already registered for ch.
func (r *Reactor) Register(ch Channel, ops Op, listener Listener, opts ...RegisterOption) error {
	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	r.lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	st := r.stateLocked(ch)
	for _, op := range allOps {
		if ops&op == 0 {
			continue
		}
		st.listeners[op] = listener
		st.interest |= op
		st.stopTimer(op)
		if reg.timeout > 0 {
			r.armLocked(st, op, reg)
		}
	}
	return nil
}

// stateLocked returns the state of ch, creating it if needed. A state left
// on the descriptor by a different channel is cancelled and queued for
// close notification.
func (r *Reactor) stateLocked(ch Channel) *state {
	st, ok := r.channels[ch.Fd()]
	if ok && st.ch == ch {
		return st
	}
	if ok {
		r.log.Debug("descriptor reused, evicting stale channel", slog.Int("fd", ch.Fd()))
		r.cancelLocked(st)
		r.evicted = append(r.evicted, st)
	}
	st = &state{
		ch:        ch,
		listeners: make(map[Op]Listener),
		timers:    make(map[Op]*clock.Timer),
	}
	r.channels[ch.Fd()] = st
	return st
}

func (r *Reactor) cancelLocked(st *state) {
	delete(r.channels, st.ch.Fd())
	st.cancelled = true
	for op := range st.timers {
		st.stopTimer(op)
	}
}

// notifyEvicted tells close listeners about evicted channels.
func (r *Reactor) notifyEvicted() {
	r.mu.Lock()
	evicted := r.evicted
	r.evicted = nil
	listeners := append([]CloseListener(nil), r.closeListeners...)
	r.mu.Unlock()

	for _, st := range evicted {
		for _, fn := range listeners {
			fn(st.ch, st.attachment)
		}
	}
}

func (r *Reactor) armLocked(st *state, op Op, reg registration) {
	var t *clock.Timer
	t = r.clock.AfterFunc(reg.timeout, func() {
		r.expire(st, op, t, reg.onTimeout)
	})
	st.timers[op] = t
}

func (r *Reactor) expire(st *state, op Op, t *clock.Timer, action TimeoutFunc) {
	r.lock()
	if st.cancelled || st.timers[op] != t {
		r.unlock()
		return
	}
	delete(st.timers, op)
	delete(st.listeners, op)
	st.interest &^= op
	r.unlock()

	r.log.Debug("operation timed out", slog.Int("fd", st.ch.Fd()), slog.String("op", op.String()))
	if action == nil {
		action = r.closeOnTimeout
	}
	if err := action(st.ch); err != nil {
		r.fail(st.ch, err)
	}
}

func (r *Reactor) closeOnTimeout(ch Channel) error {
	return r.Close(ch)
}

// Remove drops interest in ops and disarms their timeouts.
func (r *Reactor) Remove(ch Channel, ops Op) error {
	r.lock()
	defer r.unlock()
	st, ok := r.channels[ch.Fd()]
	if !ok || st.ch != ch {
		return ErrNotRegistered
	}
	for _, op := range allOps {
		if ops&op == 0 {
			continue
		}
		delete(st.listeners, op)
		st.stopTimer(op)
		st.interest &^= op
	}
	return nil
}

// Interest returns the operations currently registered for ch.
func (r *Reactor) Interest(ch Channel) Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.channels[ch.Fd()]; ok && st.ch == ch {
		return st.interest
	}
	return 0
}

// Attach stores an opaque value alongside ch. It is handed to close
// listeners when the channel is cancelled.
func (r *Reactor) Attach(ch Channel, attachment any) error {
	r.lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	st := r.stateLocked(ch)
	st.attachment = attachment
	return nil
}

func (r *Reactor) Attachment(ch Channel) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.channels[ch.Fd()]; ok && st.ch == ch {
		return st.attachment
	}
	return nil
}

// Cancel forgets ch, disarms its timeouts and notifies close listeners. It
// does not close the descriptor; see Close.
func (r *Reactor) Cancel(ch Channel) {
	r.lock()
	st, ok := r.channels[ch.Fd()]
	if !ok || st.ch != ch {
		r.unlock()
		return
	}
	r.cancelLocked(st)
	listeners := append([]CloseListener(nil), r.closeListeners...)
	r.unlock()

	for _, fn := range listeners {
		fn(ch, st.attachment)
	}
}

// Close cancels ch and closes it.
func (r *Reactor) Close(ch Channel) error {
	r.Cancel(ch)
	return ch.Close()
}

// Run polls and dispatches until ctx is done or the reactor is shut down.
// All listeners execute on the calling goroutine.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	var (
		fds    []unix.PollFd
		states []*state
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		for r.registering.Load() > 0 {
			runtime.Gosched()
		}
		r.notifyEvicted()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		fds = append(fds[:0], unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
		states = append(states[:0], nil)
		for fd, st := range r.channels {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: st.events()})
			states = append(states, st)
		}
		r.mu.Unlock()

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents != 0 {
			r.drainWake()
		}
		for i := 1; i < len(fds); i++ {
			if fds[i].Revents != 0 {
				r.dispatch(states[i], fds[i].Revents)
			}
		}
	}
}

type pendingCall struct {
	op       Op
	listener Listener
}

func (r *Reactor) dispatch(st *state, revents int16) {
	r.mu.Lock()
	if st.cancelled {
		r.mu.Unlock()
		return
	}
	var ready Op
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= st.interest & (OpRead | OpAccept)
	}
	if revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= st.interest & (OpWrite | OpConnect)
	}
	var calls []pendingCall
	for _, op := range allOps {
		if ready&op == 0 {
			continue
		}
		st.stopTimer(op)
		calls = append(calls, pendingCall{op: op, listener: st.listeners[op]})
	}
	broken := revents&unix.POLLNVAL != 0 || (ready == 0 && revents&(unix.POLLHUP|unix.POLLERR) != 0)
	r.mu.Unlock()

	if broken {
		r.fail(st.ch, ErrHangup)
		return
	}
	for _, c := range calls {
		if c.listener == nil || r.isCancelled(st) {
			continue
		}
		if err := c.listener(st.ch); err != nil {
			r.fail(st.ch, err)
			return
		}
	}
}

func (r *Reactor) isCancelled(st *state) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return st.cancelled
}

func (r *Reactor) fail(ch Channel, err error) {
	switch {
	case isUnreachable(err):
		// Routine for connectionless peers.
	case errors.Is(err, io.EOF), errors.Is(err, unix.ECONNRESET), errors.Is(err, ErrHangup):
		r.log.Debug("channel closed by remote", slog.Int("fd", ch.Fd()), slog.Any("error", err))
	default:
		r.log.Warn("channel error", slog.Int("fd", ch.Fd()), slog.Any("error", err))
	}
	r.Cancel(ch)
	if cerr := ch.Close(); cerr != nil {
		r.log.Debug("close after error", slog.Int("fd", ch.Fd()), slog.Any("error", cerr))
	}
}

func isUnreachable(err error) bool {
	return errors.Is(err, unix.EHOSTUNREACH) || errors.Is(err, unix.ENETUNREACH)
}

// Shutdown cancels and closes every registered channel and releases the
// wake pipe. Run returns ErrClosed afterwards.
func (r *Reactor) Shutdown() error {
	r.lock()
	if r.closed {
		r.unlock()
		return nil
	}
	r.closed = true
	channels := make([]Channel, 0, len(r.channels))
	for _, st := range r.channels {
		channels = append(channels, st.ch)
	}
	r.unlock()

	r.notifyEvicted()
	var err error
	for _, ch := range channels {
		r.Cancel(ch)
		err = multierr.Append(err, ch.Close())
	}

	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	err = multierr.Append(err, unix.Close(r.wakeR))
	err = multierr.Append(err, unix.Close(r.wakeW))
	r.wakeR, r.wakeW = -1, -1
	return err
}

// lock takes the channel table for mutation from any goroutine. It raises
// the registering flag and wakes a blocked poll first, so the dispatch loop
// never sleeps on a stale descriptor set.
func (r *Reactor) lock() {
	r.registering.Add(1)
	r.wake()
	r.mu.Lock()
}

func (r *Reactor) unlock() {
	r.mu.Unlock()
	r.registering.Add(-1)
}

func (r *Reactor) wake() {
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.wakeW < 0 {
		return
	}
	_, err := unix.Write(r.wakeW, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		r.log.Debug("wake failed", slog.Any("error", err))
	}
}

func (r *Reactor) drainWake() {
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	var buf [64]byte
	for r.wakeR >= 0 {
		if n, err := unix.Read(r.wakeR, buf[:]); err != nil || n <= 0 {
			return
		}
	}
}
