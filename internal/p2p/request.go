package p2p

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/WendelHime/commune/internal/protocol"
	"github.com/WendelHime/commune/internal/shared/models"
	"github.com/WendelHime/commune/internal/source"
	"github.com/WendelHime/commune/internal/storage"
)

// request is an outstanding Request on one connection. Exactly one of
// download and describe is set.
type request struct {
	id           int32
	path         string
	hypothetical bool
	download     *Future[string]
	describe     *Future[models.Resource]
	started      time.Time

	length int64
	sink   storage.Writer
}

func (r *request) fail(err error) {
	if r.sink != nil {
		r.sink.Abort()
		r.sink = nil
	}
	if r.download != nil {
		r.download.resolve("", err)
		return
	}
	r.describe.resolve(models.Resource{}, err)
}

// failLocked drops req and counts it as a failed download.
func (c *Connection) failLocked(req *request, err error) {
	delete(c.requests, req.id)
	if !req.hypothetical {
		c.cfg.Metrics.RecordDownload(err, 0, 0)
	}
	req.fail(err)
}

// cancel abandons req if it is still open. Bytes that arrive later are
// dropped and a partial file is removed.
func (c *Connection) cancel(req *request, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests[req.id] != req {
		return
	}
	c.deferred = slices.DeleteFunc(c.deferred, func(r *request) bool { return r == req })
	c.log.Debug("request cancelled", slog.String("path", req.path), slog.Int("request", int(req.id)))
	c.failLocked(req, err)
}

func (c *Connection) onRequest(msg protocol.Message) error {
	req := msg.(protocol.Request)
	peer, err := c.contact(req.Type())
	if err != nil {
		return err
	}
	c.cfg.Listener.PeerResponded(peer)
	return c.serve(req)
}

func (c *Connection) serve(req protocol.Request) error {
	log := c.log.With(slog.String("path", req.Path), slog.Int("request", int(req.ID)))

	res, err := c.lookup(req.Path)
	if errors.Is(err, source.ErrNotFound) {
		log.Info("resource not found")
		return c.respondStatus(req.ID, protocol.StatusNotFound, "Not Found")
	}
	if err != nil {
		log.Warn("resource lookup failed", slog.Any("error", err))
		return c.respondStatus(req.ID, protocol.StatusError, "Internal Error")
	}

	header := protocol.Response{
		ID:          req.ID,
		Status:      protocol.StatusOK,
		StatusText:  "OK",
		Length:      res.Size,
		ContentType: res.ContentType,
		Digest:      c.digest(res),
	}
	if req.Hypothetical {
		log.Debug("describing resource")
		c.cfg.Metrics.RequestServed(protocol.StatusOK)
		return c.ignoreClosed(c.send(header))
	}

	f, err := res.Open()
	if err != nil {
		log.Warn("open resource failed", slog.Any("error", err))
		return c.respondStatus(req.ID, protocol.StatusError, "Internal Error")
	}
	src := newResponseSource(header, f, res.Size)
	c.servingMu.Lock()
	c.serving[src] = struct{}{}
	c.servingMu.Unlock()
	src.onDone = func() {
		c.servingMu.Lock()
		delete(c.serving, src)
		c.servingMu.Unlock()
	}

	log.Info("serving resource", slog.Int64("length", res.Size))
	c.cfg.Metrics.RequestServed(protocol.StatusOK)
	if err := c.broker.SendSource(src); err != nil {
		src.Close()
	}
	return nil
}

func (c *Connection) lookup(path string) (*source.Resource, error) {
	if c.cfg.Source == nil {
		return nil, source.ErrNotFound
	}
	return c.cfg.Source.Lookup(path)
}

// digest is best effort: without a digester, or on failure, the response
// simply carries no digest.
func (c *Connection) digest(res *source.Resource) []byte {
	if c.cfg.Digester == nil {
		return nil
	}
	sum, err := c.cfg.Digester.Digest(res)
	if err != nil {
		c.log.Warn("digest failed", slog.String("path", res.Path), slog.Any("error", err))
		return nil
	}
	return sum
}

func (c *Connection) respondStatus(id int32, status int16, text string) error {
	c.cfg.Metrics.RequestServed(status)
	return c.ignoreClosed(c.send(protocol.Response{ID: id, Status: status, StatusText: text}))
}

func (c *Connection) ignoreClosed(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

func (c *Connection) onResponse(msg protocol.Message) error {
	resp := msg.(protocol.Response)
	peer, err := c.contact(resp.Type())
	if err != nil {
		return err
	}
	c.cfg.Listener.PeerResponded(peer)

	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[resp.ID]
	if !ok {
		c.log.Warn("response for unknown request", slog.Int("request", int(resp.ID)))
		return nil
	}
	log := c.log.With(slog.String("path", req.path), slog.Int("request", int(req.id)))

	if resp.Status != protocol.StatusOK {
		log.Info("request failed", slog.Int("status", int(resp.Status)), slog.String("text", resp.StatusText))
		c.failLocked(req, &StatusError{Code: resp.Status, Text: resp.StatusText})
		return nil
	}
	if req.hypothetical {
		delete(c.requests, req.id)
		req.describe.resolve(models.Resource{
			Path:        req.path,
			Length:      resp.Length,
			ContentType: resp.ContentType,
			Digest:      resp.Digest,
		}, nil)
		return nil
	}
	if req.sink != nil {
		log.Warn("duplicate response header ignored")
		return nil
	}
	if resp.Length < 0 {
		c.failLocked(req, fmt.Errorf("%w: negative length %d", ErrProtocolViolation, resp.Length))
		return nil
	}
	if c.cfg.Storage == nil {
		c.failLocked(req, errors.New("no download storage configured"))
		return nil
	}

	sink, err := c.cfg.Storage.Create(req.path, resp.Length)
	if err != nil {
		c.failLocked(req, fmt.Errorf("create destination for %s: %w", req.path, err))
		return nil
	}
	log.Info("receiving resource", slog.Int64("length", resp.Length))
	req.sink = sink
	req.length = resp.Length
	req.download.total.Store(resp.Length)
	if resp.Length == 0 {
		c.completeLocked(req)
	}
	return nil
}

func (c *Connection) onPayload(msg protocol.Message) error {
	payload := msg.(protocol.Payload)
	peer, err := c.contact(payload.Type())
	if err != nil {
		return err
	}
	c.cfg.Listener.PeerResponded(peer)

	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[payload.RequestID]
	if !ok || req.sink == nil {
		c.log.Debug("payload for inactive request", slog.Int("request", int(payload.RequestID)))
		return nil
	}
	if written := req.sink.Written(); payload.Offset != written {
		c.log.Debug("payload offset differs from delivery order",
			slog.Int64("offset", payload.Offset), slog.Int64("written", written))
	}
	if _, err := req.sink.Write(payload.Body); err != nil {
		c.failLocked(req, fmt.Errorf("store %s: %w", req.path, err))
		return nil
	}
	written := req.sink.Written()
	req.download.received.Store(written)
	if written >= req.length {
		c.completeLocked(req)
	}
	return nil
}

func (c *Connection) completeLocked(req *request) {
	delete(c.requests, req.id)
	sink := req.sink
	req.sink = nil
	path, err := sink.Commit()
	c.cfg.Metrics.RecordDownload(err, req.length, c.clock.Since(req.started))
	if err != nil {
		c.log.Warn("finalize download failed", slog.String("path", req.path), slog.Any("error", err))
	} else {
		c.log.Info("download complete", slog.String("path", req.path), slog.String("file", path))
	}
	req.download.resolve(path, err)
}

// responseSource streams a served resource as one Response header followed
// by Payload chunks.
type responseSource struct {
	mu     sync.Mutex
	header *protocol.Response
	id     int32
	file   io.ReadCloser
	offset int64
	size   int64
	closed bool
	onDone func()
}

func newResponseSource(header protocol.Response, file io.ReadCloser, size int64) *responseSource {
	return &responseSource{header: &header, id: header.ID, file: file, size: size}
}

func (s *responseSource) Next() (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	if s.header != nil {
		header := *s.header
		s.header = nil
		return header, nil
	}
	if s.offset >= s.size {
		s.closeLocked()
		return nil, nil
	}

	n := min(int64(ChunkSize), s.size-s.offset)
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.file, buf); err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("read resource at offset %d: %w", s.offset, err)
	}
	msg := protocol.Payload{RequestID: s.id, Offset: s.offset, Body: buf}
	s.offset += n
	return msg, nil
}

func (s *responseSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *responseSource) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.file.Close()
	if s.onDone != nil {
		s.onDone()
	}
}
