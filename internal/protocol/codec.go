package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidMessage is returned for frames that cannot be decoded: unknown
// type codes, bad lengths, or bodies that end before their fields do.
var ErrInvalidMessage = errors.New("invalid message")

type decodeFunc func(r *reader) (Message, error)

// decoders is the tag-to-parser table. Every message type is registered
// here once; there is no other registration path.
var decoders = map[MessageType]decodeFunc{
	TypeHello:        decodeHello,
	TypeRequest:      decodeRequest,
	TypeResponse:     decodeResponse,
	TypePayload:      decodePayload,
	TypePeerExchange: decodePeerExchange,
}

// Known reports whether t has a registered decoder.
func Known(t MessageType) bool {
	_, ok := decoders[t]
	return ok
}

// ParseHeader reads the declared total length and type code from the first
// HeaderLength bytes of a frame.
func ParseHeader(header []byte) (uint32, MessageType, error) {
	if len(header) < HeaderLength {
		return 0, 0, fmt.Errorf("%w: short header", ErrInvalidMessage)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	typ := MessageType(binary.BigEndian.Uint16(header[4:6]))
	if length < HeaderLength || length > MaxMessageLength {
		return 0, 0, fmt.Errorf("%w: declared length %d", ErrInvalidMessage, length)
	}
	return length, typ, nil
}

// Decode parses a complete frame, header included.
func Decode(frame []byte) (Message, error) {
	length, typ, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(length) != len(frame) {
		return nil, fmt.Errorf("%w: declared length %d, frame is %d bytes", ErrInvalidMessage, length, len(frame))
	}
	decode, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrInvalidMessage, uint16(typ))
	}
	r := &reader{buf: frame[HeaderLength:]}
	msg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// Encode serializes a message into a complete frame.
func Encode(m Message) ([]byte, error) {
	w := &writer{buf: make([]byte, HeaderLength, 64)}
	var err error
	switch msg := m.(type) {
	case Hello:
		err = encodeHello(w, msg)
	case *Hello:
		err = encodeHello(w, *msg)
	case Request:
		err = encodeRequest(w, msg)
	case *Request:
		err = encodeRequest(w, *msg)
	case Response:
		err = encodeResponse(w, msg)
	case *Response:
		err = encodeResponse(w, *msg)
	case Payload:
		encodePayload(w, msg)
	case *Payload:
		encodePayload(w, *msg)
	case PeerExchange:
		err = encodePeerExchange(w, msg)
	case *PeerExchange:
		err = encodePeerExchange(w, *msg)
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(w.buf) > MaxMessageLength {
		return nil, fmt.Errorf("encode %s: %d bytes exceeds maximum message length", m.Type(), len(w.buf))
	}
	binary.BigEndian.PutUint32(w.buf[0:4], uint32(len(w.buf)))
	binary.BigEndian.PutUint16(w.buf[4:6], uint16(m.Type()))
	binary.BigEndian.PutUint16(w.buf[6:8], 0)
	return w.buf, nil
}

func encodeHello(w *writer, m Hello) error {
	w.bool(m.Ack)
	w.u64(m.PeerID)
	w.u32(m.ListenPort)
	return w.string(m.Agent)
}

func decodeHello(r *reader) (Message, error) {
	m := Hello{
		Ack:        r.bool(),
		PeerID:     r.u64(),
		ListenPort: r.u32(),
	}
	m.Agent = r.string()
	return m, r.err
}

func encodeRequest(w *writer, m Request) error {
	w.u32(uint32(m.ID))
	if err := w.string(m.Path); err != nil {
		return err
	}
	w.bool(m.Hypothetical)
	return nil
}

func decodeRequest(r *reader) (Message, error) {
	m := Request{ID: int32(r.u32())}
	m.Path = r.string()
	// Legacy senders stop after the path.
	if r.err == nil && r.remaining() >= 1 {
		m.Hypothetical = r.bool()
	}
	return m, r.err
}

func encodeResponse(w *writer, m Response) error {
	w.u32(uint32(m.ID))
	w.u16(uint16(m.Status))
	if err := w.string(m.StatusText); err != nil {
		return err
	}
	w.u64(uint64(m.Length))
	if err := w.string(m.ContentType); err != nil {
		return err
	}
	if m.Digest != nil {
		if len(m.Digest) > math.MaxInt32 {
			return fmt.Errorf("digest of %d bytes is too long", len(m.Digest))
		}
		w.u32(uint32(len(m.Digest)))
		w.bytes(m.Digest)
	}
	return nil
}

func decodeResponse(r *reader) (Message, error) {
	m := Response{
		ID:     int32(r.u32()),
		Status: int16(r.u16()),
	}
	m.StatusText = r.string()
	m.Length = int64(r.u64())
	m.ContentType = r.string()
	if r.err == nil && r.remaining() > 0 {
		n := int32(r.u32())
		if r.err == nil && n < 0 {
			return nil, fmt.Errorf("%w: negative digest length %d", ErrInvalidMessage, n)
		}
		if d := r.take(int(n)); d != nil {
			m.Digest = make([]byte, len(d))
			copy(m.Digest, d)
		}
	}
	return m, r.err
}

func encodePayload(w *writer, m Payload) {
	w.u32(uint32(m.RequestID))
	w.u64(uint64(m.Offset))
	w.bytes(m.Body)
}

func decodePayload(r *reader) (Message, error) {
	m := Payload{
		RequestID: int32(r.u32()),
		Offset:    int64(r.u64()),
	}
	m.Body = r.rest()
	return m, r.err
}

func encodePeerExchange(w *writer, m PeerExchange) error {
	w.bool(m.Response)
	w.u32(uint32(len(m.Peers)))
	for _, p := range m.Peers {
		if err := w.string(p.Host); err != nil {
			return err
		}
		w.u32(uint32(p.Port))
		if err := w.string(p.Agent); err != nil {
			return err
		}
		w.u64(uint64(p.Age.Milliseconds()))
	}
	// Trailing ID block; older decoders stop reading before it.
	for _, p := range m.Peers {
		w.u64(p.ID)
	}
	return nil
}

func decodePeerExchange(r *reader) (Message, error) {
	m := PeerExchange{Response: r.bool()}
	count := int32(r.u32())
	if r.err != nil {
		return nil, r.err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative peer count %d", ErrInvalidMessage, count)
	}
	// Each entry needs at least 16 bytes, which bounds the allocation.
	if int(count) > r.remaining()/16 {
		return nil, fmt.Errorf("%w: %d peers cannot fit in %d bytes", ErrInvalidMessage, count, r.remaining())
	}
	m.Peers = make([]PeerRecord, 0, count)
	for i := 0; i < int(count) && r.err == nil; i++ {
		var p PeerRecord
		p.Host = r.string()
		p.Port = int32(r.u32())
		p.Agent = r.string()
		p.Age = time.Duration(int64(r.u64())) * time.Millisecond
		m.Peers = append(m.Peers, p)
	}
	if r.err == nil && r.remaining() >= 8*int(count) {
		for i := range m.Peers {
			m.Peers[i].ID = r.u64()
		}
	}
	return m, r.err
}
