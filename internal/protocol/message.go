// Package protocol implements the Commune wire format: an 8 byte header
// (length, type, reserved) followed by a type specific body.
package protocol

import "time"

type MessageType uint16

const (
	TypeHello        MessageType = 0x01
	TypeRequest      MessageType = 0x10
	TypeResponse     MessageType = 0x11
	TypePayload      MessageType = 0x12
	TypePeerExchange MessageType = 0x20
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePayload:
		return "payload"
	case TypePeerExchange:
		return "peer-exchange"
	default:
		return "unknown"
	}
}

const (
	// HeaderLength is the size of the fixed header, included in every
	// message's declared length.
	HeaderLength = 8
	// PayloadOverhead is the size of the Payload fields preceding the body.
	PayloadOverhead = 12
	// MaxMessageLength bounds the body buffer a peer can make us allocate.
	MaxMessageLength = 16 << 20
)

const (
	StatusOK       int16 = 200
	StatusNotFound int16 = 404
	StatusError    int16 = 500
)

type Message interface {
	Type() MessageType
}

// Hello opens (or, when Ack is set, acknowledges) a handshake.
type Hello struct {
	Ack        bool
	PeerID     uint64
	ListenPort uint32
	Agent      string
}

// Request asks for a resource. A hypothetical request wants metadata only.
type Request struct {
	ID           int32
	Path         string
	Hypothetical bool
}

type Response struct {
	ID          int32
	Status      int16
	StatusText  string
	Length      int64
	ContentType string
	Digest      []byte
}

// Payload carries one contiguous chunk of a resource.
type Payload struct {
	RequestID int32
	Offset    int64
	Body      []byte
}

type PeerExchange struct {
	Response bool
	Peers    []PeerRecord
}

// PeerRecord is one gossiped peer. ID is zero when the sender did not
// include the trailing ID block.
type PeerRecord struct {
	ID    uint64
	Host  string
	Port  int32
	Agent string
	Age   time.Duration
}

func (Hello) Type() MessageType        { return TypeHello }
func (Request) Type() MessageType      { return TypeRequest }
func (Response) Type() MessageType     { return TypeResponse }
func (Payload) Type() MessageType      { return TypePayload }
func (PeerExchange) Type() MessageType { return TypePeerExchange }
