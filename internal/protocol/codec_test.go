package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	longDigest := bytes.Repeat([]byte{0xab}, 64)
	var tests = []struct {
		name string
		msg  Message
	}{
		{name: "hello", msg: Hello{PeerID: 0xdeadbeefcafef00d, ListenPort: 2375, Agent: "Commune Reference/0.4 (PEX)"}},
		{name: "hello ack with empty agent", msg: Hello{Ack: true, PeerID: 1, ListenPort: 0, Agent: ""}},
		{name: "request", msg: Request{ID: 42, Path: "/foo.txt"}},
		{name: "hypothetical request", msg: Request{ID: 0, Path: "/", Hypothetical: true}},
		{name: "request with empty path", msg: Request{ID: 3, Path: ""}},
		{name: "response without digest", msg: Response{ID: 1, Status: 404, StatusText: "Not Found", ContentType: ""}},
		{name: "response with digest", msg: Response{ID: 1, Status: 200, StatusText: "OK", Length: 10, ContentType: "text/plain", Digest: longDigest}},
		{name: "response with empty digest", msg: Response{ID: 1, Status: 200, StatusText: "OK", Length: 1 << 40, ContentType: "a/b", Digest: []byte{}}},
		{name: "payload", msg: Payload{RequestID: 9, Offset: 1 << 33, Body: []byte("hello")}},
		{name: "empty payload", msg: Payload{RequestID: 9, Offset: 0, Body: []byte{}}},
		{name: "empty peer exchange", msg: PeerExchange{Response: true, Peers: []PeerRecord{}}},
		{
			name: "peer exchange",
			msg: PeerExchange{Peers: []PeerRecord{
				{ID: 3, Host: "10.1.2.3", Port: 2375, Agent: "Commune/1 (PEX)", Age: 1500 * time.Millisecond},
				{ID: 4, Host: "", Port: 1, Agent: "", Age: 0},
			}},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, uint32(len(frame)), binary.BigEndian.Uint32(frame[0:4]))
			assert.Equal(t, uint16(tt.msg.Type()), binary.BigEndian.Uint16(frame[4:6]))

			actual, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, actual)
		})
	}
}

func TestEncodePointerMessages(t *testing.T) {
	frame, err := Encode(&Request{ID: 1, Path: "/x"})
	require.NoError(t, err)
	actual, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Request{ID: 1, Path: "/x"}, actual)
}

func TestDecodeLegacyFields(t *testing.T) {
	t.Run("request without hypothetical flag", func(t *testing.T) {
		frame, err := Encode(Request{ID: 5, Path: "/a", Hypothetical: true})
		require.NoError(t, err)
		frame = truncate(frame, 1)

		actual, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, Request{ID: 5, Path: "/a"}, actual)
	})
	t.Run("peer exchange without id block", func(t *testing.T) {
		frame, err := Encode(PeerExchange{Peers: []PeerRecord{{ID: 9, Host: "h", Port: 2, Agent: "a"}}})
		require.NoError(t, err)
		frame = truncate(frame, 8)

		actual, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, PeerExchange{Peers: []PeerRecord{{Host: "h", Port: 2, Agent: "a"}}}, actual)
	})
}

func TestDecodeInvalid(t *testing.T) {
	var tests = []struct {
		name  string
		frame func(t *testing.T) []byte
	}{
		{
			name:  "short header",
			frame: func(t *testing.T) []byte { return []byte{0, 0, 0} },
		},
		{
			name: "unknown type",
			frame: func(t *testing.T) []byte {
				frame := make([]byte, HeaderLength)
				binary.BigEndian.PutUint32(frame, HeaderLength)
				binary.BigEndian.PutUint16(frame[4:], 0x7f)
				return frame
			},
		},
		{
			name: "declared length smaller than header",
			frame: func(t *testing.T) []byte {
				frame := make([]byte, HeaderLength)
				binary.BigEndian.PutUint32(frame, 4)
				binary.BigEndian.PutUint16(frame[4:], uint16(TypeHello))
				return frame
			},
		},
		{
			name: "body underflow",
			frame: func(t *testing.T) []byte {
				frame, err := Encode(Hello{PeerID: 1, Agent: "agent"})
				require.NoError(t, err)
				return truncate(frame, 3)
			},
		},
		{
			name: "peer count larger than body",
			frame: func(t *testing.T) []byte {
				frame, err := Encode(PeerExchange{Peers: []PeerRecord{}})
				require.NoError(t, err)
				binary.BigEndian.PutUint32(frame[HeaderLength+1:], 1000)
				return frame
			},
		},
		{
			name: "digest longer than body",
			frame: func(t *testing.T) []byte {
				frame, err := Encode(Response{ID: 1, Status: 200, Digest: []byte{1, 2}})
				require.NoError(t, err)
				binary.BigEndian.PutUint32(frame[len(frame)-6:], 100)
				return frame
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame(t))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestEncodeRejectsOversizedString(t *testing.T) {
	_, err := Encode(Request{ID: 1, Path: strings.Repeat("a", 70000)})
	assert.Error(t, err)
}

// truncate drops n trailing bytes and rewrites the declared length.
func truncate(frame []byte, n int) []byte {
	out := append([]byte(nil), frame[:len(frame)-n]...)
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	return out
}
