package logic

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WendelHime/commune/internal/metrics"
	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/reactor"
	"github.com/WendelHime/commune/internal/servent"
	"github.com/WendelHime/commune/internal/shared/models"
	"github.com/WendelHime/commune/internal/source"
	"github.com/WendelHime/commune/internal/storage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNetwork struct {
	offers []servent.Offer
	err    error
}

func (f fakeNetwork) Find(context.Context, string) ([]servent.Offer, error) {
	return f.offers, f.err
}

func (f fakeNetwork) Connect(context.Context, string, int) (*p2p.Connection, error) {
	return nil, f.err
}

func TestDownloadRejects(t *testing.T) {
	offer := func(id uint64, length int64, digest []byte) servent.Offer {
		return servent.Offer{
			Peer:     models.NewPeer(id, "192.0.2.1", 2375, "", time.Time{}),
			Resource: models.Resource{Path: "/a", Length: length, Digest: digest},
		}
	}
	tests := []struct {
		name    string
		network fakeNetwork
		wantErr error
	}{
		{name: "no connections", network: fakeNetwork{err: servent.ErrNoCandidates}, wantErr: servent.ErrNoCandidates},
		{name: "nobody has it", network: fakeNetwork{}, wantErr: ErrNotFound},
		{
			name:    "different lengths",
			network: fakeNetwork{offers: []servent.Offer{offer(1, 10, []byte{1}), offer(2, 11, []byte{1})}},
			wantErr: ErrAmbiguous,
		},
		{
			name:    "missing digests",
			network: fakeNetwork{offers: []servent.Offer{offer(1, 10, nil), offer(2, 10, nil)}},
			wantErr: ErrAmbiguous,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDownloader(tt.network, testLogger()).Download(context.Background(), "/a")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChoose(t *testing.T) {
	digest := []byte{0xab, 0xcd}
	offers := []servent.Offer{
		{Peer: models.NewPeer(1, "192.0.2.1", 2375, "", time.Time{}), Resource: models.Resource{Length: 4, Digest: digest}},
		{Peer: models.NewPeer(2, "192.0.2.2", 2375, "", time.Time{}), Resource: models.Resource{Length: 4, Digest: digest}},
	}
	seen := map[uint64]bool{}
	for i := 0; i < 200; i++ {
		o, err := choose(offers)
		require.NoError(t, err)
		seen[o.Peer.ID] = true
	}
	assert.Len(t, seen, 2)
}

func newServent(t *testing.T, cfg servent.Config) *servent.Servent {
	t.Helper()
	r, err := reactor.New(testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	s := servent.New(testLogger(), r, cfg)
	require.NoError(t, s.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	t.Cleanup(func() {
		s.Close()
		cancel()
		<-done
		r.Shutdown()
	})
	return s
}

func TestDownloadOverLoopback(t *testing.T) {
	content := bytes.Repeat([]byte("commune "), 100000)
	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "big.bin"), content, 0644))
	src, err := source.NewDirectorySource("/", shared)
	require.NoError(t, err)
	digester, err := source.NewDigester(16)
	require.NoError(t, err)
	store, err := storage.NewDirectory(t.TempDir())
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	server := newServent(t, servent.Config{ID: 2, Limit: 1, AdvertiseLoopback: true, Source: src, Digester: digester})
	client := newServent(t, servent.Config{ID: 1, Limit: 1, AdvertiseLoopback: true, Storage: store, Metrics: m})
	port := int(server.ListenAddr().Port())

	var progress syncBuffer
	d := NewDownloader(client, testLogger(), WithProgress(&progress))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name, err := d.DownloadFrom(ctx, "127.0.0.1", port, "/big.bin")
	require.NoError(t, err)
	got, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, filepath.Join(store.Dir(), "big.bin"), name)
	assert.NotEmpty(t, progress.String())

	require.NoError(t, os.Remove(name))
	name, err = d.Download(ctx, "/big.bin")
	require.NoError(t, err)
	got, err = os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = d.Download(ctx, "/missing.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(2*len(content)), testutil.ToFloat64(m.DownloadBytes))
}
