package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/servent"
	"github.com/WendelHime/commune/internal/shared/models"
)

var (
	ErrNotFound  = errors.New("no peer offers the resource")
	ErrAmbiguous = errors.New("peers offer different resources under that path")
)

// Network is the part of the servent the downloader drives.
type Network interface {
	Find(ctx context.Context, path string) ([]servent.Offer, error)
	Connect(ctx context.Context, host string, port int) (*p2p.Connection, error)
}

type Downloader interface {
	// Download finds path on the connected peers and fetches it from one of
	// them. It returns the stored file name.
	Download(ctx context.Context, path string) (string, error)
	// DownloadFrom fetches path from the peer at host:port.
	DownloadFrom(ctx context.Context, host string, port int, path string) (string, error)
}

type Option func(*downloader)

// WithProgress renders a progress bar to w while a download runs.
func WithProgress(w io.Writer) Option {
	return func(d *downloader) { d.out = w }
}

type downloader struct {
	network Network
	log     *slog.Logger
	out     io.Writer
	poll    time.Duration
}

func NewDownloader(network Network, logger *slog.Logger, opts ...Option) Downloader {
	d := &downloader{network: network, log: logger, poll: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *downloader) Download(ctx context.Context, path string) (string, error) {
	d.log.Info("looking for resource", slog.String("path", path))
	offers, err := d.network.Find(ctx, path)
	if err != nil {
		return "", err
	}
	offer, err := choose(offers)
	if err != nil {
		return "", err
	}
	d.log.Info("downloading resource", slog.String("path", path), slog.String("peer", offer.Peer.String()),
		slog.Int("offers", len(offers)), slog.Int64("length", offer.Resource.Length))
	return d.fetch(ctx, offer.Conn, path)
}

// choose picks a random offer once every offer is provably the same file.
func choose(offers []servent.Offer) (servent.Offer, error) {
	if len(offers) == 0 {
		return servent.Offer{}, ErrNotFound
	}
	first := offers[0].Resource
	for _, o := range offers[1:] {
		if !first.Equal(o.Resource) {
			return servent.Offer{}, fmt.Errorf("%w: %s", ErrAmbiguous, describe(offers))
		}
	}
	return offers[rand.IntN(len(offers))], nil
}

func describe(offers []servent.Offer) string {
	parts := make([]string, 0, len(offers))
	for _, o := range offers {
		parts = append(parts, fmt.Sprintf("%s: %d bytes %s", o.Peer, o.Resource.Length, digestString(o.Resource)))
	}
	return strings.Join(parts, ", ")
}

func digestString(r models.Resource) string {
	if r.Digest == nil {
		return "(no digest)"
	}
	return fmt.Sprintf("%x", r.Digest)
}

func (d *downloader) DownloadFrom(ctx context.Context, host string, port int, path string) (string, error) {
	conn, err := d.network.Connect(ctx, host, port)
	if err != nil {
		return "", err
	}
	d.log.Info("downloading resource", slog.String("path", path), slog.String("peer", models.JoinHostPort(host, port)))
	return d.fetch(ctx, conn, path)
}

func (d *downloader) fetch(ctx context.Context, conn *p2p.Connection, path string) (string, error) {
	start := time.Now()
	future := conn.Request(path)

	var bar *progressbar.ProgressBar
	if d.out != nil {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(d.out),
			progressbar.OptionSetDescription(path),
			progressbar.OptionShowBytes(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(d.out) }),
		)
	}

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-future.Done():
			name, err := future.Get(ctx)
			received, _ := future.Progress()
			if err != nil {
				d.log.Warn("download failed", slog.String("path", path), slog.Any("error", err))
				if bar != nil {
					bar.Exit()
				}
				return "", err
			}
			if bar != nil {
				bar.ChangeMax64(received)
				bar.Set64(received)
				bar.Finish()
			}
			d.log.Info("download complete", slog.String("path", path), slog.String("file", name),
				slog.Int64("bytes", received), slog.Duration("elapsed", time.Since(start)))
			return name, nil
		case <-ctx.Done():
			future.Cancel(ctx.Err())
			if bar != nil {
				bar.Exit()
			}
			return "", ctx.Err()
		case <-ticker.C:
			if bar == nil {
				continue
			}
			received, total := future.Progress()
			if total >= 0 && bar.GetMax64() != total {
				bar.ChangeMax64(total)
			}
			bar.Set64(received)
		}
	}
}
