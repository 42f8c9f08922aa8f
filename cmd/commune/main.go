package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/WendelHime/commune/internal/config"
	"github.com/WendelHime/commune/internal/discovery"
	"github.com/WendelHime/commune/internal/logic"
	"github.com/WendelHime/commune/internal/metrics"
	"github.com/WendelHime/commune/internal/peercache"
	"github.com/WendelHime/commune/internal/reactor"
	"github.com/WendelHime/commune/internal/servent"
	"github.com/WendelHime/commune/internal/shared/models"
	"github.com/WendelHime/commune/internal/source"
	"github.com/WendelHime/commune/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Environ())
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	// Create a new logger and generate log file
	logOut, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(cfg.ContentDir, 0755); err != nil {
		return err
	}
	src, err := source.NewDirectorySource(cfg.Prefix, cfg.ContentDir)
	if err != nil {
		return err
	}
	digester, err := source.NewDigester(cfg.DigestCacheSize)
	if err != nil {
		return err
	}
	store, err := storage.NewDirectory(cfg.DownloadDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	r, err := reactor.New(logger)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	node := servent.New(logger, r, servent.Config{
		Limit:             cfg.Limit,
		AdvertiseLoopback: cfg.AdvertiseLoopback,
		DialTimeout:       cfg.DialTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		KeepAliveJitter:   cfg.KeepAliveJitter,
		Source:            src,
		Digester:          digester,
		Storage:           store,
		Metrics:           m,
	})
	if err := node.Listen(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(cfg.Port))); err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error { return node.RunKeepAlive(gctx) })
	if cfg.MetricsAddr != "" {
		server := metrics.NewServer(cfg.MetricsAddr, reg)
		g.Go(func() error { return server.Run(gctx) })
	}
	if cfg.MDNS {
		mdns := discovery.NewMDNS(logger, node.Self(), node)
		g.Go(func() error {
			if err := mdns.Run(gctx); err != nil {
				logger.Warn("mdns unavailable", slog.Any("error", err))
			}
			return nil
		})
	}

	var cache peercache.PeerCache
	if cfg.PeerCache != "" {
		cache = peercache.New(cfg.PeerCache, logger)
		peers, err := cache.Load()
		if err != nil {
			logger.Warn("failed to load peer cache", slog.Any("error", err))
		}
		node.AddPeers(peers)
	}
	bootstrap(gctx, logger, node, cfg.Peers)

	sh := &shell{
		node:       node,
		downloader: logic.NewDownloader(node, logger, logic.WithProgress(os.Stdout)),
		out:        os.Stdout,
		errOut:     os.Stderr,
		now:        time.Now,
		pause:      800 * time.Millisecond,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sh.run(gctx, os.Stdin)
		stop()
	}()
	select {
	case <-done:
	case <-gctx.Done():
	}

	if cache != nil {
		if err := cache.Save(node.KnownPeers()); err != nil {
			logger.Warn("failed to save peer cache", slog.Any("error", err))
		}
	}
	err = node.Close()
	stop()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
		err = multierr.Append(err, gerr)
	}
	return err
}

func bootstrap(ctx context.Context, logger *slog.Logger, node *servent.Servent, addrs []string) {
	for _, addr := range addrs {
		host, port, err := models.ParseHostPort(addr, config.DefaultPort)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ignoring invalid peer address %q.\n", addr)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		if _, err := node.Connect(dialCtx, host, port); err != nil {
			logger.Warn("failed to connect to peer", slog.String("addr", addr), slog.Any("error", err))
		}
		cancel()
	}
}
