// Package discovery finds peers on the local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/WendelHime/commune/internal/shared/models"
)

const (
	ServiceName   = "_commune._tcp"
	ServiceDomain = "local."
)

// PeerSink receives peers found on the network.
type PeerSink interface {
	AddPeers([]*models.Peer) int
}

type MDNS struct {
	log  *slog.Logger
	self *models.Peer
	sink PeerSink
}

// NewMDNS advertises self and hands every other announced peer to sink.
func NewMDNS(logger *slog.Logger, self *models.Peer, sink PeerSink) *MDNS {
	return &MDNS{log: logger, self: self, sink: sink}
}

// Run advertises and browses until ctx is done.
func (m *MDNS) Run(ctx context.Context) error {
	server, err := zeroconf.Register(InstanceName(m.self.ID), ServiceName, ServiceDomain, m.self.Port, TXT(m.self), nil)
	if err != nil {
		return fmt.Errorf("could not register service: %w", err)
	}
	defer server.Shutdown()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			p, ok := PeerFromEntry(entry, m.self.ID)
			if !ok {
				continue
			}
			m.log.Debug("mdns peer", slog.String("peer", p.String()))
			m.sink.AddPeers([]*models.Peer{p})
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, ServiceDomain, entries); err != nil {
		// The resolver closes entries once its browse loop stops.
		<-done
		return fmt.Errorf("failed to browse: %w", err)
	}
	m.log.Info("mdns started", slog.String("instance", InstanceName(m.self.ID)), slog.Int("port", m.self.Port))
	<-ctx.Done()
	<-done
	return nil
}

func InstanceName(id uint64) string {
	return fmt.Sprintf("commune-%016x", id)
}

// TXT describes the peer in the service's TXT record.
func TXT(p *models.Peer) []string {
	return []string{
		"id=" + strconv.FormatUint(p.ID, 16),
		"agent=" + p.Agent,
	}
}

// PeerFromEntry converts a resolved service into a peer. Entries announced
// by self, or without a usable address, are rejected.
func PeerFromEntry(entry *zeroconf.ServiceEntry, self uint64) (*models.Peer, bool) {
	var (
		id    uint64
		agent string
	)
	for _, kv := range entry.Text {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "id":
			if v, err := strconv.ParseUint(value, 16, 64); err == nil {
				id = v
			}
		case "agent":
			agent = value
		}
	}
	if id == self && id != 0 {
		return nil, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return nil, false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return nil, false
	}
	return models.NewPeer(id, host, entry.Port, agent, time.Time{}), true
}
