package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AttributePEX is the user-agent attribute advertising peer exchange support.
const AttributePEX = "PEX"

var (
	attributeSuffix    = regexp.MustCompile(`\s+\((.+)\)$`)
	attributeSeparator = regexp.MustCompile(`;\s*`)
)

// Peer is a participant in the overlay. A zero ID means the identity is not
// known yet (the peer was built from a bare socket address).
type Peer struct {
	ID          uint64
	Host        string
	Port        int
	Agent       string
	Attributes  map[string]struct{}
	LastContact time.Time
}

func NewPeer(id uint64, host string, port int, agent string, lastContact time.Time) *Peer {
	return &Peer{
		ID:          id,
		Host:        host,
		Port:        port,
		Agent:       agent,
		Attributes:  ParseAttributes(agent),
		LastContact: lastContact,
	}
}

// PeerFromAddr builds an address-only peer.
func PeerFromAddr(addr Addr) *Peer {
	return NewPeer(0, addr.IP.String(), int(addr.Port), "", time.Time{})
}

// ParseAttributes extracts the attribute set from a user-agent string of the
// form "Name/Version (Attr; Attr)".
func ParseAttributes(agent string) map[string]struct{} {
	attributes := make(map[string]struct{})
	match := attributeSuffix.FindStringSubmatch(agent)
	if match == nil {
		return attributes
	}
	for _, attr := range attributeSeparator.Split(match[1], -1) {
		attr = strings.TrimSpace(attr)
		if attr != "" {
			attributes[attr] = struct{}{}
		}
	}
	return attributes
}

func (p *Peer) HasAttribute(name string) bool {
	_, ok := p.Attributes[name]
	return ok
}

// ExchangesPeers reports whether the peer declared gossip support.
func (p *Peer) ExchangesPeers() bool {
	return p.HasAttribute(AttributePEX)
}

// Equal compares IDs when both are known, otherwise host and port.
func (p *Peer) Equal(other *Peer) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.ID != 0 && other.ID != 0 {
		return p.ID == other.ID
	}
	return p.SameAddr(other)
}

func (p *Peer) SameAddr(other *Peer) bool {
	return p.Host == other.Host && p.Port == other.Port
}

// Address returns the dialable host:port of the peer.
func (p *Peer) Address() string {
	return JoinHostPort(p.Host, p.Port)
}

// Touch records contact with the peer at the given instant.
func (p *Peer) Touch(now time.Time) {
	if now.After(p.LastContact) {
		p.LastContact = now
	}
}

// Clone returns a copy safe to hand out of a locked structure.
func (p *Peer) Clone() *Peer {
	c := *p
	c.Attributes = make(map[string]struct{}, len(p.Attributes))
	for k := range p.Attributes {
		c.Attributes[k] = struct{}{}
	}
	return &c
}

func (p *Peer) String() string {
	var b strings.Builder
	b.WriteString("<")
	if p.ID != 0 {
		fmt.Fprintf(&b, "%016x@", p.ID)
	}
	b.WriteString(p.Address())
	if p.Agent != "" {
		fmt.Fprintf(&b, "; %s", p.Agent)
	}
	b.WriteString(">")
	return b.String()
}
