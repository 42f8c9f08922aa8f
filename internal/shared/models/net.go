package models

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a *Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

func AddrFromAddrPort(ap netip.AddrPort) Addr {
	return Addr{IP: net.IP(ap.Addr().AsSlice()), Port: ap.Port()}
}

var ErrInvalidAddr = errors.New("invalid address")

// ParseHostPort splits "host[:port]", using defaultPort when none is given.
// Bracketed IPv6 literals are accepted with or without a port.
func ParseHostPort(s string, defaultPort int) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, ErrInvalidAddr
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 || host == "" {
			return "", 0, ErrInvalidAddr
		}
		return host, p, nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.Count(host, ":") == 1 {
		return "", 0, ErrInvalidAddr
	}
	return host, defaultPort, nil
}

func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
