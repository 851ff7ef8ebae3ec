package internal

import (
	"log/slog"
	"net/netip"
)

// SlogAddrPort returns a slog.Attr for an address and port pair.
func SlogAddrPort(key string, ap netip.AddrPort) slog.Attr {
	return slog.String(key, ap.String())
}

// SlogPorts returns a group with local and remote ports. Cheaper than
// formatting full addresses on hot paths.
func SlogPorts(local, remote uint16) slog.Attr {
	return slog.Group("port", slog.Uint64("l", uint64(local)), slog.Uint64("r", uint64(remote)))
}
