package relay

import (
	"fmt"
	"net"
	"net/netip"
)

// ClientKey identifies a pseudo-connection by the raw sender tuple. A
// structured key avoids the ambiguity of "ip:port" string concatenation for
// IPv6 addresses, and netip.Addr is comparable so it can key a map directly.
type ClientKey struct {
	Addr netip.Addr
	Port uint16
}

// KeyFromUDPAddr builds a ClientKey from a socket-level sender address.
func KeyFromUDPAddr(addr *net.UDPAddr) ClientKey {
	a, _ := netip.AddrFromSlice(addr.IP)
	return ClientKey{Addr: a.Unmap(), Port: uint16(addr.Port)}
}

// String renders the key for logs and stats.
func (k ClientKey) String() string {
	return net.JoinHostPort(k.Addr.String(), fmt.Sprint(k.Port))
}
