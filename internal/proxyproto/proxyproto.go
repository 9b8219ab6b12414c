// Package proxyproto implements the binary PROXY protocol v2 codec used to
// carry the original client endpoint across relay hops.
package proxyproto

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

// signature is the fixed 12-byte preamble every v2 header starts with.
var signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	// Version2 is the only protocol version this codec accepts.
	Version2 = 2

	fixedHeaderLen = 16

	inet4BlockLen = 12 // 4+4 addresses, 2+2 ports
	inet6BlockLen = 36 // 16+16 addresses, 2+2 ports

	// maxChainDepth bounds ParseChain so crafted input can never loop it.
	maxChainDepth = 10
)

// Command is the low nibble of header byte 12.
type Command byte

const (
	CommandLocal Command = 0x0
	CommandProxy Command = 0x1
)

// AddressFamily is the high nibble of header byte 13.
type AddressFamily byte

const (
	FamilyUnspec AddressFamily = 0x0
	FamilyInet   AddressFamily = 0x1
	FamilyInet6  AddressFamily = 0x2
	FamilyUnix   AddressFamily = 0x3
)

// TransportProtocol is the low nibble of header byte 13.
type TransportProtocol byte

const (
	TransportUnspec TransportProtocol = 0x0
	TransportStream TransportProtocol = 0x1
	TransportDgram  TransportProtocol = 0x2
)

// Header is a single decoded PROXY v2 header. LOCAL headers carry no
// address information but still report their on-wire length so the caller
// can slice past them.
type Header struct {
	Version           int
	Command           Command
	Family            AddressFamily
	Transport         TransportProtocol
	SourceAddress     string
	SourcePort        int
	DestAddress       string
	DestPort          int
	HeaderLength      int
	TLVData           []byte
	AddressesResolved bool
}

// Chain is the result of stripping every leading v2 header from a datagram.
type Chain struct {
	Headers []Header
	// OriginalClientIP/Port come from the dest fields of the first parsed
	// header: the outermost hop recorded there who it received the packet
	// from. Some deployments trust the innermost header instead; see
	// ParseChainTrust.
	OriginalClientIP   string
	OriginalClientPort int
	ProxyChain         []string
	Payload            []byte
}

// IsV2 reports whether buf begins with the fixed v2 signature.
func IsV2(buf []byte) bool {
	if len(buf) < len(signature) {
		return false
	}
	for i, b := range signature {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// ParseHeader decodes a single v2 header from the start of buf. It returns
// nil for anything truncated or malformed; it never panics on hostile input.
func ParseHeader(buf []byte) *Header {
	if len(buf) < fixedHeaderLen {
		return nil
	}
	if !IsV2(buf) {
		return nil
	}

	versionCommand := buf[12]
	version := int(versionCommand >> 4)
	if version != Version2 {
		log.Debug().Int("version", version).Msg("proxy protocol: rejecting header with unsupported version")
		return nil
	}
	command := Command(versionCommand & 0x0F)

	familyTransport := buf[13]
	family := AddressFamily(familyTransport >> 4)
	transport := TransportProtocol(familyTransport & 0x0F)

	addrLen := int(binary.BigEndian.Uint16(buf[14:16]))
	if len(buf) < fixedHeaderLen+addrLen {
		return nil
	}

	h := &Header{
		Version:      version,
		Command:      command,
		Family:       family,
		Transport:    transport,
		HeaderLength: fixedHeaderLen + addrLen,
	}

	if command == CommandLocal {
		// LOCAL carries health-check/meta traffic with no address block
		// semantics; the length is still honored.
		return h
	}

	block := buf[fixedHeaderLen : fixedHeaderLen+addrLen]
	switch {
	case family == FamilyInet && (transport == TransportStream || transport == TransportDgram):
		if addrLen < inet4BlockLen {
			return nil
		}
		h.SourceAddress = net.IP(block[0:4]).String()
		h.DestAddress = net.IP(block[4:8]).String()
		h.SourcePort = int(binary.BigEndian.Uint16(block[8:10]))
		h.DestPort = int(binary.BigEndian.Uint16(block[10:12]))
		h.AddressesResolved = true
		if addrLen > inet4BlockLen {
			h.TLVData = append([]byte(nil), block[inet4BlockLen:]...)
		}
	case family == FamilyInet6 && (transport == TransportStream || transport == TransportDgram):
		if addrLen < inet6BlockLen {
			return nil
		}
		h.SourceAddress = net.IP(block[0:16]).String()
		h.DestAddress = net.IP(block[16:32]).String()
		h.SourcePort = int(binary.BigEndian.Uint16(block[32:34]))
		h.DestPort = int(binary.BigEndian.Uint16(block[34:36]))
		h.AddressesResolved = true
		if addrLen > inet6BlockLen {
			h.TLVData = append([]byte(nil), block[inet6BlockLen:]...)
		}
	default:
		// Unknown family/transport combination. The addresses are
		// unavailable but the declared length still lets the caller slice
		// the payload correctly.
		log.Debug().
			Int("family", int(family)).
			Int("transport", int(transport)).
			Msg("proxy protocol: unsupported family/transport combination, addresses unavailable")
		if addrLen > 0 {
			h.TLVData = append([]byte(nil), block...)
		}
	}

	return h
}

// GenerateHeader emits a PROXY+DGRAM v2 header naming the given endpoints.
// The address family is chosen from the source address: anything containing
// a colon is encoded as INET6.
func GenerateHeader(sourceIP string, sourcePort int, destIP string, destPort int) ([]byte, error) {
	isV6 := strings.Contains(sourceIP, ":")

	src := net.ParseIP(sourceIP)
	dst := net.ParseIP(destIP)
	if src == nil || dst == nil {
		return nil, fmt.Errorf("invalid address pair %q -> %q", sourceIP, destIP)
	}

	var family AddressFamily
	var block []byte
	if isV6 {
		family = FamilyInet6
		block = make([]byte, inet6BlockLen)
		copy(block[0:16], src.To16())
		copy(block[16:32], dst.To16())
		binary.BigEndian.PutUint16(block[32:34], uint16(sourcePort))
		binary.BigEndian.PutUint16(block[34:36], uint16(destPort))
	} else {
		src4 := src.To4()
		dst4 := dst.To4()
		if src4 == nil || dst4 == nil {
			return nil, fmt.Errorf("address pair %q -> %q is not IPv4", sourceIP, destIP)
		}
		family = FamilyInet
		block = make([]byte, inet4BlockLen)
		copy(block[0:4], src4)
		copy(block[4:8], dst4)
		binary.BigEndian.PutUint16(block[8:10], uint16(sourcePort))
		binary.BigEndian.PutUint16(block[10:12], uint16(destPort))
	}

	header := make([]byte, 0, fixedHeaderLen+len(block))
	header = append(header, signature...)
	header = append(header, byte(Version2<<4)|byte(CommandProxy))
	header = append(header, byte(family<<4)|byte(TransportDgram))
	header = binary.BigEndian.AppendUint16(header, uint16(len(block)))
	header = append(header, block...)
	return header, nil
}

// ParseChain strips every leading v2 header from buf, trusting the first
// header's dest fields for the original client endpoint.
func ParseChain(buf []byte) *Chain {
	return ParseChainTrust(buf, true)
}

// ParseChainTrust is ParseChain with an explicit choice of which hop to
// trust for the original client endpoint: the first (outermost) header or
// the last one carrying addresses.
func ParseChainTrust(buf []byte, trustFirst bool) *Chain {
	chain := &Chain{}
	remaining := buf

	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			log.Warn().
				Int("max_depth", maxChainDepth).
				Msg("proxy protocol: header chain exceeds depth cap, treating remainder as payload")
			break
		}
		if !IsV2(remaining) {
			break
		}
		h := ParseHeader(remaining)
		if h == nil {
			break
		}
		chain.Headers = append(chain.Headers, *h)
		remaining = remaining[h.HeaderLength:]
		if h.Command == CommandLocal {
			break
		}
	}

	if len(chain.Headers) == 0 {
		return nil
	}

	for _, h := range chain.Headers {
		if !h.AddressesResolved {
			continue
		}
		chain.ProxyChain = append(chain.ProxyChain, net.JoinHostPort(h.SourceAddress, fmt.Sprint(h.SourcePort)))
		if chain.OriginalClientIP == "" || !trustFirst {
			chain.OriginalClientIP = h.DestAddress
			chain.OriginalClientPort = h.DestPort
		}
	}
	chain.Payload = remaining
	return chain
}
