package tun

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// prefixLen is the 4-byte TUN_PI header (2 bytes flags, 2 bytes protocol)
// that precedes every packet read from or written to a TUN device opened
// without IFF_NO_PI (spec §4.6).
const prefixLen = 4

// etherTypeIPv4 is the protocol value carried in the PI header for IPv4.
const etherTypeIPv4 = 0x0800

// Packet is one parsed IPv4 datagram read from the TUN device.
type Packet struct {
	Raw         []byte
	Source      net.IP
	Destination net.IP
}

// ParsePacket strips the 4-byte kernel prefix from buf and parses the
// remainder as IPv4, using golang.org/x/net/ipv4 for header validation and
// source/destination extraction (spec §1 treats IPv4 parsing as an
// available library function; spec §4.6 defines the prefix-stripping
// contract around it).
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < prefixLen {
		return Packet{}, fmt.Errorf("tun: short read, no room for kernel prefix: %d bytes", len(buf))
	}
	raw := buf[prefixLen:]
	hdr, err := ipv4.ParseHeader(raw)
	if err != nil {
		return Packet{}, fmt.Errorf("tun: invalid ipv4 packet: %w", err)
	}
	return Packet{Raw: raw, Source: hdr.Src, Destination: hdr.Dst}, nil
}

// BuildWriteFrame prepends the 4-byte kernel prefix (flags=0, proto=IPv4)
// ahead of a raw IPv4 datagram before it is written back to the TUN device.
func BuildWriteFrame(packet []byte) []byte {
	out := make([]byte, prefixLen+len(packet))
	out[0], out[1] = 0, 0
	out[2], out[3] = byte(etherTypeIPv4>>8), byte(etherTypeIPv4)
	copy(out[prefixLen:], packet)
	return out
}

// rfc1918 lists the private IPv4 ranges route_ip is allowed to target.
var rfc1918 = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsPrivate reports whether ip falls in an RFC1918 private range.
func IsPrivate(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, n := range rfc1918 {
		if n.Contains(ip4) {
			return true
		}
	}
	return false
}
