package tun

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/loramesh/loramesh/internal/queue"
)

// namePattern is the kernel name template; the kernel replaces %d with the
// next free index on TUNSETIFF (spec §4.6).
const namePattern = "loratun%d"

// stubCIDR is the fixed anchor address assigned to the device so kernel
// routes can be installed with it as the via address (spec §4.6).
const stubCIDR = "10.107.1.3/24"

const (
	ifNameSize = 16
	iffTUN     = 0x0001
	tunSetIFF  = 0x400454ca
)

// ifReq mirrors struct ifreq on Linux amd64 (IFNAMSIZ name plus a 24-byte
// union, here used only for the Flags field at its front).
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte
}

// Device is the TUN adapter (spec §4.6): it owns the kernel character
// device, bridges IPv4 datagrams in both directions, and wraps the netlink
// calls needed to assign addresses and install routes.
type Device struct {
	file *os.File
	name string
	log  *log.Logger
	link netlink.Link

	Inbound *queue.Unbounded[Packet]
}

// New opens /dev/net/tun, creates a loratun<N> interface, assigns it the
// stub address, and brings it up.
func New(logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.Default()
	}
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], namePattern)
	req.Flags = iffTUN
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tun: TUNSETIFF ioctl: %w", errno)
	}
	name := strings.TrimRight(string(req.Name[:]), "\x00")

	link, err := netlink.LinkByName(name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tun: link lookup for %s: %w", name, err)
	}
	addr, err := netlink.ParseAddr(stubCIDR)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tun: parse stub address: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		f.Close()
		return nil, fmt.Errorf("tun: assign stub address to %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		f.Close()
		return nil, fmt.Errorf("tun: bring up %s: %w", name, err)
	}

	return &Device{
		file:    f,
		name:    name,
		log:     logger,
		link:    link,
		Inbound: queue.NewUnbounded[Packet](),
	}, nil
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// PopInbound returns the next parsed IPv4 packet, if any, without blocking.
// It satisfies node.Tun.
func (d *Device) PopInbound() (Packet, bool) {
	return d.Inbound.TryPop()
}

// Close releases the character device fd.
func (d *Device) Close() error { return d.file.Close() }

// Send writes an IPv4 datagram to the device, framed with the kernel's PI
// header.
func (d *Device) Send(packet []byte) error {
	_, err := d.file.Write(BuildWriteFrame(packet))
	if err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	return nil
}

// Run is the background read task (spec §5 "TUN reader task"): it reads
// datagrams until ctx is cancelled, pushing well-formed IPv4 packets onto
// Inbound and logging and dropping anything else.
func (d *Device) Run(ctx context.Context) error {
	defer d.Inbound.Close()
	buf := make([]byte, 1504)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := d.file.Read(buf)
		if err != nil {
			return fmt.Errorf("tun: fatal read error: %w", err)
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			d.log.Debug("tun: dropping unparsable packet", "err", err)
			continue
		}
		d.Inbound.Push(pkt)
	}
}

// AssignIP installs ip as an additional address on the device (handling
// assign_ip messages, spec §3/§4.6).
func (d *Device) AssignIP(ip net.IP) error {
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}}
	if err := netlink.AddrAdd(d.link, addr); err != nil {
		return fmt.Errorf("tun: assign %s to %s: %w", ip, d.name, err)
	}
	return nil
}

// RouteIP installs a route to dest via the given next-hop address
// (handling route_ip(dest, via) messages, spec §3/§4.6). dest must be an
// RFC1918 private address; the contract is enforced with a hard assertion,
// not an error return, since a non-private route_ip indicates a
// protocol-level bug in the peer that sent it.
func (d *Device) RouteIP(dest, via net.IP) error {
	if !IsPrivate(dest) {
		panic(fmt.Sprintf("tun: route_ip requested for non-private destination %s", dest))
	}
	route := &netlink.Route{
		LinkIndex: d.link.Attrs().Index,
		Dst:       &net.IPNet{IP: dest, Mask: net.CIDRMask(32, 32)},
		Gw:        via,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("tun: route to %s via %s: %w", dest, via, err)
	}
	return nil
}
