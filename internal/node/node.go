// Package node implements the single cooperative event loop that fuses the
// radio driver, the mesh router, the TUN adapter and chunk reassembly into
// one node (spec §4.7). It is the exclusive owner of the router, the
// reassembly buffer and self_ip; every other task communicates with it
// only through FIFO queues.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/loramesh/loramesh/internal/frame"
	"github.com/loramesh/loramesh/internal/message"
	"github.com/loramesh/loramesh/internal/router"
	"github.com/loramesh/loramesh/internal/tun"
)

// Radio is the narrow slice of *radio.Driver the node loop depends on.
type Radio interface {
	PopInbound() ([]byte, bool)
	PushOutbound(frame []byte)
	OutboundLen() int
}

// Tun is the narrow slice of *tun.Device the node loop depends on.
type Tun interface {
	PopInbound() (tun.Packet, bool)
	Send(packet []byte) error
	AssignIP(ip net.IP) error
	RouteIP(dest, via net.IP) error
}

// Metrics is the narrow slice of *metrics.Registry the node loop updates.
// Every method is a no-op on a nil Metrics, so wiring it is optional.
type Metrics interface {
	IncFramesTransmitted()
	IncFramesReceived()
	IncFrameDecodeErrors()
	IncMsgDecodeErrors()
	IncRouteLookupFailures()
}

// dedupeKey identifies one broadcast for the rebroadcast suppression
// window, independent from chunk reassembly (modeled on a short-lived
// dupe-check cache, not the spec's own reassembly map).
type dedupeKey struct {
	Sender  byte
	FrameID byte
}

// Node is the event loop's state (spec §4.7 "State").
type Node struct {
	SelfID    byte
	selfIP    net.IP
	IsGateway bool
	MaxHops   byte

	chunkMaxLen int
	pollEvery   time.Duration
	dedupeTTL   time.Duration

	log    *log.Logger
	router *router.Router
	radio  Radio
	tun    Tun
	reasm  *frame.Reassembler
	mx     Metrics

	rng *rand.Rand

	broadcastEvery func() time.Duration
	nextBroadcast  time.Time
	mstEvery       time.Duration
	nextMST        time.Time

	dedupe map[dedupeKey]time.Time
}

// Config bundles the construction-time parameters New needs, mirroring the
// node-relevant subset of config.Config.
type Config struct {
	SelfID        byte
	IsGateway     bool
	MaxHops       byte
	MaxPacketSize int
	ChunkTimeout  time.Duration
}

// New constructs a Node. r, radioDriver and tunDevice are owned exclusively
// by the returned Node from this point on.
func New(cfg Config, r *router.Router, radioDriver Radio, tunDevice Tun, mx Metrics, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	if mx == nil {
		mx = noopMetrics{}
	}
	now := time.Now()
	rng := rand.New(rand.NewSource(now.UnixNano()))
	n := &Node{
		SelfID:      cfg.SelfID,
		selfIP:      r.SelfIP, // set for a gateway, which self-assigns before New
		IsGateway:   cfg.IsGateway,
		MaxHops:     cfg.MaxHops,
		chunkMaxLen: cfg.MaxPacketSize,
		pollEvery:   20 * time.Millisecond,
		dedupeTTL:   30 * time.Second,
		log:         logger,
		router:      r,
		radio:       radioDriver,
		tun:         tunDevice,
		reasm:       frame.NewReassembler(cfg.ChunkTimeout),
		mx:          mx,
		rng:         rng,
		mstEvery:    240 * time.Second,
		dedupe:      make(map[dedupeKey]time.Time),
	}
	n.broadcastEvery = func() time.Duration {
		return time.Duration(40+n.rng.Intn(41)) * time.Second
	}
	n.nextBroadcast = now.Add(n.broadcastEvery())
	n.nextMST = now.Add(n.mstEvery)
	return n
}

// Run executes the loop until ctx is cancelled. It never busy-waits: each
// iteration that finds no ingress work sleeps pollEvery (spec §4.7 final
// paragraph).
func (n *Node) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		progressed := n.stepTun()
		progressed = n.stepRadio() || progressed
		n.stepPeriodic()
		n.reasm.GC(time.Now())

		if !progressed {
			time.Sleep(n.pollEvery)
		}
	}
}

// stepTun is step 1, TUN ingress.
func (n *Node) stepTun() bool {
	pkt, ok := n.tun.PopInbound()
	if !ok {
		return false
	}
	if n.selfIP == nil {
		return true
	}
	if pkt.Destination.Equal(n.selfIP) {
		if err := n.tun.Send(pkt.Raw); err != nil {
			n.log.Error("node: loopback send failed", "err", err)
		}
		return true
	}
	path, ok := n.router.PacketRoute(pkt.Source, pkt.Destination)
	if !ok {
		n.log.Debug("node: no route for tun packet", "dst", pkt.Destination)
		n.mx.IncRouteLookupFailures()
		return true
	}
	// PacketRoute returns the vertex sequence inclusive of both endpoints
	// (self included at the head); the frame's route carries only the
	// remaining hops still to traverse, so self is stripped before it goes
	// on the wire (the first node to receive the transmission must find
	// itself at route[0], per the relay consume-a-hop rule).
	route := append([]byte(nil), path[1:]...)
	f := message.IPPacket{Packet: pkt.Raw}.ToFrame(n.frameID(), n.SelfID, route)
	n.sendFrame(f)
	return true
}

// stepRadio is step 2, radio ingress and dispatch.
func (n *Node) stepRadio() bool {
	raw, ok := n.radio.PopInbound()
	if !ok {
		return false
	}
	f, err := frame.Decode(raw)
	if err != nil {
		n.log.Debug("node: frame decode error", "err", err)
		n.mx.IncFrameDecodeErrors()
		return true
	}
	n.mx.IncFramesReceived()
	combined, ready := n.reasm.Accept(f, time.Now())
	if !ready {
		return true
	}
	n.dispatch(combined)
	return true
}

func (n *Node) dispatch(f frame.Frame) {
	msg, err := message.FromFrame(f)
	if err != nil {
		n.log.Debug("node: message decode error", "err", err)
		n.mx.IncMsgDecodeErrors()
		return
	}
	switch m := msg.(type) {
	case message.IPPacket:
		n.handleIPPacket(f, m)
	case message.Broadcast:
		n.handleBroadcast(f, m)
	case message.IPAssignSuccess:
		n.handleIPAssignSuccess(f, m)
	case message.IPAssignFailure:
		n.handleIPAssignFailure(f, m)
	case message.Reserved:
		// accept and drop, forward compatibility (spec §9)
	default:
		n.log.Debug("node: unhandled message type", "type", fmt.Sprintf("%T", msg))
	}
}

func (n *Node) handleIPPacket(f frame.Frame, m message.IPPacket) {
	hdr, err := ipv4.ParseHeader(m.Packet)
	if err != nil {
		n.log.Debug("node: ip_packet payload not valid ipv4", "err", err)
		n.mx.IncMsgDecodeErrors()
		return
	}
	if n.selfIP != nil && hdr.Dst.Equal(n.selfIP) {
		if err := n.tun.Send(m.Packet); err != nil {
			n.log.Error("node: tun send failed", "err", err)
		}
		return
	}
	next, ok := f.RouteShift()
	if !ok {
		n.log.Debug("node: ip packet with no route")
		return
	}
	if next != n.SelfID {
		n.log.Debug("node: ip packet misrouted", "next_hop", next, "self", n.SelfID)
		return
	}
	if len(f.Route) > 0 {
		n.sendFrame(f)
		return
	}
	n.log.Debug("node: no route available for ip packet")
}

func (n *Node) handleBroadcast(f frame.Frame, m message.Broadcast) {
	now := time.Now()

	if !n.IsGateway && !containsByte(f.Route, n.SelfID) {
		relay := f.Clone()
		relay.RouteUnshift(n.SelfID)
		n.propagateBroadcast(relay)
	}

	if m.IP != nil && !n.IsGateway && !n.router.IsObserved(f.Sender) {
		if n.selfIP != nil {
			if err := n.tun.RouteIP(m.IP, n.selfIP); err != nil {
				n.log.Error("node: install broadcast route failed", "ip", m.IP, "err", err)
			}
		}
	}

	outcome := n.router.HandleBroadcast(f.Sender, m, f.Route, now)
	if outcome.Err != nil {
		reply := message.IPAssignFailure{Reason: outcome.Err.Error()}.ToFrame(n.frameID(), n.SelfID, replyRoute(f))
		n.sendFrame(reply)
		return
	}
	if outcome.Allocated {
		reply := message.IPAssignSuccess{IP: outcome.IP}.ToFrame(n.frameID(), n.SelfID, replyRoute(f))
		n.sendFrame(reply)
		if outcome.IsNew && n.selfIP != nil {
			if err := n.tun.RouteIP(outcome.IP, n.selfIP); err != nil {
				n.log.Error("node: install allocation route failed", "ip", outcome.IP, "err", err)
			}
		}
	}
}

// replyRoute computes the reverse path back to a broadcast's sender: the
// received route if non-empty, else a single-hop route to the sender.
func replyRoute(f frame.Frame) []byte {
	if len(f.Route) > 0 {
		route := make([]byte, len(f.Route))
		copy(route, f.Route)
		return route
	}
	return []byte{f.Sender}
}

// propagateBroadcast re-queues a rebroadcast unless an equivalent
// (sender, frame_id) was already propagated within the dedupe window
// (supplemented behaviour; does not affect router state, only radio
// airtime).
func (n *Node) propagateBroadcast(f frame.Frame) {
	key := dedupeKey{Sender: f.Sender, FrameID: f.FrameID}
	now := time.Now()
	if last, ok := n.dedupe[key]; ok && now.Sub(last) < n.dedupeTTL {
		return
	}
	n.dedupe[key] = now
	n.sendFrame(f)
}

func (n *Node) handleIPAssignSuccess(f frame.Frame, m message.IPAssignSuccess) {
	next, ok := f.RouteShift()
	if !ok {
		n.log.Debug("node: ip_assign_success with no route")
		return
	}
	if next != n.SelfID {
		n.log.Debug("node: ip_assign_success misrouted", "next_hop", next, "self", n.SelfID)
		return
	}
	if len(f.Route) > 0 {
		n.sendFrame(f)
		return
	}
	if n.selfIP != nil {
		return
	}
	n.selfIP = m.IP
	if err := n.tun.AssignIP(m.IP); err != nil {
		n.log.Error("node: assign own ip failed", "ip", m.IP, "err", err)
	}
	if n.router.GatewayIP != nil {
		if err := n.tun.RouteIP(n.router.GatewayIP, m.IP); err != nil {
			n.log.Error("node: route to gateway failed", "err", err)
		}
	}
	n.router.HandleIPAssignment(m.IP)
}

func (n *Node) handleIPAssignFailure(f frame.Frame, m message.IPAssignFailure) {
	next, ok := f.RouteShift()
	if !ok {
		n.log.Debug("node: ip_assign_failure with no route")
		return
	}
	if next != n.SelfID {
		n.log.Debug("node: ip_assign_failure misrouted", "next_hop", next, "self", n.SelfID)
		return
	}
	if len(f.Route) > 0 {
		n.sendFrame(f)
		return
	}
	n.log.Warn("node: ip assignment refused", "reason", m.Reason)
}

// stepPeriodic is step 3, the broadcast and MST gates.
func (n *Node) stepPeriodic() {
	now := time.Now()
	if now.After(n.nextBroadcast) {
		n.nextBroadcast = now.Add(n.broadcastEvery())
		if n.radio.OutboundLen() == 0 {
			msg := message.Broadcast{IsGateway: n.IsGateway, IP: n.selfIP}
			f := msg.ToFrame(n.frameID(), n.SelfID, []byte{n.SelfID})
			n.sendFrame(f)
		}
	}
	if now.After(n.nextMST) {
		n.nextMST = now.Add(n.mstEvery)
		n.router.MinSpanningTree()
	}
}

// SetMetrics swaps in mx for subsequent counter updates. It exists so a
// metrics.Registry can be constructed after the Node (it needs the Node as
// its reassembly-backlog source) without a construction-order cycle.
func (n *Node) SetMetrics(mx Metrics) {
	if mx == nil {
		mx = noopMetrics{}
	}
	n.mx = mx
}

// Pending reports the current chunk reassembly backlog, for wiring into
// metrics.Registry as a ReassemblySource.
func (n *Node) Pending() int {
	return n.reasm.Pending()
}

// frameID draws a random frame id in 1..=243 (spec §4.7 step 1).
func (n *Node) frameID() byte {
	return byte(1 + n.rng.Intn(243))
}

// sendFrame chunks, encodes and queues f for transmission. corrID only
// tags the log lines below, for tracing one logical send across its
// chunks; it never touches the wire, which carries only the spec's 1-byte
// frame_id.
func (n *Node) sendFrame(f frame.Frame) {
	corrID := uuid.NewString()
	chunks, err := frame.Chunk(f, n.chunkMaxLen)
	if err != nil {
		n.log.Error("node: chunking failed", "corr_id", corrID, "err", err)
		return
	}
	for _, c := range chunks {
		b, err := c.Encode()
		if err != nil {
			n.log.Error("node: encode failed", "corr_id", corrID, "err", err)
			return
		}
		n.radio.PushOutbound(b)
		n.mx.IncFramesTransmitted()
	}
	n.log.Debug("node: queued frame", "corr_id", corrID, "msg_type", f.MsgType, "chunks", len(chunks))
}

func containsByte(route []byte, id byte) bool {
	for _, b := range route {
		if b == id {
			return true
		}
	}
	return false
}

type noopMetrics struct{}

func (noopMetrics) IncFramesTransmitted()   {}
func (noopMetrics) IncFramesReceived()      {}
func (noopMetrics) IncFrameDecodeErrors()   {}
func (noopMetrics) IncMsgDecodeErrors()     {}
func (noopMetrics) IncRouteLookupFailures() {}
