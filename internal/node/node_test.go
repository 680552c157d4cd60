package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/loramesh/internal/frame"
	"github.com/loramesh/loramesh/internal/message"
	"github.com/loramesh/loramesh/internal/router"
	"github.com/loramesh/loramesh/internal/tun"
)

type fakeRadio struct {
	inbound  [][]byte
	outbound [][]byte
}

func (r *fakeRadio) PopInbound() ([]byte, bool) {
	if len(r.inbound) == 0 {
		return nil, false
	}
	b := r.inbound[0]
	r.inbound = r.inbound[1:]
	return b, true
}
func (r *fakeRadio) PushOutbound(f []byte) { r.outbound = append(r.outbound, f) }
func (r *fakeRadio) OutboundLen() int      { return len(r.outbound) }

type fakeTun struct {
	inbound  []tun.Packet
	sent     [][]byte
	assigned []net.IP
	routed   []net.IP
}

func (t *fakeTun) PopInbound() (tun.Packet, bool) {
	if len(t.inbound) == 0 {
		return tun.Packet{}, false
	}
	p := t.inbound[0]
	t.inbound = t.inbound[1:]
	return p, true
}
func (t *fakeTun) Send(packet []byte) error        { t.sent = append(t.sent, packet); return nil }
func (t *fakeTun) AssignIP(ip net.IP) error         { t.assigned = append(t.assigned, ip); return nil }
func (t *fakeTun) RouteIP(dest, via net.IP) error   { t.routed = append(t.routed, dest); return nil }

func newTestNode(selfID byte, isGateway bool) (*Node, *fakeRadio, *fakeTun, *router.Router) {
	r := router.New(selfID, isGateway, 2, time.Second, 0, nil)
	radio := &fakeRadio{}
	tunDev := &fakeTun{}
	n := New(Config{
		SelfID:        selfID,
		IsGateway:     isGateway,
		MaxHops:       2,
		MaxPacketSize: 200,
		ChunkTimeout:  10 * time.Second,
	}, r, radio, tunDev, nil, nil)
	return n, radio, tunDev, r
}

func TestStepTunDropsWhenSelfIPUnset(t *testing.T) {
	n, _, tunDev, _ := newTestNode(3, false)
	tunDev.inbound = append(tunDev.inbound, tun.Packet{Raw: []byte{1}, Destination: net.ParseIP("172.16.0.9")})

	progressed := n.stepTun()
	assert.True(t, progressed)
	assert.Empty(t, tunDev.sent)
}

func TestStepTunLoopback(t *testing.T) {
	n, _, tunDev, _ := newTestNode(3, false)
	n.selfIP = net.ParseIP("172.16.0.3")
	tunDev.inbound = append(tunDev.inbound, tun.Packet{
		Raw: []byte{9, 9}, Source: n.selfIP, Destination: n.selfIP,
	})

	n.stepTun()
	require.Len(t, tunDev.sent, 1)
	assert.Equal(t, []byte{9, 9}, tunDev.sent[0])
}

func TestStepTunNoRouteDrops(t *testing.T) {
	n, radio, tunDev, _ := newTestNode(3, false)
	n.selfIP = net.ParseIP("172.16.0.3")
	tunDev.inbound = append(tunDev.inbound, tun.Packet{
		Raw: []byte{1}, Source: n.selfIP, Destination: net.ParseIP("172.16.0.9"),
	})

	n.stepTun()
	assert.Empty(t, radio.outbound)
}

func TestStepTunBuildsRouteExcludingSelf(t *testing.T) {
	n, radio, tunDev, r := newTestNode(1, false)
	n.selfIP = net.ParseIP("172.16.0.1")
	r.HandleIPAssignment(n.selfIP)
	r.IPAssign(2)
	r.IPAssign(3)
	r.EdgeAdd(1, 2, 1)
	r.EdgeAdd(2, 3, 1)

	tunDev.inbound = append(tunDev.inbound, tun.Packet{
		Raw: []byte{1, 2, 3}, Source: n.selfIP, Destination: router.AllocatedIP(3),
	})

	n.stepTun()
	require.Len(t, radio.outbound, 1)

	decoded, err := frame.Decode(radio.outbound[0])
	require.NoError(t, err)
	assert.Equal(t, frame.IPPacket, decoded.MsgType)
	// The frame's route must start at the next hop (2), not self (1): the
	// first node to receive the transmission looks for itself at route[0].
	assert.Equal(t, []byte{2, 3}, decoded.Route)
}

func TestHandleBroadcastAllocatesAtGateway(t *testing.T) {
	n, radio, _, r := newTestNode(1, true)
	r.SelfIP = net.ParseIP("172.16.0.1")
	r.HandleIPAssignment(r.SelfIP)

	f := frame.Frame{FrameID: 10, MsgType: frame.Broadcast, Sender: 3, Route: []byte{3}}
	msg := message.Broadcast{IsGateway: false}
	n.handleBroadcast(f, msg)

	require.Len(t, radio.outbound, 1)
	decoded, err := frame.Decode(radio.outbound[0])
	require.NoError(t, err)
	assert.Equal(t, frame.IPAssignSuccess, decoded.MsgType)
	assert.Equal(t, []byte{3}, decoded.Route)
}

func TestHandleBroadcastPropagatesAtPeer(t *testing.T) {
	n, radio, _, _ := newTestNode(5, false)

	f := frame.Frame{FrameID: 11, MsgType: frame.Broadcast, Sender: 3, Route: []byte{3}}
	msg := message.Broadcast{IsGateway: false}
	n.handleBroadcast(f, msg)

	require.Len(t, radio.outbound, 1)
	decoded, err := frame.Decode(radio.outbound[0])
	require.NoError(t, err)
	assert.Equal(t, frame.Broadcast, decoded.MsgType)
	assert.Equal(t, []byte{5, 3}, decoded.Route)
}

func TestHandleBroadcastDoesNotRepropagateIfSelfAlreadyInRoute(t *testing.T) {
	n, radio, _, _ := newTestNode(5, false)

	f := frame.Frame{FrameID: 12, MsgType: frame.Broadcast, Sender: 3, Route: []byte{5, 3}}
	msg := message.Broadcast{IsGateway: false}
	n.handleBroadcast(f, msg)

	assert.Empty(t, radio.outbound)
}

func TestHandleBroadcastDedupeSuppressesRepeatedPropagation(t *testing.T) {
	n, radio, _, _ := newTestNode(5, false)
	f := frame.Frame{FrameID: 13, MsgType: frame.Broadcast, Sender: 3, Route: []byte{3}}
	msg := message.Broadcast{IsGateway: false}

	n.handleBroadcast(f, msg)
	n.handleBroadcast(f, msg)

	assert.Len(t, radio.outbound, 1)
}

func TestHandleIPAssignSuccessSetsSelfIPWhenRouteExhausted(t *testing.T) {
	n, _, tunDev, r := newTestNode(3, false)
	f := frame.Frame{FrameID: 20, MsgType: frame.IPAssignSuccess, Sender: 1, Route: []byte{3}}
	msg := message.IPAssignSuccess{IP: net.ParseIP("172.16.0.3")}

	n.handleIPAssignSuccess(f, msg)

	assert.Equal(t, "172.16.0.3", n.selfIP.String())
	require.Len(t, tunDev.assigned, 1)
	id, ok := r.IDForIP(net.ParseIP("172.16.0.3"))
	require.True(t, ok)
	assert.Equal(t, byte(3), id)
}

func TestHandleIPAssignSuccessRelaysWhenRouteRemains(t *testing.T) {
	n, radio, tunDev, _ := newTestNode(3, false)
	f := frame.Frame{FrameID: 21, MsgType: frame.IPAssignSuccess, Sender: 1, Route: []byte{3, 7}}
	msg := message.IPAssignSuccess{IP: net.ParseIP("172.16.0.7")}

	n.handleIPAssignSuccess(f, msg)

	assert.Nil(t, n.selfIP)
	assert.Empty(t, tunDev.assigned)
	require.Len(t, radio.outbound, 1)
	decoded, err := frame.Decode(radio.outbound[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, decoded.Route)
}

func TestHandleIPAssignSuccessDropsWhenMisrouted(t *testing.T) {
	n, radio, tunDev, _ := newTestNode(3, false)
	f := frame.Frame{FrameID: 22, MsgType: frame.IPAssignSuccess, Sender: 1, Route: []byte{9}}
	msg := message.IPAssignSuccess{IP: net.ParseIP("172.16.0.9")}

	n.handleIPAssignSuccess(f, msg)

	assert.Nil(t, n.selfIP)
	assert.Empty(t, tunDev.assigned)
	assert.Empty(t, radio.outbound)
}

func TestStepPeriodicSkipsBroadcastWhenOutboundBusy(t *testing.T) {
	n, radio, _, _ := newTestNode(3, false)
	radio.outbound = append(radio.outbound, []byte{0})
	n.nextBroadcast = time.Now().Add(-time.Second)

	n.stepPeriodic()

	assert.Len(t, radio.outbound, 1)
}

func TestStepPeriodicSendsBroadcastWhenIdle(t *testing.T) {
	n, radio, _, _ := newTestNode(3, false)
	n.nextBroadcast = time.Now().Add(-time.Second)

	n.stepPeriodic()

	require.Len(t, radio.outbound, 1)
	decoded, err := frame.Decode(radio.outbound[0])
	require.NoError(t, err)
	assert.Equal(t, frame.Broadcast, decoded.MsgType)
}

func TestStepPeriodicRunsMST(t *testing.T) {
	n, _, _, r := newTestNode(1, true)
	r.EdgeAdd(1, 2, 1)
	r.EdgeAdd(2, 3, 1)
	r.EdgeAdd(1, 3, 1)
	n.nextMST = time.Now().Add(-time.Second)

	n.stepPeriodic()

	assert.Equal(t, 2, r.EdgeCount())
}
