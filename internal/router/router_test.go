package router

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/loramesh/internal/message"
)

func TestIPAssignIdempotent(t *testing.T) {
	r := New(1, true, 2, time.Second, 0, nil)
	ip1, isNew1, err := r.IPAssign(3)
	require.NoError(t, err)
	assert.True(t, isNew1)
	assert.True(t, ip1.Equal(net.IPv4(172, 16, 0, 3)))

	ip2, isNew2, err := r.IPAssign(3)
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.True(t, ip2.Equal(ip1))

	gotID, ok := r.IDForIP(ip1)
	require.True(t, ok)
	assert.Equal(t, byte(3), gotID)
}

func TestIPAssignOutOfRangeFails(t *testing.T) {
	r := New(1, true, 2, time.Second, 0, nil)
	_, _, err := r.IPAssign(0)
	assert.Error(t, err)
	_, _, err = r.IPAssign(255)
	assert.Error(t, err)
}

func TestNodeAddIdempotent(t *testing.T) {
	r := New(1, false, 2, time.Second, 0, nil)
	r.NodeAdd(5)
	before := r.NodeCount()
	r.NodeAdd(5)
	assert.Equal(t, before, r.NodeCount())
}

// TestBroadcastScenarioAllocatesAddress implements spec §8 scenario (a): peer 3 broadcasts
// with route=[3]; the gateway allocates 172.16.0.3 and returns is_new=true.
func TestBroadcastScenarioAllocatesAddress(t *testing.T) {
	gw := New(1, true, 2, time.Second, 0, nil)
	gw.HandleIPAssignment(AllocatedIP(1))

	out := gw.HandleBroadcast(3, message.Broadcast{IsGateway: false}, []byte{3}, time.Now())
	require.True(t, out.Allocated)
	require.NoError(t, out.Err)
	assert.True(t, out.IsNew)
	assert.True(t, out.IP.Equal(net.IPv4(172, 16, 0, 3)))

	id, ok := gw.IDForIP(out.IP)
	require.True(t, ok)
	assert.Equal(t, byte(3), id)
}

// TestBroadcastScenarioSecondTimeNotNew implements spec §8 scenario (b).
func TestBroadcastScenarioSecondTimeNotNew(t *testing.T) {
	gw := New(1, true, 2, time.Second, 0, nil)
	gw.HandleIPAssignment(AllocatedIP(1))
	gw.HandleBroadcast(3, message.Broadcast{IsGateway: false}, []byte{3}, time.Now())

	out := gw.HandleBroadcast(3, message.Broadcast{IsGateway: false}, []byte{3}, time.Now())
	require.True(t, out.Allocated)
	assert.False(t, out.IsNew)
	assert.True(t, out.IP.Equal(net.IPv4(172, 16, 0, 3)))
}

// TestBroadcastGraphEdges is invariant (3): after handle_broadcast, the
// graph contains edges (r_i, r_i+1) for all i, plus (self, r_last).
func TestBroadcastGraphEdges(t *testing.T) {
	r := New(1, false, 4, time.Second, 0, nil)
	route := []byte{5, 6, 7}
	r.HandleBroadcast(5, message.Broadcast{}, route, time.Now())

	assert.True(t, r.graph.HasEdgeBetween(5, 6))
	assert.True(t, r.graph.HasEdgeBetween(6, 7))
	assert.True(t, r.graph.HasEdgeBetween(1, 7))
}

func TestPacketRouteDirectNeighbour(t *testing.T) {
	r := New(1, true, 2, time.Second, 0, nil)
	r.HandleIPAssignment(AllocatedIP(1))
	r.IPAssign(3)
	r.EdgeAdd(1, 3, 1)

	route, ok := r.PacketRoute(AllocatedIP(1), AllocatedIP(3))
	require.True(t, ok)
	assert.Equal(t, []byte{1, 3}, route)
}

func TestPacketRouteUnknownAddressFails(t *testing.T) {
	r := New(1, true, 2, time.Second, 0, nil)
	r.HandleIPAssignment(AllocatedIP(1))
	_, ok := r.PacketRoute(AllocatedIP(1), net.IPv4(172, 16, 0, 99))
	assert.False(t, ok)
}

func TestPacketRouteMultiHop(t *testing.T) {
	r := New(1, true, 3, time.Second, 0, nil)
	r.HandleIPAssignment(AllocatedIP(1))
	r.IPAssign(2)
	r.IPAssign(3)
	r.EdgeAdd(1, 2, 1)
	r.EdgeAdd(2, 3, 1)

	route, ok := r.PacketRoute(AllocatedIP(1), AllocatedIP(3))
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, route)
}

func TestPacketRouteExceedsMaxHopsSuppressed(t *testing.T) {
	r := New(1, true, 1, time.Second, 0, nil)
	r.HandleIPAssignment(AllocatedIP(1))
	r.IPAssign(2)
	r.IPAssign(3)
	r.EdgeAdd(1, 2, 1)
	r.EdgeAdd(2, 3, 1)

	_, ok := r.PacketRoute(AllocatedIP(1), AllocatedIP(3))
	assert.False(t, ok)
}

func TestMinSpanningTreeAcyclicAndIdempotent(t *testing.T) {
	r := New(1, false, 4, time.Second, 0, nil)
	// a 4-cycle plus a disconnected node.
	r.EdgeAdd(1, 2, 1)
	r.EdgeAdd(2, 3, 1)
	r.EdgeAdd(3, 4, 1)
	r.EdgeAdd(4, 1, 1)
	r.NodeAdd(9)

	r.MinSpanningTree()
	nodes, edges := r.NodeCount(), r.EdgeCount()
	assert.Equal(t, 3, edges) // 5 nodes, 2 components -> 5-2=3 edges
	assert.Equal(t, 5, nodes)
	assert.False(t, r.graph.HasEdgeBetween(9, 1))

	r.MinSpanningTree()
	assert.Equal(t, edges, r.EdgeCount())
	assert.Equal(t, nodes, r.NodeCount())
}

func TestNodeRemoveClearsBinding(t *testing.T) {
	r := New(1, true, 2, time.Second, 0, nil)
	ip, _, _ := r.IPAssign(3)
	r.NodeRemove(3)
	_, ok := r.IDForIP(ip)
	assert.False(t, ok)
}
