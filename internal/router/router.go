// Package router implements the mesh router: the undirected graph of
// observed nodes, the bidirectional id<->IPv4 binding, the gateway's
// address allocator, shortest-path route lookup, and periodic
// minimum-spanning-tree pruning of the graph (spec §4.5).
package router

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Subnet is the fixed private range every address in this mesh lives in.
var Subnet = net.IPv4(172, 16, 0, 0)

// defaultWeight is the edge weight used for every link; the graph is
// unweighted in spirit (spec §9 notes any weighting scheme reduces to "any
// spanning tree" when weights are equal).
const defaultWeight = 1.0

// Router owns the single in-memory view of the mesh: the node/edge graph,
// the id<->IP bindings, last-seen observations, and this node's own
// identity. Per spec §4.5/§9 it has exactly one owner (the node event
// task) and requires no internal locking.
type Router struct {
	log *log.Logger

	SelfID    byte
	SelfIP    net.IP
	IsGateway bool
	MaxHops   int
	Timeout   time.Duration
	Retries   int

	GatewayIP net.IP

	graph    *simple.WeightedUndirectedGraph
	nodeSet  map[byte]struct{}
	idToIP   map[byte]net.IP
	ipToID   map[string]byte
	lastSeen map[byte]time.Time
}

// New constructs a Router for a node with the given identity and policy
// parameters.
func New(selfID byte, isGateway bool, maxHops int, timeout time.Duration, retries int, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		log:       logger,
		SelfID:    selfID,
		IsGateway: isGateway,
		MaxHops:   maxHops,
		Timeout:   timeout,
		Retries:   retries,
		graph:     simple.NewWeightedUndirectedGraph(0, 0),
		nodeSet:   make(map[byte]struct{}),
		idToIP:    make(map[byte]net.IP),
		ipToID:    make(map[string]byte),
		lastSeen:  make(map[byte]time.Time),
	}
}

// AllocatedIP computes the conventional address for id: 172.16.0.<id>.
func AllocatedIP(id byte) net.IP {
	return net.IPv4(Subnet[12], Subnet[13], Subnet[14], id)
}

// NodeObserve records that id was witnessed just now.
func (r *Router) NodeObserve(id byte, now time.Time) {
	r.lastSeen[id] = now
	r.NodeAdd(id)
}

// IsObserved reports whether id is currently present in the graph.
func (r *Router) IsObserved(id byte) bool {
	_, ok := r.nodeSet[id]
	return ok
}

// NodeAdd idempotently inserts id into the graph.
func (r *Router) NodeAdd(id byte) {
	if _, ok := r.nodeSet[id]; ok {
		return
	}
	r.nodeSet[id] = struct{}{}
	r.graph.AddNode(simple.Node(id))
}

// NodeRemove deletes id and all incident edges from the graph.
func (r *Router) NodeRemove(id byte) {
	if _, ok := r.nodeSet[id]; !ok {
		return
	}
	delete(r.nodeSet, id)
	delete(r.lastSeen, id)
	r.graph.RemoveNode(int64(id))
	if ip, ok := r.idToIP[id]; ok {
		delete(r.idToIP, id)
		delete(r.ipToID, ip.String())
	}
}

// EdgeAdd idempotently inserts an undirected edge a<->b with the given
// weight, defaulting both endpoints into the graph first.
func (r *Router) EdgeAdd(a, b byte, weight float64) {
	if a == b {
		return
	}
	r.NodeAdd(a)
	r.NodeAdd(b)
	r.graph.SetWeightedEdge(simple.WeightedEdge{
		F: simple.Node(a),
		T: simple.Node(b),
		W: weight,
	})
}

// NodeCount and EdgeCount expose graph size for metrics.
func (r *Router) NodeCount() int { return r.graph.Nodes().Len() }
func (r *Router) EdgeCount() int { return r.graph.Edges().Len() }

// HandleIPAssignment binds self_id to ip and inserts the self node, called
// once a node learns its own address.
func (r *Router) HandleIPAssignment(ip net.IP) {
	r.SelfIP = ip
	r.NodeAdd(r.SelfID)
	r.bind(r.SelfID, ip)
}

// HandleGatewayAssignment records the gateway's advertised IP.
func (r *Router) HandleGatewayAssignment(ip net.IP) {
	r.GatewayIP = ip
}

func (r *Router) bind(id byte, ip net.IP) {
	ip4 := ip.To4()
	r.idToIP[id] = ip4
	r.ipToID[ip4.String()] = id
}

// IDForIP and IPForID expose the bidirectional binding.
func (r *Router) IDForIP(ip net.IP) (byte, bool) {
	id, ok := r.ipToID[ip.To4().String()]
	return id, ok
}

func (r *Router) IPForID(id byte) (net.IP, bool) {
	ip, ok := r.idToIP[id]
	return ip, ok
}

// IPAssign allocates (or returns the existing) IPv4 address for id. The
// allocator never fails for id in 1..=254; it fails outside that range.
func (r *Router) IPAssign(id byte) (ip net.IP, isNew bool, err error) {
	if existing, ok := r.idToIP[id]; ok {
		return existing, false, nil
	}
	if id == 0 || id == 255 {
		return nil, false, fmt.Errorf("router: id %d out of allocatable range 1..254", id)
	}
	ip = AllocatedIP(id)
	r.NodeAdd(id)
	r.bind(id, ip)
	return ip, true, nil
}

// astarZero is the zero heuristic the spec requires for packet_route's A*
// search, which makes it equivalent in behaviour to Dijkstra.
func astarZero(x, y graph.Node) float64 { return 0 }

// PacketRoute looks up the source and destination ids for the two
// addresses and runs A* over the current graph. It returns the vertex
// sequence inclusive of both endpoints, or ok=false if either address is
// unbound, no path exists, or the path exceeds MaxHops.
func (r *Router) PacketRoute(src, dst net.IP) (route []byte, ok bool) {
	srcID, ok := r.IDForIP(src)
	if !ok {
		return nil, false
	}
	dstID, ok := r.IDForIP(dst)
	if !ok {
		return nil, false
	}
	if _, ok := r.nodeSet[srcID]; !ok {
		return nil, false
	}
	if _, ok := r.nodeSet[dstID]; !ok {
		return nil, false
	}

	shortest, _ := path.AStar(simple.Node(srcID), simple.Node(dstID), r.graph, astarZero)
	nodes, _ := shortest.To(int64(dstID))
	if len(nodes) == 0 {
		return nil, false
	}
	hops := len(nodes) - 1
	if hops > r.MaxHops {
		return nil, false
	}
	out := make([]byte, len(nodes))
	for i, n := range nodes {
		out[i] = byte(n.ID())
	}
	return out, true
}

// MinSpanningTree replaces the edge set with a minimum spanning tree (any
// spanning tree, since all weights are equal) of the current graph. Nodes
// that were disconnected before remain disconnected.
func (r *Router) MinSpanningTree() {
	type edgeKey struct{ a, b byte }
	var edges []edgeKey
	it := r.graph.Edges()
	for it.Next() {
		e := it.Edge()
		a, b := byte(e.From().ID()), byte(e.To().ID())
		if a > b {
			a, b = b, a
		}
		edges = append(edges, edgeKey{a, b})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})

	parent := make(map[byte]byte, len(r.nodeSet))
	for id := range r.nodeSet {
		parent[id] = id
	}
	var find func(byte) byte
	find = func(x byte) byte {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	kept := make([]edgeKey, 0, len(edges))
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		if ra == rb {
			continue
		}
		parent[ra] = rb
		kept = append(kept, e)
	}

	next := simple.NewWeightedUndirectedGraph(0, 0)
	for id := range r.nodeSet {
		next.AddNode(simple.Node(id))
	}
	for _, e := range kept {
		next.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(e.a), T: simple.Node(e.b), W: defaultWeight})
	}
	r.graph = next
	r.log.Debug("pruned mesh graph to spanning tree", "nodes", len(r.nodeSet), "edges", len(kept))
}
