package router

import (
	"net"
	"time"

	"github.com/loramesh/loramesh/internal/message"
)

// AssignOutcome is the result of HandleBroadcast: either nothing happened
// (Allocated=false, Err=nil), an address was handed out (Allocated=true),
// or the allocator refused (Err set).
type AssignOutcome struct {
	Allocated bool
	IP        net.IP
	IsNew     bool
	Err       error
}

// HandleBroadcast folds a received Broadcast message into the graph: it
// records the gateway's IP if advertised by someone else, observes and
// links every hop named in the frame's route, links self to the last hop,
// and — if this node is the gateway and the sender has no IP yet —
// allocates one.
func (r *Router) HandleBroadcast(sender byte, msg message.Broadcast, route []byte, now time.Time) AssignOutcome {
	if msg.IsGateway && sender != r.SelfID && msg.IP != nil {
		r.HandleGatewayAssignment(msg.IP)
	}

	for i, id := range route {
		r.NodeObserve(id, now)
		if i > 0 {
			r.EdgeAdd(route[i-1], id, defaultWeight)
		}
	}
	if len(route) > 0 {
		r.EdgeAdd(r.SelfID, route[len(route)-1], defaultWeight)
	}

	if msg.IP == nil && r.IsGateway {
		ip, isNew, err := r.IPAssign(sender)
		if err != nil {
			return AssignOutcome{Err: err}
		}
		return AssignOutcome{Allocated: true, IP: ip, IsNew: isNew}
	}
	return AssignOutcome{}
}
