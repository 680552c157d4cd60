// Package frame implements the on-wire link frame described in the system
// spec: a fixed five-byte header (tx_flag, frame_id, msg_type, sender,
// route_len), an ordered route of remaining next-hop ids, and a
// message-specific payload. It also implements chunking a
// payload across several frames and reassembling them on the far side.
package frame

import "fmt"

// TxFlag indicates whether a frame is the last chunk of its group.
type TxFlag byte

const (
	Final        TxFlag = 0
	More         TxFlag = 1
	SlotExceeded TxFlag = 2
)

// MsgType identifies the message layer payload carried by a frame.
type MsgType byte

const (
	Broadcast        MsgType = 1
	IPAssignSuccess  MsgType = 2
	IPAssignFailure  MsgType = 3
	RouteDiscovery   MsgType = 4
	RouteSuccess     MsgType = 5
	RouteFailure     MsgType = 6
	TransmitRequest  MsgType = 7
	TransmitConfirm  MsgType = 8
	IPPacket         MsgType = 9
)

// MTU is the maximum encoded length of one on-wire frame.
const MTU = 250

// headerLen is the number of fixed-position header bytes before the route:
// tx_flag, frame_id, msg_type, sender, route_len.
const headerLen = 5

// Frame is the in-memory representation of one on-wire unit.
type Frame struct {
	TxFlag  TxFlag
	FrameID byte
	MsgType MsgType
	Sender  byte
	Route   []byte
	Payload []byte
}

// Encode serialises f as the fixed header, the route bytes, then the
// payload, in that order.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Route) > 255 {
		return nil, fmt.Errorf("frame: route too long: %d", len(f.Route))
	}
	if f.FrameID == 0 {
		return nil, fmt.Errorf("frame: frame_id must not be zero")
	}
	out := make([]byte, 0, headerLen+len(f.Route)+len(f.Payload))
	out = append(out,
		byte(f.TxFlag),
		f.FrameID,
		byte(f.MsgType),
		f.Sender,
		byte(len(f.Route)),
	)
	out = append(out, f.Route...)
	out = append(out, f.Payload...)
	if len(out) > MTU {
		return nil, fmt.Errorf("frame: encoded length %d exceeds MTU %d", len(out), MTU)
	}
	return out, nil
}

// Decode parses b into a Frame. It never panics on truncated or malformed
// input; any out-of-range access yields an error and the caller should drop
// the frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, fmt.Errorf("frame: short header: %d bytes", len(b))
	}
	routeLen := int(b[4])
	need := headerLen + routeLen
	if len(b) < need {
		return Frame{}, fmt.Errorf("frame: truncated route: need %d have %d", need, len(b))
	}
	route := make([]byte, routeLen)
	copy(route, b[headerLen:need])
	payload := make([]byte, len(b)-need)
	copy(payload, b[need:])
	return Frame{
		TxFlag:  TxFlag(b[0]),
		FrameID: b[1],
		MsgType: MsgType(b[2]),
		Sender:  b[3],
		Route:   route,
		Payload: payload,
	}, nil
}

// RouteShift removes and returns the head of the route, as a relay consumes
// its hop. ok is false if the route is empty.
func (f *Frame) RouteShift() (next byte, ok bool) {
	if len(f.Route) == 0 {
		return 0, false
	}
	next = f.Route[0]
	f.Route = f.Route[1:]
	return next, true
}

// RouteUnshift prepends id to the route, as a node does when it rebroadcasts
// and wants the reply path preserved back through it.
func (f *Frame) RouteUnshift(id byte) {
	route := make([]byte, 0, len(f.Route)+1)
	route = append(route, id)
	route = append(route, f.Route...)
	f.Route = route
}

// Clone returns a deep copy of f, since Route and Payload are shared slices.
func (f Frame) Clone() Frame {
	route := make([]byte, len(f.Route))
	copy(route, f.Route)
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	return Frame{
		TxFlag:  f.TxFlag,
		FrameID: f.FrameID,
		MsgType: f.MsgType,
		Sender:  f.Sender,
		Route:   route,
		Payload: payload,
	}
}
