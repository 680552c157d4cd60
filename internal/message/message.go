// Package message implements the typed messages carried on top of frames:
// broadcast/discovery, IP assignment replies, and raw IP packets. Each kind
// has a pair of functions converting to and from a frame.Frame.
package message

import (
	"fmt"
	"net"

	"github.com/loramesh/loramesh/internal/frame"
)

// Broadcast is sent periodically by every node to announce itself and, for
// the gateway, its IP assignment role.
type Broadcast struct {
	IsGateway bool
	IP        net.IP // nil if the sender has no IP yet
}

// ToFrame encodes m into a frame with the given frame id, sender and route.
func (m Broadcast) ToFrame(frameID, sender byte, route []byte) frame.Frame {
	payload := make([]byte, 0, 6)
	if m.IsGateway {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	if ip4 := m.IP.To4(); ip4 != nil {
		payload = append(payload, 4)
		payload = append(payload, ip4...)
	} else {
		payload = append(payload, 0)
	}
	return frame.Frame{
		FrameID: frameID,
		MsgType: frame.Broadcast,
		Sender:  sender,
		Route:   route,
		Payload: payload,
	}
}

func decodeBroadcast(f frame.Frame) (Broadcast, error) {
	if len(f.Payload) < 2 {
		return Broadcast{}, fmt.Errorf("message: broadcast payload too short: %d bytes", len(f.Payload))
	}
	m := Broadcast{IsGateway: f.Payload[0] != 0}
	ipOffset := f.Payload[1]
	switch ipOffset {
	case 0:
		// no IP carried
	case 4:
		if len(f.Payload) < 2+4 {
			return Broadcast{}, fmt.Errorf("message: broadcast payload truncated for ip_offset=4")
		}
		m.IP = net.IPv4(f.Payload[2], f.Payload[3], f.Payload[4], f.Payload[5])
	default:
		return Broadcast{}, fmt.Errorf("message: broadcast invalid ip_offset %d", ipOffset)
	}
	return m, nil
}

// IPAssignSuccess carries the IPv4 address assigned to the frame's final
// destination.
type IPAssignSuccess struct {
	IP net.IP
}

func (m IPAssignSuccess) ToFrame(frameID, sender byte, route []byte) frame.Frame {
	ip4 := m.IP.To4()
	payload := make([]byte, 4)
	copy(payload, ip4)
	return frame.Frame{
		FrameID: frameID,
		MsgType: frame.IPAssignSuccess,
		Sender:  sender,
		Route:   route,
		Payload: payload,
	}
}

func decodeIPAssignSuccess(f frame.Frame) (IPAssignSuccess, error) {
	if len(f.Payload) < 4 {
		return IPAssignSuccess{}, fmt.Errorf("message: ip_assign_success payload too short: %d bytes", len(f.Payload))
	}
	return IPAssignSuccess{IP: net.IPv4(f.Payload[0], f.Payload[1], f.Payload[2], f.Payload[3])}, nil
}

// IPAssignFailure carries a human-readable reason the allocator refused.
type IPAssignFailure struct {
	Reason string
}

func (m IPAssignFailure) ToFrame(frameID, sender byte, route []byte) frame.Frame {
	return frame.Frame{
		FrameID: frameID,
		MsgType: frame.IPAssignFailure,
		Sender:  sender,
		Route:   route,
		Payload: []byte(m.Reason),
	}
}

func decodeIPAssignFailure(f frame.Frame) (IPAssignFailure, error) {
	return IPAssignFailure{Reason: string(f.Payload)}, nil
}

// IPPacket wraps a raw IPv4 datagram for tunnelling over the mesh.
type IPPacket struct {
	Packet []byte
}

func (m IPPacket) ToFrame(frameID, sender byte, route []byte) frame.Frame {
	return frame.Frame{
		FrameID: frameID,
		MsgType: frame.IPPacket,
		Sender:  sender,
		Route:   route,
		Payload: m.Packet,
	}
}

func decodeIPPacket(f frame.Frame) (IPPacket, error) {
	return IPPacket{Packet: f.Payload}, nil
}

// Reserved carries the opaque payload of a message kind reserved for future
// use (RouteDiscovery, RouteSuccess, RouteFailure, TransmitRequest,
// TransmitConfirm). Implementations must accept and drop these.
type Reserved struct {
	Kind    frame.MsgType
	Payload []byte
}

func (m Reserved) ToFrame(frameID, sender byte, route []byte) frame.Frame {
	return frame.Frame{
		FrameID: frameID,
		MsgType: m.Kind,
		Sender:  sender,
		Route:   route,
		Payload: m.Payload,
	}
}

// FromFrame decodes f's payload according to f.MsgType. The returned value
// is one of Broadcast, IPAssignSuccess, IPAssignFailure, IPPacket or
// Reserved.
func FromFrame(f frame.Frame) (any, error) {
	switch f.MsgType {
	case frame.Broadcast:
		return decodeBroadcast(f)
	case frame.IPAssignSuccess:
		return decodeIPAssignSuccess(f)
	case frame.IPAssignFailure:
		return decodeIPAssignFailure(f)
	case frame.IPPacket:
		return decodeIPPacket(f)
	case frame.RouteDiscovery, frame.RouteSuccess, frame.RouteFailure,
		frame.TransmitRequest, frame.TransmitConfirm:
		return Reserved{Kind: f.MsgType, Payload: f.Payload}, nil
	default:
		return nil, fmt.Errorf("message: unknown msg_type %d", f.MsgType)
	}
}
