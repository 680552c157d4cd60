package frame

import (
	"fmt"
	"time"
)

// Chunk splits f's payload into one or more frames whose encoded length is
// at most maxLen bytes, preserving frame_id, msg_type, sender and route on
// every chunk. All chunks but the last carry tx_flag=More; the last carries
// tx_flag=Final. A payload that already fits is emitted as a single Final
// frame. The per-chunk header overhead is headerLen (5 fixed bytes) plus
// the route length, matching the actual bytes Encode writes.
func Chunk(f Frame, maxLen int) ([]Frame, error) {
	h := headerLen + len(f.Route)
	room := maxLen - h
	if room <= 0 {
		return nil, fmt.Errorf("frame: maxLen %d too small for header of %d bytes", maxLen, h)
	}
	if len(f.Payload) <= room {
		out := f.Clone()
		out.TxFlag = Final
		return []Frame{out}, nil
	}

	var chunks []Frame
	for off := 0; off < len(f.Payload); off += room {
		end := off + room
		if end > len(f.Payload) {
			end = len(f.Payload)
		}
		c := f.Clone()
		c.Payload = append([]byte(nil), f.Payload[off:end]...)
		if end == len(f.Payload) {
			c.TxFlag = Final
		} else {
			c.TxFlag = More
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// partialKey identifies one in-progress chunked message by its originating
// sender and the frame id shared across all of its chunks.
type partialKey struct {
	Sender  byte
	FrameID byte
}

type partial struct {
	payloads [][]byte
	created  time.Time
}

// Reassembler holds in-progress chunk groups keyed by (sender, frame_id).
// It is not safe for concurrent use — per the spec's ownership model it is
// meant to live entirely inside the single node event task.
type Reassembler struct {
	timeout time.Duration
	groups  map[partialKey]*partial
}

// NewReassembler returns a Reassembler that discards groups that have not
// been completed within timeout of their first chunk's arrival.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		timeout: timeout,
		groups:  make(map[partialKey]*partial),
	}
}

// Accept processes one received frame. If f is a More chunk it is buffered
// and ready is false. If f is Final, any buffered chunks for the same
// (sender, frame_id) are concatenated ahead of f's own payload and the
// combined frame is returned with ready=true; a Final with no preceding
// chunks is returned as-is.
func (r *Reassembler) Accept(f Frame, now time.Time) (combined Frame, ready bool) {
	key := partialKey{Sender: f.Sender, FrameID: f.FrameID}

	if f.TxFlag == More {
		p, ok := r.groups[key]
		if !ok {
			p = &partial{created: now}
			r.groups[key] = p
		}
		p.payloads = append(p.payloads, append([]byte(nil), f.Payload...))
		return Frame{}, false
	}

	p, ok := r.groups[key]
	if !ok {
		return f, true
	}
	delete(r.groups, key)

	total := len(f.Payload)
	for _, chunk := range p.payloads {
		total += len(chunk)
	}
	combinedPayload := make([]byte, 0, total)
	for _, chunk := range p.payloads {
		combinedPayload = append(combinedPayload, chunk...)
	}
	combinedPayload = append(combinedPayload, f.Payload...)

	out := f.Clone()
	out.Payload = combinedPayload
	return out, true
}

// GC discards any partial chunk group whose first chunk arrived more than
// the reassembly timeout before now.
func (r *Reassembler) GC(now time.Time) {
	for key, p := range r.groups {
		if now.Sub(p.created) > r.timeout {
			delete(r.groups, key)
		}
	}
}

// Pending reports the number of in-progress chunk groups, for metrics.
func (r *Reassembler) Pending() int {
	return len(r.groups)
}
