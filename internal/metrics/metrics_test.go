package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeGraph struct{ nodes, edges int }

func (g fakeGraph) NodeCount() int { return g.nodes }
func (g fakeGraph) EdgeCount() int { return g.edges }

type fakeReassembly struct{ pending int }

func (f fakeReassembly) Pending() int { return f.pending }

type fakeStalls struct{ count int }

func (f fakeStalls) StallCountValue() int { return f.count }

func TestCountersStartAtZero(t *testing.T) {
	r := New(fakeGraph{}, fakeReassembly{}, fakeStalls{})
	assert.Zero(t, testutil.ToFloat64(r.FramesTransmitted))
	assert.Zero(t, testutil.ToFloat64(r.FramesReceived))
}

func TestCountersIncrement(t *testing.T) {
	r := New(fakeGraph{}, fakeReassembly{}, fakeStalls{})
	r.IncFramesTransmitted()
	r.IncFramesTransmitted()
	r.IncFrameDecodeErrors()
	r.IncMsgDecodeErrors()
	r.IncRouteLookupFailures()

	assert.Equal(t, float64(2), testutil.ToFloat64(r.FramesTransmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.FrameDecodeErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.MsgDecodeErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.RouteLookupFails))
}

func TestGaugesReflectLiveSources(t *testing.T) {
	graph := fakeGraph{nodes: 3, edges: 2}
	reasm := fakeReassembly{pending: 4}
	stalls := fakeStalls{count: 7}
	r := New(graph, reasm, stalls)

	assert.Equal(t, float64(3), testutil.ToFloat64(r.RouterNodes))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.RouterEdges))
	assert.Equal(t, float64(4), testutil.ToFloat64(r.ReassemblyBacklog))
	assert.Equal(t, float64(7), testutil.ToFloat64(r.TokenBucketStallGauge))
}
