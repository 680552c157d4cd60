// Package metrics exposes the node's operational counters over Prometheus
// (an ambient addition, not a spec-named component): frame and decode-error
// counts, chunk reassembly backlog, arbiter stalls, and router graph size.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the node updates.
type Registry struct {
	reg *prometheus.Registry

	FramesTransmitted prometheus.Counter
	FramesReceived    prometheus.Counter
	FrameDecodeErrors prometheus.Counter
	MsgDecodeErrors   prometheus.Counter
	RouteLookupFails  prometheus.Counter

	ReassemblyBacklog     prometheus.GaugeFunc
	RouterNodes           prometheus.GaugeFunc
	RouterEdges           prometheus.GaugeFunc
	TokenBucketStallGauge prometheus.GaugeFunc
}

// GraphSource is satisfied by *router.Router, kept as a narrow interface so
// this package does not import router directly.
type GraphSource interface {
	NodeCount() int
	EdgeCount() int
}

// ReassemblySource is satisfied by *frame.Reassembler.
type ReassemblySource interface {
	Pending() int
}

// StallSource is satisfied by *radio.Driver.
type StallSource interface {
	StallCountValue() int
}

// New builds a Registry and wires the gauge functions to router, the
// reassembler and the radio driver, all of which are owned exclusively by
// the node loop and which this package only reads.
func New(router GraphSource, reassembler ReassemblySource, stalls StallSource) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{reg: reg}

	r.FramesTransmitted = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "loramesh_frames_transmitted_total",
		Help: "Frames handed to the modem for transmission.",
	})
	r.FramesReceived = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "loramesh_frames_received_total",
		Help: "Frames decoded from the modem's radio_rx lines.",
	})
	r.FrameDecodeErrors = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "loramesh_frame_decode_errors_total",
		Help: "Frames dropped for failing to decode.",
	})
	r.MsgDecodeErrors = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "loramesh_message_decode_errors_total",
		Help: "Frames dropped for a payload not matching their msg_type.",
	})
	r.RouteLookupFails = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "loramesh_route_lookup_failures_total",
		Help: "TUN packets dropped for lacking a known route.",
	})
	r.TokenBucketStallGauge = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loramesh_token_bucket_stalls_total",
		Help: "Outbound transmit attempts that found the token bucket empty.",
	}, func() float64 { return float64(stalls.StallCountValue()) })
	r.ReassemblyBacklog = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loramesh_reassembly_backlog",
		Help: "In-progress chunk reassembly groups.",
	}, func() float64 { return float64(reassembler.Pending()) })
	r.RouterNodes = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loramesh_router_nodes",
		Help: "Nodes currently observed in the mesh graph.",
	}, func() float64 { return float64(router.NodeCount()) })
	r.RouterEdges = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loramesh_router_edges",
		Help: "Edges currently present in the mesh graph.",
	}, func() float64 { return float64(router.EdgeCount()) })

	return r
}

// IncFramesTransmitted, IncFramesReceived, IncFrameDecodeErrors,
// IncMsgDecodeErrors and IncRouteLookupFailures satisfy node.Metrics.
func (r *Registry) IncFramesTransmitted()   { r.FramesTransmitted.Inc() }
func (r *Registry) IncFramesReceived()      { r.FramesReceived.Inc() }
func (r *Registry) IncFrameDecodeErrors()   { r.FrameDecodeErrors.Inc() }
func (r *Registry) IncMsgDecodeErrors()     { r.MsgDecodeErrors.Inc() }
func (r *Registry) IncRouteLookupFailures() { r.RouteLookupFails.Inc() }

// Serve runs a /metrics HTTP server on addr until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
