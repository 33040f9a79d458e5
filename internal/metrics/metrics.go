package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcplink_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcplink_sessions_open",
			Help: "Number of open client sessions",
		},
	)

	sessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcplink_sessions_evicted_total",
			Help: "Sessions closed by the idle sweep",
		},
	)

	upstreamConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcplink_upstream_connects_total",
			Help: "Upstream connection attempts",
		},
		[]string{"outcome"},
	)

	callsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcplink_calls_total",
			Help: "Forwarded JSON-RPC calls",
		},
		[]string{"method", "outcome"},
	)

	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcplink_frames_dropped_total",
			Help: "Upstream frames dropped as malformed or unroutable",
		},
	)
)

// Register attaches all bridge collectors to the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsOpen, sessionsEvicted, upstreamConnects, callsForwarded, framesDropped)
}

// SetBuildInfo records build metadata on the build-info gauge.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func SessionOpened()          { sessionsOpen.Inc() }
func SessionClosed()          { sessionsOpen.Dec() }
func SessionEvicted()         { sessionsEvicted.Inc() }
func UpstreamConnect(ok bool) { upstreamConnects.WithLabelValues(outcome(ok)).Inc() }
func FrameDropped()           { framesDropped.Inc() }

// CallObserved records the outcome of one forwarded call.
func CallObserved(method string, ok bool) {
	callsForwarded.WithLabelValues(method, outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
