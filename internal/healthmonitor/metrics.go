package healthmonitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vecfleet_health_probes_total",
		Help: "Health probes performed, by outcome.",
	}, []string{"outcome"})

	probeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vecfleet_health_probe_latency_seconds",
		Help:    "Latency of successful agent health probes.",
		Buckets: prometheus.DefBuckets,
	})

	agentsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vecfleet_agents",
		Help: "Agents observed in the latest completed tick, by status.",
	}, []string{"status"})
)

func observeProbe(r ProbeResult) {
	if r.Healthy {
		probeTotal.WithLabelValues("healthy").Inc()
		if r.LatencyMS != nil {
			probeLatency.Observe(float64(*r.LatencyMS) / 1000)
		}
		return
	}
	probeTotal.WithLabelValues("unhealthy").Inc()
}

func observeTick(snap *Snapshot) {
	agentsGauge.WithLabelValues("healthy").Set(float64(snap.Healthy))
	agentsGauge.WithLabelValues("unhealthy").Set(float64(snap.Unhealthy))
}
