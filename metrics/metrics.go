// Package metrics registers the Prometheus counters/gauges the peer core
// exposes: tokens issued/expired, offers accepted/rejected, shard bytes
// transferred, audits served, and tunnels open. Every component takes a
// *Metrics (or leaves it nil, in which case its increments are no-ops)
// rather than reaching for package-level promauto defaults, so no state
// lives outside an explicitly constructed registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters/gauges one peer process registers.
type Metrics struct {
	TokensIssued    prometheus.Counter
	TokensExpired   prometheus.Counter
	OffersAccepted  prometheus.Counter
	OffersRejected  prometheus.Counter
	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter
	AuditsServed    prometheus.Counter
	TunnelsOpen     prometheus.Gauge
}

// New registers a fresh set of metrics against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for a process-wide one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_tokens_issued_total",
			Help: "Total number of shard-transfer tokens accepted.",
		}),
		TokensExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_tokens_expired_total",
			Help: "Total number of shard-transfer tokens reaped on expiry.",
		}),
		OffersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_offers_accepted_total",
			Help: "Total number of OFFER messages queued onto an offer stream.",
		}),
		OffersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_offers_rejected_total",
			Help: "Total number of OFFER messages rejected (duplicate farmer, incomplete, full, destroyed).",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_shard_bytes_uploaded_total",
			Help: "Total shard bytes received via POST /shards/{hash}.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_shard_bytes_downloaded_total",
			Help: "Total shard bytes served via GET /shards/{hash}.",
		}),
		AuditsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardpeer_audits_served_total",
			Help: "Total number of AUDIT challenge/response pairs served.",
		}),
		TunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardpeer_tunnels_open",
			Help: "Number of tunnel gateways currently open.",
		}),
	}
	reg.MustRegister(
		m.TokensIssued, m.TokensExpired,
		m.OffersAccepted, m.OffersRejected,
		m.BytesUploaded, m.BytesDownloaded,
		m.AuditsServed, m.TunnelsOpen,
	)
	return m
}
