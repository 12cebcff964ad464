// Package metrics implements spec.md's L14 metrics: counters and latency
// histograms registered against prometheus/client_golang, for the
// (out-of-scope) embedded HTTP endpoint to scrape from the registry. Grounded on
// the pack's metrics registries (cuemby-warren's pkg/metrics, aistore's
// stats package) generalized to this engine's opcode/cache/WAL/replication
// counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every metric this engine exposes. A real deployment wires
// Registry.Registerer into the embedded HTTP endpoint (out of scope here);
// this package only defines and updates the metrics.
type Registry struct {
	Registerer prometheus.Registerer

	CommandsTotal    *prometheus.CounterVec
	CommandLatency   *prometheus.HistogramVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	PersistentReads  prometheus.Counter
	PersistentWrites prometheus.Counter
	WALAppends       prometheus.Counter
	WALBytes         prometheus.Counter
	ReplicationLagMS prometheus.Gauge
	ConnectionsOpen  prometheus.Gauge
	AuthFailures     prometheus.Counter
	BackupsCreated   prometheus.Counter
	WriteBehindDepth prometheus.Gauge
}

// New builds and registers every metric against reg (use
// prometheus.NewRegistry() for tests, prometheus.DefaultRegisterer for a
// real process).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Registerer: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veddb", Name: "commands_total", Help: "Commands processed by opcode and status.",
		}, []string{"opcode", "status"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "veddb", Name: "command_latency_seconds", Help: "Command handler latency by opcode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"opcode"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "cache_hits_total", Help: "Cache layer hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "cache_misses_total", Help: "Cache layer misses.",
		}),
		PersistentReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "persistent_reads_total", Help: "Persistent layer reads.",
		}),
		PersistentWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "persistent_writes_total", Help: "Persistent layer writes.",
		}),
		WALAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "wal_appends_total", Help: "WAL records appended.",
		}),
		WALBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "wal_bytes_total", Help: "WAL bytes written.",
		}),
		ReplicationLagMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veddb", Name: "replication_lag_milliseconds", Help: "Observed slave replication lag.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veddb", Name: "connections_open", Help: "Currently open client connections.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "auth_failures_total", Help: "Failed authentication attempts.",
		}),
		BackupsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veddb", Name: "backups_created_total", Help: "Backups created.",
		}),
		WriteBehindDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veddb", Name: "write_behind_queue_depth", Help: "Pending write-behind queue entries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.CommandsTotal, r.CommandLatency, r.CacheHits, r.CacheMisses,
			r.PersistentReads, r.PersistentWrites, r.WALAppends, r.WALBytes,
			r.ReplicationLagMS, r.ConnectionsOpen, r.AuthFailures, r.BackupsCreated,
			r.WriteBehindDepth,
		)
	}
	return r
}

// ObserveCommand records one dispatched command's outcome and latency.
func (r *Registry) ObserveCommand(opcode string, status string, start time.Time) {
	r.CommandsTotal.WithLabelValues(opcode, status).Inc()
	r.CommandLatency.WithLabelValues(opcode).Observe(time.Since(start).Seconds())
}
