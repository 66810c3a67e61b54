package kv

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardkv/shardkv/internal/shardfile"
)

// noopMetrics discards every event. It is the default when WithMetrics is
// not used.
type noopMetrics struct{}

func (noopMetrics) IncGet(bool)                       {}
func (noopMetrics) IncInsert()                        {}
func (noopMetrics) IncRemove()                        {}
func (noopMetrics) IncSplit()                         {}
func (noopMetrics) IncCompaction()                    {}
func (noopMetrics) SetDeadBytesRatio(uint32, float64) {}

var _ shardfile.Metrics = noopMetrics{}

// promMetrics implements shardfile.Metrics on top of Prometheus counters and
// gauges, one set registered per Store.
type promMetrics struct {
	gets        *prometheus.CounterVec // label "result" = hit|miss
	inserts     prometheus.Counter
	removes     prometheus.Counter
	splits      prometheus.Counter
	compactions prometheus.Counter
	deadRatio   *prometheus.GaugeVec // label "shard_lo"
}

func newMetricsSink(reg prometheus.Registerer) shardfile.Metrics {
	if reg == nil {
		return noopMetrics{}
	}

	m := &promMetrics{
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardkv",
			Name:      "gets_total",
			Help:      "Get operations, partitioned by hit/miss.",
		}, []string{"result"}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkv",
			Name:      "inserts_total",
			Help:      "Insert/Replace/CompareAndSet operations that wrote an entry.",
		}),
		removes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkv",
			Name:      "removes_total",
			Help:      "Remove operations that cleared a slot.",
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkv",
			Name:      "splits_total",
			Help:      "Shard file splits performed.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkv",
			Name:      "compactions_total",
			Help:      "Shard file compactions performed.",
		}),
		deadRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardkv",
			Name:      "dead_bytes_ratio",
			Help:      "Fraction of a shard file's data region that is dead.",
		}, []string{"shard_lo"}),
	}

	reg.MustRegister(m.gets, m.inserts, m.removes, m.splits, m.compactions, m.deadRatio)

	return m
}

func (m *promMetrics) IncGet(hit bool) {
	if hit {
		m.gets.WithLabelValues("hit").Inc()
	} else {
		m.gets.WithLabelValues("miss").Inc()
	}
}

func (m *promMetrics) IncInsert()     { m.inserts.Inc() }
func (m *promMetrics) IncRemove()     { m.removes.Inc() }
func (m *promMetrics) IncSplit()      { m.splits.Inc() }
func (m *promMetrics) IncCompaction() { m.compactions.Inc() }

func (m *promMetrics) SetDeadBytesRatio(shardLo uint32, ratio float64) {
	m.deadRatio.WithLabelValues(fmt.Sprintf("%05x", shardLo)).Set(ratio)
}

var _ shardfile.Metrics = (*promMetrics)(nil)
