package qcow2

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "qcow2"
	subsystem = "image"
)

// Metrics counts engine activity. One Metrics may be shared by many images.
type Metrics struct {
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
	ClusterReads      *prometheus.CounterVec
	ClustersAllocated prometheus.Counter
	L2TablesAllocated prometheus.Counter
	CopyOnWrite       *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

// NewMetrics creates the engine counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "read_bytes_total",
			Help:      "Guest bytes read.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "written_bytes_total",
			Help:      "Guest bytes written.",
		}),
		ClusterReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cluster_reads_total",
			Help:      "Per-cluster read operations. Broken down by L2 entry kind.",
		}, []string{"kind"}),
		ClustersAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "clusters_allocated_total",
			Help:      "Host clusters handed out by the allocator.",
		}),
		L2TablesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "l2_tables_allocated_total",
			Help:      "Fresh L2 tables created for unmapped L1 ranges.",
		}),
		CopyOnWrite: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "copy_on_write_total",
			Help:      "Copy-on-write duplications. Broken down by what was copied.",
		}, []string{"target"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Failed read and write requests. Broken down by error kind.",
		}, []string{"op", "kind"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.BytesRead, m.BytesWritten, m.ClusterReads, m.ClustersAllocated,
			m.L2TablesAllocated, m.CopyOnWrite, m.Errors,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// The helpers below are nil-safe so the engine can call them unconditionally.

func (m *Metrics) read(n uint64) {
	if m != nil {
		m.BytesRead.Add(float64(n))
	}
}

func (m *Metrics) written(n uint64) {
	if m != nil {
		m.BytesWritten.Add(float64(n))
	}
}

func (m *Metrics) clusterRead(kind L2Kind) {
	if m != nil {
		m.ClusterReads.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) clusterAllocated() {
	if m != nil {
		m.ClustersAllocated.Inc()
	}
}

func (m *Metrics) l2Allocated() {
	if m != nil {
		m.L2TablesAllocated.Inc()
	}
}

func (m *Metrics) copied(target string) {
	if m != nil {
		m.CopyOnWrite.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) failed(op string, err error) {
	if m != nil && err != nil {
		m.Errors.WithLabelValues(op, Kind(err).String()).Inc()
	}
}
