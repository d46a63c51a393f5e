package qcow2

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return promtest.ToFloat64(c)
}

func TestMetricsCountIO(t *testing.T) {
	m := newTestMetrics(t)
	img, _ := newTestImage(t, 1<<20, WithMetrics(m))
	defer img.Close()

	_, err := img.WriteAt(make([]byte, 100), testClusterSize-50)
	require.NoError(t, err)
	_, err = img.ReadAt(make([]byte, 3*testClusterSize), 0)
	require.NoError(t, err)

	assert.Equal(t, 100.0, counterValue(t, m.BytesWritten))
	assert.Equal(t, float64(3*testClusterSize), counterValue(t, m.BytesRead))
	assert.Equal(t, 3.0, counterValue(t, m.ClustersAllocated), "one L2 table, two data clusters")
	assert.Equal(t, 1.0, counterValue(t, m.L2TablesAllocated))
	assert.Equal(t, 2.0, counterValue(t, m.ClusterReads.WithLabelValues("normal")))
	assert.Equal(t, 1.0, counterValue(t, m.ClusterReads.WithLabelValues("unallocated")))
}

func TestMetricsCountErrors(t *testing.T) {
	m := newTestMetrics(t)
	_, f := newTestImage(t, 1<<20)
	img := reopen(t, f, WithMetrics(m), WithReadOnly(true))
	defer img.Close()

	_, err := img.WriteAt([]byte{1}, 0)
	require.Error(t, err)
	err = img.ReadV(2<<20, 1, [][]byte{{0}}, 0)
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, m.Errors.WithLabelValues("write", KindGeneric.String())))
	assert.Equal(t, 1.0, counterValue(t, m.Errors.WithLabelValues("read", KindGeneric.String())))
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.read(1)
		m.written(1)
		m.clusterRead(L2Normal)
		m.clusterAllocated()
		m.l2Allocated()
		m.copied("data")
		m.failed("read", ErrIO)
	})
}
