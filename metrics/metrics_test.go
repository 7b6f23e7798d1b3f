package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.HoldsTotal.WithLabelValues("ok").Inc()
	m.HoldsTotal.WithLabelValues("ok").Inc()
	m.BroadcastDrops.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HoldsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastDrops))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewWithRegistry_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWithRegistry(reg)
	assert.Panics(t, func() { NewWithRegistry(reg) })
}

func TestNop_Independent(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop()
		Nop()
	})
}
