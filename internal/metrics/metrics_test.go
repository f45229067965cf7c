package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersRegistered(t *testing.T) {
	t.Parallel()

	m := New()
	m.InstancesReceived.Inc()
	m.InstancesReceived.Inc()
	m.InstancesQuarantined.WithLabelValues("Invalid_DICOM").Inc()
	m.IngestRejections.WithLabelValues("low_memory").Inc()
	m.QueueDepth.Set(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InstancesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstancesQuarantined.WithLabelValues("Invalid_DICOM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestRejections.WithLabelValues("low_memory")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
}

func TestMetrics_IndexTotalsGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.RegisterIndexTotals(func() (int, int, int, int) {
		return 3, 5, 8, 13
	})

	families, err := m.registry.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		switch mf.GetName() {
		case "dicomveil_phi_patients", "dicomveil_phi_studies",
			"dicomveil_phi_series", "dicomveil_phi_instances":
			got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"dicomveil_phi_patients":  3,
		"dicomveil_phi_studies":   5,
		"dicomveil_phi_series":    8,
		"dicomveil_phi_instances": 13,
	}, got)
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	a.InstancesStored.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.InstancesStored))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.InstancesStored))
}
