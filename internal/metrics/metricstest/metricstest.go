// Package metricstest reads recorded series back out of a gatherer in tests.
package metricstest

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// Histogram returns the sample count and sum of the histogram series name{model=model}.
// A series that was never observed reports zero for both.
func Histogram(t *testing.T, g prometheus.Gatherer, name, model string) (uint64, float64) {
	t.Helper()
	m := find(t, g, name, model)
	if m == nil || m.GetHistogram() == nil {
		return 0, 0
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}

// Counter returns the value of the counter series name{model=model}, or 0.
func Counter(t *testing.T, g prometheus.Gatherer, name, model string) float64 {
	t.Helper()
	m := find(t, g, name, model)
	if m == nil || m.GetCounter() == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// SeriesCount returns how many label sets exist for the metric family name.
func SeriesCount(t *testing.T, g prometheus.Gatherer, name string) int {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}

func find(t *testing.T, g prometheus.Gatherer, name, model string) *dto.Metric {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "model" && lp.GetValue() == model {
					return m
				}
			}
		}
	}
	return nil
}
