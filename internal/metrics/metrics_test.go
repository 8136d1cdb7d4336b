package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	c := JobsProcessed.WithLabelValues("match_entities", "succeeded")
	before := counterValue(t, c)
	c.Inc()
	assert.Equal(t, before+1, counterValue(t, c))

	hits := CacheLookups.WithLabelValues("memory", "hit")
	before = counterValue(t, hits)
	hits.Add(2)
	assert.Equal(t, before+2, counterValue(t, hits))
}

func TestCollectorsRegistered(t *testing.T) {
	MatchCycles.WithLabelValues("mapped").Inc()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["prospector_match_cycles_total"])
}
