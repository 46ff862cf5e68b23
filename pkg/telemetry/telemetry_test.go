package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(CacheRequests.WithLabelValues("profile", "hit"))
	CacheRequests.WithLabelValues("profile", "hit").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CacheRequests.WithLabelValues("profile", "hit")))

	OutboxPending.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(OutboxPending))

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "chillspace_outbox_pending")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
