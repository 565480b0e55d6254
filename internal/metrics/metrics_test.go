package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestHelpersRecord(t *testing.T) {
	require.NoError(t, Register(prometheus.NewRegistry()))

	before := testutil.ToFloat64(probeResults.WithLabelValues("verified"))
	IncProbe("verified")
	assert.Equal(t, before+1, testutil.ToFloat64(probeResults.WithLabelValues("verified")))

	beforeKill := testutil.ToFloat64(kills.WithLabelValues("loopback_only"))
	IncKill("loopback_only")
	assert.Equal(t, beforeKill+1, testutil.ToFloat64(kills.WithLabelValues("loopback_only")))

	SessionOpened()
	SessionOpened()
	SessionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(relaySessions))
	SessionClosed()

	before5xx := testutil.ToFloat64(httpRelayed.WithLabelValues("5xx"))
	IncHTTP(502)
	assert.Equal(t, before5xx+1, testutil.ToFloat64(httpRelayed.WithLabelValues("5xx")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(401))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "other", statusClass(101))
}

func TestResourceSamplerSelf(t *testing.T) {
	s := NewResourceSampler(10*time.Millisecond, nil)
	s.sample(context.Background(), int32(os.Getpid()))
	u, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.Greater(t, u.MemoryRSS, uint64(0))

	s.sample(context.Background(), 0)
	_, ok = s.Last()
	assert.False(t, ok)
}
