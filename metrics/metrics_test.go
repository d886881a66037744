package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	m, err := New(&Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	c, err := m.Counter("test_total", "test counter")
	require.NoError(t, err)
	c.Inc(ctx)
	c.Add(ctx, 5, L("k", "v"))

	g, err := m.Gauge("test_gauge", "test gauge")
	require.NoError(t, err)
	g.Set(ctx, 1)
	g.Inc(ctx)
	g.Dec(ctx)

	h, err := m.Histogram("test_seconds", "test histogram", WithUnit("s"))
	require.NoError(t, err)
	h.Record(ctx, 0.5)

	require.NoError(t, m.Shutdown(ctx))
}

func TestEnabledMeterCreatesInstruments(t *testing.T) {
	m, err := New(&Config{
		Enabled:     true,
		ServiceName: "idemgate-test",
		Version:     "v0.0.1",
	})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx := context.Background()

	c, err := m.Counter("idem_requests_total", "requests")
	require.NoError(t, err)
	c.Inc(ctx, L("outcome", "success"))

	g, err := m.Gauge("idem_inflight", "inflight requests")
	require.NoError(t, err)
	g.Inc(ctx)
	g.Dec(ctx)

	h, err := m.Histogram("idem_wait_seconds", "wait duration", WithUnit("s"))
	require.NoError(t, err)
	h.Record(ctx, 0.01, L("mode", "wait"))
}

func TestHTTPStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", HTTPStatusClass(200))
	assert.Equal(t, "4xx", HTTPStatusClass(422))
	assert.Equal(t, "5xx", HTTPStatusClass(503))
	assert.Equal(t, "unknown", HTTPStatusClass(0))
}

func TestHTTPOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, HTTPOutcome(201))
	assert.Equal(t, OutcomeSuccess, HTTPOutcome(304))
	assert.Equal(t, OutcomeError, HTTPOutcome(409))
	assert.Equal(t, OutcomeError, HTTPOutcome(500))
}

func TestLabelKey(t *testing.T) {
	assert.Equal(t, "", labelKey(nil))
	assert.Equal(t, "a=1|b=2", labelKey([]Label{L("a", "1"), L("b", "2")}))
}
