package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/btprelay/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := metrics.New()
	m.Packets.WithLabelValues("EVENT").Inc()
	m.Packets.WithLabelValues("EVENT").Inc()
	m.Rejections.WithLabelValues("F03").Inc()
	m.Duplicates.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Packets.WithLabelValues("EVENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("F03")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))

	m.SetPeers([]string{"connected", "failed"}, map[string]int{"connected": 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Peers.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Peers.WithLabelValues("failed")))
}

func TestIndependentRegistries(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.Forwards.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Forwards))
}

func TestHandler(t *testing.T) {
	m := metrics.New()
	m.Settlements.WithLabelValues("ledger", "ok").Inc()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b),
		`btprelay_settlements_total{result="ok",scheme="ledger"} 1`))
}
