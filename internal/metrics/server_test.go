package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesRelayMetrics(t *testing.T) {
	RequestsTotal.WithLabelValues(ResultForwarded).Inc()
	RelayStatus.WithLabelValues("udp").Set(RelayStatusRunning)

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `vpn_relay_requests_total{result="forwarded"}`))
	assert.True(t, strings.Contains(string(body), `vpn_relay_status{protocol="udp"} 1`))
}

func TestServerStartFailsOnBusyAddress(t *testing.T) {
	first := NewServer("127.0.0.1:0", "/metrics")
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop(context.Background())

	second := NewServer(first.Addr().String(), "/metrics")
	assert.Error(t, second.Start(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "").Stop(context.Background()))
	assert.Nil(t, NewServer(":0", "").Addr())
}

func TestCounterHelpers(t *testing.T) {
	before := testutil.ToFloat64(FramesTotal.WithLabelValues("udp", FrameCorrupted))
	FramesTotal.WithLabelValues("udp", FrameCorrupted).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FramesTotal.WithLabelValues("udp", FrameCorrupted)))
}
