package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.HostCall("lookup", nil)
	m.Degraded("read")
	m.OpenStreams.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["hostfs_bridge_host_calls_total"])
	assert.True(t, names["hostfs_bridge_transfers_degraded_total"])
	assert.True(t, names["hostfs_bridge_open_streams"])
}

func TestHostCallResultLabel(t *testing.T) {
	m := New(nil)

	m.HostCall("open", nil)
	m.HostCall("open", errors.New("denied"))
	m.HostCall("open", errors.New("denied"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostCalls.WithLabelValues("open", ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HostCalls.WithLabelValues("open", ResultError)))
}

func TestTransferredIgnoresEmptyTransfers(t *testing.T) {
	m := New(nil)

	m.Transferred("write", 0)
	m.Transferred("write", 12)

	assert.Equal(t, 12.0, testutil.ToFloat64(m.BytesTransferred.WithLabelValues("write")))
}
