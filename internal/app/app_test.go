package app

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obdagent/internal/config"
	"obdagent/internal/connection"
	"obdagent/internal/health"
	"obdagent/internal/obd"
	"obdagent/internal/obd/mock"
)

func mockApp(t *testing.T) *App {
	t.Helper()
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("mock", true)
	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	a := New(cfg)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestConnectWithMock(t *testing.T) {
	a := mockApp(t)
	assert.Equal(t, health.StatusUnhealthy, a.Health.OverallStatus(t.Context()))

	require.NoError(t, a.Connect(t.Context()))

	s := a.Manager.Snapshot()
	assert.Equal(t, connection.StateConnected, s.State)
	assert.Equal(t, obd.TransportMock, s.Transport)
	assert.Equal(t, mock.Banner, s.Identity)
	assert.Equal(t, health.StatusHealthy, a.Health.OverallStatus(t.Context()))

	values := a.Poller.Poll(t.Context())
	assert.NotEmpty(t, values)
	assert.Positive(t, a.Pids.Len())
}
