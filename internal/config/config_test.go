package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obdagent/internal/connection"
	"obdagent/internal/obd"
	"obdagent/internal/retry"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, "serial", cfg.Adapter.Transport)
	assert.Equal(t, "auto", cfg.Adapter.Port)
	assert.Equal(t, connection.DefaultVehicleID, cfg.Vehicle.ID)
	assert.Equal(t, retry.DefaultConnect(), cfg.Connect.Options())
	assert.Equal(t, retry.DefaultInit(), cfg.Init.Options())
	assert.Equal(t, retry.DefaultOperation(), cfg.Operation.Options())
	assert.Equal(t, 5*time.Second, cfg.Reconnect().BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 5000, cfg.Cache.DtcSize)
	assert.Equal(t, 60_000, cfg.Cache.PidTTLMs)
	assert.Equal(t, 3, cfg.SelfCheckOptions().Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.SelfCheckOptions().Delay)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Poller.Pids)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OBD_CONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("OBD_CONNECT_BASE_DELAY_MS", "250")
	t.Setenv("OBD_CONNECT_MAX_DELAY_MS", "4000")
	t.Setenv("OBD_INIT_MAX_ATTEMPTS", "1")
	t.Setenv("OBD_INIT_BASE_DELAY_MS", "0")
	t.Setenv("OBD_OPERATION_MAX_ATTEMPTS", "2")
	t.Setenv("OBD_ADAPTER_PORT", "/dev/ttyUSB1")
	t.Setenv("OBD_MOCK", "true")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	connect := cfg.Connect.Options()
	assert.Equal(t, 7, connect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, connect.BaseDelay)
	assert.Equal(t, 4*time.Second, connect.MaxDelay)
	assert.Equal(t, 1, cfg.Init.MaxAttempts)
	assert.Zero(t, cfg.Init.BaseDelayMs)
	assert.Equal(t, 2, cfg.Operation.MaxAttempts)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Adapter.Port)
	assert.Equal(t, string(obd.TransportMock), cfg.Adapter.Transport)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiosk.yaml")
	content := `
debug: true
adapter:
  transport: bluetooth
  device_name: OBDII
  timeout_ms: 4000
vehicle:
  make: Toyota
  year: 2015
  id: kiosk-3
poller:
  pids: ["0C", "0D"]
  interval_ms: 1000
server:
  addr: 127.0.0.1:9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"0C", "0D"}, cfg.Poller.Pids)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)

	opts := cfg.ConnectOptions()
	assert.Equal(t, obd.TransportBluetooth, opts.Transport)
	assert.Equal(t, "OBDII", opts.DeviceName)
	assert.Equal(t, 4000, opts.TimeoutMs)
	assert.Equal(t, obd.VehicleHint{Make: "Toyota", Year: 2015}, opts.Vehicle)
	assert.Equal(t, "kiosk-3", opts.VehicleID)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Chdir(t.TempDir())
		cfg, err := Load(nil, "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero attempts", func(c *Config) { c.Connect.MaxAttempts = 0 }, "connect: max attempts"},
		{"max below base", func(c *Config) { c.Init.MaxDelayMs = 1; c.Init.BaseDelayMs = 10 }, "init: max delay"},
		{"multiplier below one", func(c *Config) { c.Operation.BackoffMultiplier = 0.5 }, "operation: backoff multiplier"},
		{"jitter above one", func(c *Config) { c.Connect.JitterFactor = 1.5 }, "connect: jitter factor"},
		{"transport", func(c *Config) { c.Adapter.Transport = "usb" }, "unknown transport"},
		{"year", func(c *Config) { c.Vehicle.Year = 1950 }, "vehicle.year"},
		{"poller pid", func(c *Config) { c.Poller.Pids = []string{"FE"} }, "unknown pid"},
		{"selfcheck attempts", func(c *Config) { c.SelfCheck.Attempts = 0 }, "selfcheck.attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, valid(t).Validate())
}
