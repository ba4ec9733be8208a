package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"obdagent/internal/cache"
	"obdagent/internal/connection"
	"obdagent/internal/obd"
	"obdagent/internal/retry"
	"obdagent/internal/selfcheck"
	"obdagent/pkg/log"
)

// EnvPrefix prefixes every environment override, with dots turned into
// underscores: connect.max_attempts is read from OBD_CONNECT_MAX_ATTEMPTS.
const EnvPrefix = "OBD"

type AdapterConfig struct {
	Transport  string   `mapstructure:"transport"`
	Port       string   `mapstructure:"port"`
	PortHints  []string `mapstructure:"port_hints"`
	BaudRate   int      `mapstructure:"baud_rate"`
	DeviceName string   `mapstructure:"device_name"`
	TimeoutMs  int      `mapstructure:"timeout_ms"`
	Retries    int      `mapstructure:"retries"`
}

type VehicleConfig struct {
	Make  string `mapstructure:"make"`
	Model string `mapstructure:"model"`
	Year  int    `mapstructure:"year"`
	ID    string `mapstructure:"id"`
}

// RetryConfig mirrors retry.Options with millisecond delays.
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BaseDelayMs       int     `mapstructure:"base_delay_ms"`
	MaxDelayMs        int     `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	JitterFactor      float64 `mapstructure:"jitter_factor"`
}

func (r RetryConfig) Options() retry.Options {
	return retry.Options{
		MaxAttempts:       r.MaxAttempts,
		BaseDelay:         ms(r.BaseDelayMs),
		MaxDelay:          ms(r.MaxDelayMs),
		BackoffMultiplier: r.BackoffMultiplier,
		JitterFactor:      r.JitterFactor,
	}
}

type ManagerConfig struct {
	ReconnectDelayMs    int `mapstructure:"reconnect_delay_ms"`
	ReconnectMaxDelayMs int `mapstructure:"reconnect_max_delay_ms"`
	MonitorIntervalMs   int `mapstructure:"monitor_interval_ms"`
}

type CacheConfig struct {
	DtcSize  int `mapstructure:"dtc_size"`
	DtcTTLMs int `mapstructure:"dtc_ttl_ms"`
	PidSize  int `mapstructure:"pid_size"`
	PidTTLMs int `mapstructure:"pid_ttl_ms"`
}

type PollerConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Pids       []string `mapstructure:"pids"`
	IntervalMs int      `mapstructure:"interval_ms"`
	// Rate caps PID reads per second across a polling round.
	Rate float64 `mapstructure:"rate"`
}

type SelfCheckConfig struct {
	Attempts int `mapstructure:"attempts"`
	DelayMs  int `mapstructure:"delay_ms"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Debug     bool            `mapstructure:"debug"`
	Mock      bool            `mapstructure:"mock"`
	NoTUI     bool            `mapstructure:"no-tui"`
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Vehicle   VehicleConfig   `mapstructure:"vehicle"`
	Connect   RetryConfig     `mapstructure:"connect"`
	Init      RetryConfig     `mapstructure:"init"`
	Operation RetryConfig     `mapstructure:"operation"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Poller    PollerConfig    `mapstructure:"poller"`
	SelfCheck SelfCheckConfig `mapstructure:"selfcheck"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads configuration from defaults, the optional file at path, the
// environment and whatever flags were bound on v. A nil v gets a fresh
// instance. Without a path, obdagent.yaml is looked up in . and ./configs.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("obdagent")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Mock {
		cfg.Adapter.Transport = string(obd.TransportMock)
	}
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("mock", false)
	v.SetDefault("no-tui", false)

	v.SetDefault("adapter.transport", string(obd.TransportSerial))
	v.SetDefault("adapter.port", "auto")
	v.SetDefault("adapter.port_hints", []string{})
	v.SetDefault("adapter.baud_rate", 0)
	v.SetDefault("adapter.device_name", "OBD")
	v.SetDefault("adapter.timeout_ms", 0)
	v.SetDefault("adapter.retries", 0)

	v.SetDefault("vehicle.make", "")
	v.SetDefault("vehicle.model", "")
	v.SetDefault("vehicle.year", 0)
	v.SetDefault("vehicle.id", connection.DefaultVehicleID)

	setRetryDefaults(v, "connect", retry.DefaultConnect())
	setRetryDefaults(v, "init", retry.DefaultInit())
	setRetryDefaults(v, "operation", retry.DefaultOperation())

	reconnect := connection.DefaultReconnect()
	v.SetDefault("manager.reconnect_delay_ms", reconnect.BaseDelay.Milliseconds())
	v.SetDefault("manager.reconnect_max_delay_ms", reconnect.MaxDelay.Milliseconds())
	v.SetDefault("manager.monitor_interval_ms", connection.DefaultMonitorInterval.Milliseconds())

	v.SetDefault("cache.dtc_size", cache.DtcCacheSize)
	v.SetDefault("cache.dtc_ttl_ms", cache.DtcCacheTTL.Milliseconds())
	v.SetDefault("cache.pid_size", cache.PidCacheSize)
	v.SetDefault("cache.pid_ttl_ms", cache.PidCacheTTL.Milliseconds())

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.pids", []string{obd.PIDEngineRPM, obd.PIDCoolantTemp, obd.PIDVehicleSpeed, obd.PIDEngineLoad})
	v.SetDefault("poller.interval_ms", 2000)
	v.SetDefault("poller.rate", 4.0)

	v.SetDefault("selfcheck.attempts", selfcheck.DefaultAttempts)
	v.SetDefault("selfcheck.delay_ms", selfcheck.DefaultDelay.Milliseconds())

	v.SetDefault("server.addr", ":9108")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)
}

func setRetryDefaults(v *viper.Viper, section string, o retry.Options) {
	v.SetDefault(section+".max_attempts", o.MaxAttempts)
	v.SetDefault(section+".base_delay_ms", o.BaseDelay.Milliseconds())
	v.SetDefault(section+".max_delay_ms", o.MaxDelay.Milliseconds())
	v.SetDefault(section+".backoff_multiplier", o.BackoffMultiplier)
	v.SetDefault(section+".jitter_factor", o.JitterFactor)
}

// Validate rejects retry policies that break their constraints and values no
// component can run with.
func (c *Config) Validate() error {
	var errs []error
	for name, r := range map[string]RetryConfig{"connect": c.Connect, "init": c.Init, "operation": c.Operation} {
		if err := r.Options().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch obd.TransportKind(c.Adapter.Transport) {
	case obd.TransportSerial, obd.TransportBluetooth, obd.TransportMock, connection.TransportAuto:
	default:
		errs = append(errs, fmt.Errorf("adapter.transport: unknown transport %q", c.Adapter.Transport))
	}
	if c.Adapter.BaudRate < 0 {
		errs = append(errs, fmt.Errorf("adapter.baud_rate must be >= 0, got %d", c.Adapter.BaudRate))
	}
	if c.Adapter.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("adapter.timeout_ms must be >= 0, got %d", c.Adapter.TimeoutMs))
	}
	if c.Vehicle.Year != 0 && (c.Vehicle.Year < 1980 || c.Vehicle.Year > 2100) {
		errs = append(errs, fmt.Errorf("vehicle.year must be between 1980 and 2100, got %d", c.Vehicle.Year))
	}
	if c.Manager.ReconnectDelayMs < 0 || c.Manager.ReconnectMaxDelayMs < c.Manager.ReconnectDelayMs {
		errs = append(errs, fmt.Errorf("manager: reconnect delays %d..%d ms are invalid", c.Manager.ReconnectDelayMs, c.Manager.ReconnectMaxDelayMs))
	}
	if c.Manager.MonitorIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("manager.monitor_interval_ms must be > 0, got %d", c.Manager.MonitorIntervalMs))
	}
	if c.Cache.DtcSize < 1 || c.Cache.PidSize < 1 {
		errs = append(errs, errors.New("cache sizes must be >= 1"))
	}
	if c.Poller.Enabled && (c.Poller.IntervalMs <= 0 || c.Poller.Rate <= 0) {
		errs = append(errs, errors.New("poller.interval_ms and poller.rate must be > 0"))
	}
	for _, p := range c.Poller.Pids {
		if _, ok := obd.LookupPid(p); !ok {
			errs = append(errs, fmt.Errorf("poller.pids: unknown pid %q", p))
		}
	}
	if c.SelfCheck.Attempts < 1 || c.SelfCheck.DelayMs < 0 {
		errs = append(errs, errors.New("selfcheck.attempts must be >= 1 and selfcheck.delay_ms >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ConnectOptions are the manager defaults built from the adapter and
// vehicle sections.
func (c *Config) ConnectOptions() connection.ConnectOptions {
	return connection.ConnectOptions{
		Transport:  obd.TransportKind(c.Adapter.Transport),
		Port:       c.Adapter.Port,
		PortHints:  append([]string(nil), c.Adapter.PortHints...),
		BaudRate:   c.Adapter.BaudRate,
		TimeoutMs:  c.Adapter.TimeoutMs,
		Retries:    c.Adapter.Retries,
		DeviceName: c.Adapter.DeviceName,
		Vehicle:    obd.VehicleHint{Make: c.Vehicle.Make, Model: c.Vehicle.Model, Year: c.Vehicle.Year},
		VehicleID:  c.Vehicle.ID,
	}
}

// Reconnect is the background reconnect spacing, doubling up to the max.
func (c *Config) Reconnect() retry.Options {
	o := connection.DefaultReconnect()
	o.BaseDelay = ms(c.Manager.ReconnectDelayMs)
	o.MaxDelay = ms(c.Manager.ReconnectMaxDelayMs)
	return o
}

func (c *Config) MonitorInterval() time.Duration {
	return ms(c.Manager.MonitorIntervalMs)
}

func (c *Config) PollInterval() time.Duration {
	return ms(c.Poller.IntervalMs)
}

func (c *Config) SelfCheckOptions() selfcheck.Options {
	return selfcheck.Options{Attempts: c.SelfCheck.Attempts, Delay: ms(c.SelfCheck.DelayMs)}
}

func (c *Config) NewDtcCache() *cache.DtcCache {
	return cache.New[string, obd.DtcEntry](c.Cache.DtcSize, ms(c.Cache.DtcTTLMs))
}

func (c *Config) NewPidCache() *cache.PidCache {
	return cache.New[string, obd.PidValue](c.Cache.PidSize, ms(c.Cache.PidTTLMs))
}

// Logger is the pkg/log configuration; quiet drops stderr output.
func (c *Config) Logger(quiet bool) log.Config {
	return log.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Quiet:      quiet,
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
