package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"obdagent/internal/cache"
	"obdagent/internal/config"
	"obdagent/internal/connection"
	"obdagent/internal/elm327"
	"obdagent/internal/health"
	"obdagent/internal/metrics"
	"obdagent/internal/obd/discovery"
	"obdagent/internal/obd/mock"
	"obdagent/internal/opsserver"
	"obdagent/internal/poller"
	"obdagent/internal/retry"
	"obdagent/pkg/log"
)

// App wires the caches, metrics and connection manager built from one
// configuration. Every command builds exactly one.
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.OBD
	Dtcs     *cache.DtcCache
	Pids     *cache.PidCache
	Manager  *connection.Manager
	Poller   *poller.Poller
	Health   *health.Aggregator
}

func New(cfg *config.Config) *App {
	reg := metrics.NewRegistry()
	obdMetrics := metrics.New(reg)
	dtcs := cfg.NewDtcCache()
	pids := cfg.NewPidCache()

	dialer := &connection.Dialer{
		Prober: discovery.NewProber(discovery.WithLogger(log.Named("discovery"))),
		DriverOptions: []elm327.Option{
			elm327.WithLogger(log.Named("elm327")),
			elm327.WithPolicy(retry.New(cfg.Operation.Options())),
			elm327.WithDescriptions(dtcs),
			elm327.WithObserver(obdMetrics),
		},
		MockOptions: []mock.Option{mock.WithWalk(time.Second)},
		Logger:      log.Named("dialer"),
	}

	manager := connection.New(
		connection.WithLogger(log.Named("connection")),
		connection.WithDialer(dialer.Dial),
		connection.WithPolicies(
			retry.New(cfg.Connect.Options()),
			retry.New(cfg.Init.Options()),
			retry.New(cfg.Reconnect()),
		),
		connection.WithMonitorInterval(cfg.MonitorInterval()),
		connection.WithPidCache(pids),
		connection.WithMetrics(obdMetrics),
		connection.WithDefaults(cfg.ConnectOptions()),
	)

	var pidList []string
	if cfg.Poller.Enabled {
		pidList = cfg.Poller.Pids
	}
	p := poller.New(manager, pidList, cfg.PollInterval(),
		poller.WithCache(pids),
		poller.WithRate(cfg.Poller.Rate),
		poller.WithLogger(log.Named("poller")),
	)

	agg := health.NewAggregator(
		health.NewAdapterChecker(manager),
		health.NewCacheChecker("dtc", dtcs),
		health.NewCacheChecker("pid", pids),
	)

	return &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  obdMetrics,
		Dtcs:     dtcs,
		Pids:     pids,
		Manager:  manager,
		Poller:   p,
		Health:   agg,
	}
}

// Connect opens the adapter once with the configured defaults.
func (a *App) Connect(ctx context.Context) error {
	_, err := a.Manager.Connect(ctx, connection.ConnectOptions{})
	return err
}

// Serve runs the manager background tasks, the poller and the ops server
// until ctx ends or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	a.Manager.Start()
	defer a.Manager.Close()

	server := opsserver.New(a.Config.Server, metrics.Handler(a.Registry), a.Health, a.Manager, log.Named("opsserver"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Poller.Run(ctx)
	})
	g.Go(func() error {
		return server.Serve(ctx)
	})
	err := g.Wait()
	log.Info("Agent stopped", zap.Error(err))
	return err
}

func (a *App) Close() error {
	return a.Manager.Close()
}

// FromFlags loads the configuration bound on the global viper, configures
// logging and builds the App. quiet keeps logs off the terminal.
func FromFlags(quiet bool) (*App, error) {
	cfg, err := config.Load(viper.GetViper(), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	log.Configure(cfg.Logger(quiet))
	return New(cfg), nil
}
