package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"obdagent/internal/cache"
	"obdagent/internal/eventbus"
	"obdagent/internal/metrics"
	"obdagent/internal/obd"
	"obdagent/internal/profiles"
	"obdagent/internal/retry"
	"obdagent/pkg/log"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrConnectionLost is recorded in the snapshot when the transport drops.
const ErrConnectionLost = "connection_lost"

const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultVehicleID       = "default"
)

// DefaultReconnect spaces background reconnects; only its delays are used.
func DefaultReconnect() retry.Options {
	return retry.Options{MaxAttempts: 1, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, BackoffMultiplier: 2, JitterFactor: 0.2}
}

// Snapshot is the manager state pushed to listeners.
type Snapshot struct {
	State             State             `json:"state"`
	Transport         obd.TransportKind `json:"transport,omitempty"`
	Port              string            `json:"port,omitempty"`
	Identity          string            `json:"identity,omitempty"`
	Protocol          string            `json:"protocol,omitempty"`
	AdapterStatus     string            `json:"adapterStatus"`
	LastConnectedAt   *time.Time        `json:"lastConnectedAt,omitempty"`
	LastError         string            `json:"lastError,omitempty"`
	LastFailureAt     *time.Time        `json:"lastFailureAt,omitempty"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	Metrics           *obd.Metrics      `json:"metrics,omitempty"`
}

// Manager owns the single live driver of the process. Connects are
// single-flight; failures schedule a background reconnect with backoff and a
// monitor republishes the snapshot on an interval.
type Manager struct {
	dial      DialFunc
	catalog   *profiles.Catalog
	connect   *retry.Policy
	init      *retry.Policy
	reconnect *retry.Policy
	interval  time.Duration
	clock     Clock
	pids      *cache.PidCache
	metrics   *metrics.OBD
	logger    *zap.Logger

	group     singleflight.Group
	snapshots *eventbus.Bus[Snapshot]

	mu         sync.Mutex
	driver     obd.Driver
	unsub      func()
	snap       Snapshot
	defaults   ConnectOptions
	vehicleID  string
	reconnectT Timer
	monitorT   Timer
	started    bool
	suspended  bool
	inflight   chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithDialer(fn DialFunc) Option {
	return func(m *Manager) {
		m.dial = fn
	}
}

func WithCatalog(c *profiles.Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithPolicies sets the connect, init and reconnect policies.
func WithPolicies(connect, init, reconnect *retry.Policy) Option {
	return func(m *Manager) {
		if connect != nil {
			m.connect = connect
		}
		if init != nil {
			m.init = init
		}
		if reconnect != nil {
			m.reconnect = reconnect
		}
	}
}

func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.interval = d
	}
}

func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPidCache short-circuits ReadPid through c.
func WithPidCache(c *cache.PidCache) Option {
	return func(m *Manager) {
		m.pids = c
	}
}

func WithMetrics(o *metrics.OBD) Option {
	return func(m *Manager) {
		m.metrics = o
	}
}

// WithDefaults sets the options used by background reconnects and merged
// under every Connect call.
func WithDefaults(o ConnectOptions) Option {
	return func(m *Manager) {
		m.defaults = o
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		catalog:   profiles.Default(),
		connect:   retry.New(retry.DefaultConnect()),
		init:      retry.New(retry.DefaultInit()),
		reconnect: retry.New(DefaultReconnect()),
		interval:  DefaultMonitorInterval,
		clock:     realClock{},
		logger:    log.Named("connection"),
		snap:      Snapshot{State: StateDisconnected, AdapterStatus: obd.StatusDisconnected.String()},
	}
	for _, o := range opts {
		o(m)
	}
	if m.dial == nil {
		d := &Dialer{Logger: m.logger}
		m.dial = d.Dial
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.vehicleID = m.defaults.VehicleID
	if m.vehicleID == "" {
		m.vehicleID = DefaultVehicleID
	}
	m.snapshots = eventbus.New[Snapshot](m.logger)
	return m
}

// Start enables the reconnect scheduler and the monitor, and attempts a
// connect right away when no driver is live.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.armMonitorLocked()
	if m.driver == nil {
		m.scheduleReconnectLocked(0)
	}
}

// Close stops the background tasks and disconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.started = false
	if m.monitorT != nil {
		m.monitorT.Stop()
		m.monitorT = nil
	}
	m.mu.Unlock()
	m.cancel()
	err := m.Disconnect()
	m.snapshots.Wait()
	return err
}

// Snapshot returns the current state with fresh driver metrics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := m.snap
	if m.driver != nil {
		mt := m.driver.Metrics()
		s.Metrics = &mt
		s.AdapterStatus = m.driver.Status().String()
	}
	return s
}

// publishLocked broadcasts the snapshot. Called with m.mu held so that
// listeners see changes in order.
func (m *Manager) publishLocked() {
	s := m.snapshotLocked()
	m.metrics.SetConnection(string(s.State), s.ReconnectAttempts)
	if s.Metrics != nil {
		m.metrics.ObserveDriver(*s.Metrics)
	}
	m.snapshots.Publish(s)
}

// AddSnapshotListener calls fn with the current snapshot, then on every change.
func (m *Manager) AddSnapshotListener(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	unsub := m.snapshots.Subscribe(fn)
	m.snapshots.Publish(m.snapshotLocked())
	return unsub
}

// Connect returns the live driver, connecting first if needed. Concurrent
// callers share one connect. With opts.Force a live driver is replaced.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) (obd.Driver, error) {
	m.mu.Lock()
	m.suspended = false
	m.mu.Unlock()
	return m.connectShared(ctx, opts)
}

func (m *Manager) connectShared(ctx context.Context, opts ConnectOptions) (obd.Driver, error) {
	m.mu.Lock()
	if !opts.Force && m.driver != nil && m.snap.State == StateConnected {
		d := m.driver
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (any, error) {
		return m.doConnect(opts)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(obd.Driver), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) doConnect(opts ConnectOptions) (obd.Driver, error) {
	done := make(chan struct{})
	defer close(done)

	m.mu.Lock()
	defaults := m.defaults
	m.inflight = done
	old := m.detachLocked()
	m.snap.State = StateConnecting
	m.snap.LastError = ""
	m.clearReconnectLocked()
	m.publishLocked()
	m.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(); err != nil {
			m.logger.Warn("Closing previous driver", zap.Error(err))
		}
	}

	opts = opts.merge(defaults)
	policy := m.connect
	if opts.Force {
		o := policy.Options()
		o.MaxAttempts = 1
		policy = retry.New(o)
	}

	var driver obd.Driver
	err := policy.Do(m.ctx, func(ctx context.Context, attempt int) error {
		d, err := m.attempt(ctx, opts)
		if err != nil {
			return err
		}
		driver = d
		return nil
	}, retry.Hooks{
		OnAttemptFailed: func(attempt int, err error) {
			m.logger.Warn("Connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		},
	})
	m.metrics.ObserveConnect(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight = nil
	now := m.clock.Now()

	if err != nil {
		m.snap.State = StateDisconnected
		m.snap.LastError = err.Error()
		m.snap.LastFailureAt = &now
		if !opts.Force {
			m.scheduleReconnectLocked(-1)
		}
		m.publishLocked()
		return nil, err
	}

	if m.suspended {
		// Disconnect ran while the connect was in flight
		go driver.Disconnect()
		m.snap.State = StateDisconnected
		m.publishLocked()
		return nil, obd.ErrNotConnected
	}

	if opts.VehicleID != "" {
		m.vehicleID = opts.VehicleID
	}
	m.attachLocked(driver)
	m.snap = Snapshot{
		State:           StateConnected,
		Transport:       opts.Transport,
		Port:            opts.Port,
		Identity:        driver.Identity(),
		Protocol:        driver.Protocol(),
		LastConnectedAt: &now,
		LastFailureAt:   m.snap.LastFailureAt,
	}
	if c, ok := driver.(interface{ Config() obd.Config }); ok {
		cfg := c.Config()
		m.snap.Transport = cfg.Transport
		m.snap.Port = cfg.Port
	}
	m.logger.Info("Adapter connected",
		zap.String("port", m.snap.Port),
		zap.String("identity", m.snap.Identity),
		zap.String("protocol", m.snap.Protocol))
	m.publishLocked()
	return driver, nil
}

// attempt dials a driver and walks the vehicle's protocol sequence until one
// initializes. Connection errors end the walk: another protocol will not
// open a missing port.
func (m *Manager) attempt(ctx context.Context, opts ConnectOptions) (obd.Driver, error) {
	driver, base, err := m.dial(ctx, opts)
	if err != nil {
		return nil, obd.NewConnectionError("dial", err)
	}

	hint := opts.Vehicle
	seq := m.catalog.ProtocolSequence(hint.Make, hint.Year)
	recommended := int(m.catalog.RecommendedTimeout(hint.Make, hint.Year) / time.Millisecond)

	var last error
	for _, pc := range seq {
		cfg := pc.Apply(base)
		if base.TimeoutMs <= 0 {
			cfg.TimeoutMs = max(cfg.TimeoutMs, recommended)
		}
		err := m.init.Do(ctx, func(ctx context.Context, attempt int) error {
			err := driver.Init(ctx, cfg)
			if err != nil {
				driver.Disconnect()
			}
			return err
		}, retry.Hooks{
			RetryIf: func(err error) bool {
				return !obd.IsKind(err, obd.KindProtocol) && !obd.IsKind(err, obd.KindConnection)
			},
		})
		if err == nil {
			return driver, nil
		}
		last = err
		m.logger.Info("Protocol failed", zap.String("protocol", string(pc.Protocol)), zap.Error(err))
		if !obd.IsKind(err, obd.KindProtocol) {
			break
		}
	}
	if last == nil {
		last = errors.New("empty protocol sequence")
	}
	return nil, last
}

func (m *Manager) attachLocked(d obd.Driver) {
	m.driver = d
	m.unsub = d.Subscribe(func(e obd.Event) {
		m.metrics.ObserveEvent(e)
		switch {
		case e.Type == obd.EventDisconnected && e.Status == obd.StatusError:
			m.lost(d)
		case e.Type == obd.EventError || e.Type == obd.EventStatusChange:
			m.mu.Lock()
			if m.driver == d {
				m.publishLocked()
			}
			m.mu.Unlock()
		}
	})
}

func (m *Manager) detachLocked() obd.Driver {
	d := m.driver
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.driver = nil
	return d
}

// lost handles a transport that dropped under a live driver.
func (m *Manager) lost(d obd.Driver) {
	m.mu.Lock()
	if m.driver != d {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	now := m.clock.Now()
	m.snap.State = StateDisconnected
	m.snap.AdapterStatus = obd.StatusError.String()
	m.snap.LastError = ErrConnectionLost
	m.snap.LastFailureAt = &now
	m.scheduleReconnectLocked(-1)
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Warn("Adapter connection lost")
	if err := d.Disconnect(); err != nil {
		m.logger.Debug("Disconnect after loss", zap.Error(err))
	}
}

// scheduleReconnectLocked arms the reconnect timer. A negative delay means
// the next backoff delay, which also counts as a reconnect attempt.
func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	if !m.started || m.suspended || m.reconnectT != nil {
		return
	}
	if delay < 0 {
		m.snap.ReconnectAttempts++
		delay = m.reconnect.Delay(m.snap.ReconnectAttempts)
	}
	m.logger.Debug("Reconnect scheduled", zap.Duration("in", delay), zap.Int("attempt", m.snap.ReconnectAttempts))

	var t Timer
	t = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnectT != t {
			m.mu.Unlock()
			return
		}
		m.reconnectT = nil
		idle := m.driver == nil && m.inflight == nil
		m.mu.Unlock()
		if !idle {
			return
		}
		if _, err := m.connectShared(m.ctx, ConnectOptions{}); err != nil {
			m.logger.Info("Background reconnect failed", zap.Error(err))
		}
	})
	m.reconnectT = t
}

func (m *Manager) clearReconnectLocked() {
	if m.reconnectT != nil {
		m.reconnectT.Stop()
		m.reconnectT = nil
	}
}

func (m *Manager) armMonitorLocked() {
	var t Timer
	t = m.clock.AfterFunc(m.interval, func() {
		m.mu.Lock()
		if !m.started || m.monitorT != t {
			m.mu.Unlock()
			return
		}
		m.monitorLocked()
		m.armMonitorLocked()
		m.mu.Unlock()
	})
	m.monitorT = t
}

// monitorLocked polls the live driver, or arms a reconnect when there is none.
func (m *Manager) monitorLocked() {
	if m.driver == nil {
		if m.inflight == nil {
			m.scheduleReconnectLocked(0)
		}
		return
	}
	if m.driver.Status() == obd.StatusError {
		d := m.driver
		go m.lost(d)
		return
	}
	m.publishLocked()
}

// Disconnect cancels pending reconnects, waits for an in-flight connect and
// tears the driver down. Background reconnects stay off until the next Connect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.suspended = true
	m.clearReconnectLocked()
	inflight := m.inflight
	m.mu.Unlock()

	if inflight != nil {
		<-inflight
	}

	m.mu.Lock()
	d := m.detachLocked()
	m.snap.State = StateDisconnected
	m.snap.AdapterStatus = obd.StatusDisconnected.String()
	m.publishLocked()
	m.mu.Unlock()

	if d == nil {
		return nil
	}
	if err := d.Disconnect(); err != nil {
		m.logger.Warn("Failed to close adapter", zap.Error(err))
		return err
	}
	m.logger.Info("Adapter disconnected")
	return nil
}

// WithDriver runs fn against the live driver, or fails with
// obd.ErrNotConnected. Callers must not keep the driver after fn returns.
func (m *Manager) WithDriver(ctx context.Context, fn func(context.Context, obd.Driver) error) error {
	m.mu.Lock()
	d := m.driver
	connected := m.snap.State == StateConnected
	m.mu.Unlock()
	if d == nil || !connected {
		return obd.ErrNotConnected
	}
	if err := fn(ctx, d); err != nil {
		m.logger.Debug("Driver task failed", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) ReadDtc(ctx context.Context) ([]obd.DtcEntry, error) {
	var out []obd.DtcEntry
	err := m.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
		var err error
		out, err = d.ReadDtc(ctx)
		return err
	})
	return out, err
}

// ReadPendingDtc reads Mode 07 codes when the driver supports it.
func (m *Manager) ReadPendingDtc(ctx context.Context) ([]obd.DtcEntry, error) {
	var out []obd.DtcEntry
	err := m.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
		p, ok := d.(interface {
			ReadPendingDtc(context.Context) ([]obd.DtcEntry, error)
		})
		if !ok {
			return obd.NewUnsupportedError("read pending dtc", obd.CommandPendingDtc)
		}
		var err error
		out, err = p.ReadPendingDtc(ctx)
		return err
	})
	return out, err
}

// ClearDtc clears the codes and drops the cached readings of the vehicle.
func (m *Manager) ClearDtc(ctx context.Context) (bool, error) {
	var ok bool
	err := m.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
		var err error
		ok, err = d.ClearDtc(ctx)
		return err
	})
	if err == nil && ok && m.pids != nil {
		m.pids.Clear()
	}
	return ok, err
}

// ReadPid returns a cached reading younger than the cache TTL, or reads one.
func (m *Manager) ReadPid(ctx context.Context, pid string) (obd.PidValue, error) {
	norm, err := obd.NormalizeHex(pid)
	if err != nil {
		return obd.PidValue{}, obd.NewUnsupportedError("read pid", pid)
	}
	m.mu.Lock()
	key := cache.PidKey(m.vehicleID, norm)
	m.mu.Unlock()

	if m.pids != nil {
		if v, ok := m.pids.Get(key); ok {
			return v, nil
		}
	}

	var v obd.PidValue
	err = m.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
		var err error
		v, err = d.ReadPid(ctx, norm)
		return err
	})
	if err != nil {
		return obd.PidValue{}, err
	}
	if m.pids != nil {
		m.pids.Set(key, v)
	}
	return v, nil
}

// ReadVoltage reads the adapter supply voltage when the driver supports it.
func (m *Manager) ReadVoltage(ctx context.Context) (float64, error) {
	var v float64
	err := m.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
		r, ok := d.(interface {
			ReadVoltage(context.Context) (float64, error)
		})
		if !ok {
			return obd.NewUnsupportedError("read voltage", obd.CommandReadVoltage)
		}
		var err error
		v, err = r.ReadVoltage(ctx)
		return err
	})
	return v, err
}

// Status is the adapter status, Disconnected without a driver.
func (m *Manager) Status() obd.AdapterStatus {
	m.mu.Lock()
	d := m.driver
	m.mu.Unlock()
	if d == nil {
		return obd.StatusDisconnected
	}
	return d.Status()
}

func (m *Manager) Metrics() obd.Metrics {
	m.mu.Lock()
	d := m.driver
	m.mu.Unlock()
	if d == nil {
		return obd.Metrics{}
	}
	return d.Metrics()
}

// VehicleID is the key prefix of cached readings.
func (m *Manager) VehicleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vehicleID
}

func (s Snapshot) String() string {
	if s.LastError != "" {
		return fmt.Sprintf("%s (%s)", s.State, s.LastError)
	}
	return string(s.State)
}
