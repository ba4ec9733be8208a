package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"obdagent/internal/cache"
	"obdagent/internal/elm327"
	"obdagent/internal/obd"
	"obdagent/internal/obd/mock"
	"obdagent/internal/profiles"
	"obdagent/internal/retry"
)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs the timers that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays of the active timers from now.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

func fast() *retry.Policy {
	return retry.New(retry.Options{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1})
}

// bench dials elm327 drivers over mock adapters built by adapter.
type bench struct {
	mu      sync.Mutex
	adapter func() *mock.Adapter
	last    *mock.Adapter
	dials   atomic.Int32
	gate    chan struct{}
}

func (b *bench) dial(ctx context.Context, opts ConnectOptions) (obd.Driver, obd.Config, error) {
	b.dials.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	a := b.adapter()
	b.last = a
	b.mu.Unlock()
	d := elm327.New(a,
		elm327.WithLogger(zap.NewNop()),
		elm327.WithPolicy(retry.New(retry.Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1})),
	)
	return d, obd.Config{Transport: obd.TransportMock, Port: "mock", TimeoutMs: 200}, nil
}

func (b *bench) setAdapter(fn func() *mock.Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapter = fn
}

func (b *bench) adapterInUse() *mock.Adapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type snapshots struct {
	mu  sync.Mutex
	all []Snapshot
}

func (s *snapshots) add(v Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, v)
}

func (s *snapshots) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, v := range s.all {
		out = append(out, v.State)
	}
	return out
}

func (s *snapshots) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func newManager(t *testing.T, b *bench, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := newClock()
	reconnect := retry.New(retry.Options{MaxAttempts: 1, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 1})
	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithDialer(b.dial),
		WithClock(clock),
		WithPolicies(fast(), fast(), reconnect),
	}, opts...)
	m := New(opts...)
	t.Cleanup(func() { m.Close() })
	return m, clock
}

func working() *mock.Adapter {
	return mock.New(mock.WithFaults("P0133"))
}

func broken() *mock.Adapter {
	return mock.New(mock.WithOpenError(errors.New("open /dev/ttyUSB0: ENOENT")))
}

func TestConnect(t *testing.T) {
	b := &bench{adapter: working}
	m, _ := newManager(t, b)
	rec := &snapshots{}
	m.AddSnapshotListener(rec.add)

	d, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, obd.StatusReady, d.Status())

	s := m.Snapshot()
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, mock.Banner, s.Identity)
	assert.Equal(t, obd.TransportMock, s.Transport)
	assert.Equal(t, 0, s.ReconnectAttempts)
	require.NotNil(t, s.LastConnectedAt)
	require.NotNil(t, s.Metrics)
	assert.Positive(t, s.Metrics.TotalCommands)

	again, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)
	assert.Same(t, d, again)
	assert.Equal(t, int32(1), b.dials.Load())

	m.snapshots.Wait()
	states := rec.states()
	assert.Equal(t, []State{StateDisconnected, StateConnecting, StateConnected}, states[:3])
}

func TestConnectIsSingleFlight(t *testing.T) {
	b := &bench{adapter: working, gate: make(chan struct{})}
	m, _ := newManager(t, b)

	var wg sync.WaitGroup
	drivers := make([]obd.Driver, 2)
	for i := range drivers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Connect(context.Background(), ConnectOptions{})
			assert.NoError(t, err)
			drivers[i] = d
		}()
	}
	require.Eventually(t, func() bool { return b.dials.Load() == 1 }, time.Second, time.Millisecond)
	// give the second caller time to join the flight
	time.Sleep(20 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	assert.Equal(t, int32(1), b.dials.Load())
	require.NotNil(t, drivers[0])
	assert.Same(t, drivers[0], drivers[1])
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	b := &bench{adapter: broken}
	m, clock := newManager(t, b)
	m.Start()

	_, err := m.Connect(t.Context(), ConnectOptions{})
	require.Error(t, err)
	assert.True(t, obd.IsKind(err, obd.KindConnection))

	s := m.Snapshot()
	assert.Equal(t, StateDisconnected, s.State)
	assert.Contains(t, s.LastError, "ENOENT")
	require.NotNil(t, s.LastFailureAt)
	assert.Equal(t, 1, s.ReconnectAttempts)
	assert.Contains(t, clock.Pending(), 5*time.Second)

	b.setAdapter(working)
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return m.Snapshot().State == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.Snapshot().ReconnectAttempts)
	assert.Equal(t, int32(2), b.dials.Load())
}

func TestReconnectAttemptsGrow(t *testing.T) {
	b := &bench{adapter: broken}
	m, clock := newManager(t, b)
	m.Start()
	clock.Advance(0)

	require.Eventually(t, func() bool { return m.Snapshot().ReconnectAttempts == 1 }, time.Second, time.Millisecond)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return m.Snapshot().ReconnectAttempts == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), b.dials.Load())
}

func TestForcedConnectDoesNotScheduleReconnect(t *testing.T) {
	b := &bench{adapter: broken}
	m, clock := newManager(t, b)
	m.Start()

	_, err := m.Connect(t.Context(), ConnectOptions{Force: true})
	require.Error(t, err)
	assert.Equal(t, 0, m.Snapshot().ReconnectAttempts)
	for _, d := range clock.Pending() {
		assert.Equal(t, DefaultMonitorInterval, d, "only the monitor is armed")
	}
}

func TestForcedConnectReplacesDriver(t *testing.T) {
	b := &bench{adapter: working}
	m, _ := newManager(t, b)

	first, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)
	second, err := m.Connect(t.Context(), ConnectOptions{Force: true})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, obd.StatusDisconnected, first.Status())
	assert.Equal(t, obd.StatusReady, second.Status())
}

func TestProtocolFallback(t *testing.T) {
	seq := profiles.Default().ProtocolSequence("", 0)
	require.GreaterOrEqual(t, len(seq), 2)

	b := &bench{adapter: func() *mock.Adapter {
		return mock.New(mock.WithResponse("0100", "UNABLE TO CONNECT", "UNABLE TO CONNECT", mock.SupportedPids))
	}}
	m, _ := newManager(t, b)

	d, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, seq[1].Command, d.(*elm327.Driver).Config().Protocol)

	writes := b.adapterInUse().Writes()
	assert.Contains(t, writes, seq[0].Command)
	assert.Contains(t, writes, seq[1].Command)
}

func TestDisconnect(t *testing.T) {
	b := &bench{adapter: working}
	m, clock := newManager(t, b)
	m.Start()
	_, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.Snapshot().State)
	assert.Equal(t, obd.StatusDisconnected, m.Status())
	assert.False(t, b.adapterInUse().IsOpen())

	err = m.WithDriver(t.Context(), func(context.Context, obd.Driver) error {
		t.Fatal("task ran without a driver")
		return nil
	})
	assert.ErrorIs(t, err, obd.ErrNotConnected)

	// the monitor does not reconnect after an explicit disconnect
	clock.Advance(DefaultMonitorInterval)
	clock.Advance(0)
	assert.Equal(t, int32(1), b.dials.Load())
}

func TestConnectionLost(t *testing.T) {
	b := &bench{adapter: working}
	m, clock := newManager(t, b)
	m.Start()
	_, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)

	b.adapterInUse().Drop()

	require.Eventually(t, func() bool { return m.Snapshot().State == StateDisconnected }, time.Second, time.Millisecond)
	s := m.Snapshot()
	assert.Equal(t, ErrConnectionLost, s.LastError)
	assert.Equal(t, 1, s.ReconnectAttempts)
	assert.Contains(t, clock.Pending(), 5*time.Second)

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return m.Snapshot().State == StateConnected }, time.Second, time.Millisecond)
}

func TestMonitorRepublishes(t *testing.T) {
	b := &bench{adapter: working}
	m, clock := newManager(t, b, WithMonitorInterval(time.Minute))
	_, err := m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)
	m.Start()

	rec := &snapshots{}
	m.AddSnapshotListener(rec.add)
	m.snapshots.Wait()
	before := rec.len()

	clock.Advance(time.Minute)
	m.snapshots.Wait()
	assert.Equal(t, before+1, rec.len())
	assert.Contains(t, clock.Pending(), time.Minute, "monitor re-armed")
}

func TestRequestSurface(t *testing.T) {
	pids := cache.NewPidCache()
	b := &bench{adapter: func() *mock.Adapter {
		a := working()
		a.SetRPM(1664)
		return a
	}}
	m, _ := newManager(t, b, WithPidCache(pids), WithDefaults(ConnectOptions{VehicleID: "car-1"}))

	_, err := m.ReadPid(t.Context(), "0C")
	assert.ErrorIs(t, err, obd.ErrNotConnected)
	assert.Equal(t, obd.StatusDisconnected, m.Status())
	assert.Zero(t, m.Metrics().TotalCommands)

	_, err = m.Connect(t.Context(), ConnectOptions{})
	require.NoError(t, err)

	v, err := m.ReadPid(t.Context(), "0c")
	require.NoError(t, err)
	assert.InDelta(t, 1664, v.Value, 0.001)
	cached, err := m.ReadPid(t.Context(), "0x0C")
	require.NoError(t, err)
	assert.Equal(t, v, cached)
	_, ok := pids.Get("car-1:0x0C")
	assert.True(t, ok)

	n := 0
	for _, w := range b.adapterInUse().Writes() {
		if w == "010C" {
			n++
		}
	}
	assert.Equal(t, 1, n, "second read served from cache")

	dtcs, err := m.ReadDtc(t.Context())
	require.NoError(t, err)
	require.Len(t, dtcs, 1)
	assert.Equal(t, "P0133", dtcs[0].Code)

	pending, err := m.ReadPendingDtc(t.Context())
	require.NoError(t, err)
	assert.Empty(t, pending)

	volts, err := m.ReadVoltage(t.Context())
	require.NoError(t, err)
	assert.InDelta(t, 12.6, volts, 0.01)

	ok, err = m.ClearDtc(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, pids.Len())

	assert.Equal(t, obd.StatusIdle, m.Status())
	assert.Positive(t, m.Metrics().TotalCommands)
	assert.Equal(t, "car-1", m.VehicleID())
}

func TestSnapshotString(t *testing.T) {
	assert.Equal(t, "connected", Snapshot{State: StateConnected}.String())
	assert.Equal(t, "disconnected (connection_lost)", Snapshot{State: StateDisconnected, LastError: ErrConnectionLost}.String())
}
