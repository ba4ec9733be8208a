package elm327

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"obdagent/internal/cache"
	"obdagent/internal/eventbus"
	"obdagent/internal/obd"
	"obdagent/internal/retry"
	"obdagent/pkg/log"
)

// Observer is told about every terminal command outcome.
type Observer interface {
	ObserveCommand(command string, d time.Duration, err error)
}

// Driver runs ELM327 commands one at a time over a Transport.
//
// Commands are queued FIFO and executed by a single worker goroutine. Each
// command has its own timeout; timeouts and the retryable adapter error
// strings are retried with the operation policy before the last error is
// returned. A caller whose context ends stops waiting, but a command that has
// been written still runs to completion before the next one starts.
type Driver struct {
	transport    obd.Transport
	logger       *zap.Logger
	bus          *eventbus.Bus[obd.Event]
	descriptions *cache.DtcCache
	observer     Observer
	timeouts     obd.CommandTimeouts
	now          func() time.Time

	// stateMu orders status transitions and their events.
	stateMu sync.Mutex
	status  obd.AdapterStatus
	scans   int
	// opening is the session whose transport is still being opened.
	opening *session

	mu        sync.Mutex
	sess      *session
	cfg       obd.Config
	policy    *retry.Policy
	metrics   obd.Metrics
	supported map[byte]bool
	identity  string
	protocol  string
}

var _ obd.Driver = (*Driver)(nil)

type Option func(*Driver)

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// WithPolicy sets the retry policy for single commands.
func WithPolicy(p *retry.Policy) Option {
	return func(d *Driver) {
		d.policy = p
	}
}

// WithDescriptions attaches DTC descriptions through c.
func WithDescriptions(c *cache.DtcCache) Option {
	return func(d *Driver) {
		d.descriptions = c
	}
}

func WithObserver(o Observer) Option {
	return func(d *Driver) {
		d.observer = o
	}
}

func WithTimeouts(t obd.CommandTimeouts) Option {
	return func(d *Driver) {
		d.timeouts = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

func New(t obd.Transport, opts ...Option) *Driver {
	d := &Driver{
		transport: t,
		logger:    log.Named("elm327"),
		policy:    retry.New(retry.DefaultOperation()),
		timeouts:  obd.Timeouts,
		now:       time.Now,
		status:    obd.StatusDisconnected,
	}
	for _, o := range opts {
		o(d)
	}
	d.bus = eventbus.New[obd.Event](d.logger)
	return d
}

// Subscribe registers fn for driver events, delivered in order on a
// separate goroutine.
func (d *Driver) Subscribe(fn func(obd.Event)) func() {
	return d.bus.Subscribe(fn)
}

func (d *Driver) publish(e obd.Event) {
	e.At = d.now()
	d.bus.Publish(e)
}

func (d *Driver) Status() obd.AdapterStatus {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.status
}

func (d *Driver) setStatus(next obd.AdapterStatus) obd.AdapterStatus {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.transitionLocked(next)
}

func (d *Driver) transitionLocked(next obd.AdapterStatus) obd.AdapterStatus {
	prev := d.status
	if prev == next {
		return prev
	}
	d.status = next
	if next != obd.StatusScanning {
		d.scans = 0
	}
	d.logger.Debug("Status changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	d.publish(obd.Event{Type: obd.EventStatusChange, Status: next, Previous: prev})
	return prev
}

func (d *Driver) Metrics() obd.Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

// Config returns the configuration of the current session.
func (d *Driver) Config() obd.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneConfig(d.cfg)
}

func (d *Driver) Identity() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Protocol returns the name of the bus protocol reported by ATDPN.
func (d *Driver) Protocol() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocol
}

// SupportedPids lists the Mode 01 PIDs from the 0100 bitmap, as "0xHH".
func (d *Driver) SupportedPids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for pid := 1; pid <= 0x20; pid++ {
		if d.supported[byte(pid)] {
			out = append(out, fmt.Sprintf("0x%02X", pid))
		}
	}
	return out
}

func cloneConfig(cfg obd.Config) obd.Config {
	cfg.InitCommands = append([]string(nil), cfg.InitCommands...)
	return cfg
}

// Init opens the transport and brings the adapter up: reset, echo, line
// feeds, spaces and headers off, protocol selection, init commands, then a
// 0100 probe that confirms the bus and loads the supported PID bitmap.
// The driver must be disconnected.
func (d *Driver) Init(ctx context.Context, cfg obd.Config) error {
	d.stateMu.Lock()
	if d.status != obd.StatusDisconnected {
		st := d.status
		d.stateMu.Unlock()
		return fmt.Errorf("init: adapter is %s, disconnect first", st)
	}
	d.transitionLocked(obd.StatusConnecting)
	d.stateMu.Unlock()

	cfg = cloneConfig(cfg)
	if cfg.Protocol == "" {
		cfg.Protocol = obd.CommandProtocolAuto
	}
	d.mu.Lock()
	d.cfg = cfg
	if cfg.Retries > 0 {
		o := d.policy.Options()
		o.MaxAttempts = cfg.Retries
		d.policy = retry.New(o)
	}
	d.supported = nil
	d.identity = ""
	d.protocol = ""
	d.metrics.ProtocolUsed = ""
	d.mu.Unlock()

	s := newSession(d.logger)
	d.stateMu.Lock()
	d.opening = s
	d.stateMu.Unlock()

	h := obd.Handler{
		OnData: s.onData,
		OnClose: func() {
			d.lose(s, obd.NewTransportError("transport", obd.ErrTransportClosed))
		},
		OnError: func(err error) {
			d.logger.Warn("Transport error", zap.Error(err))
			d.publish(obd.Event{Type: obd.EventError, Err: err})
		},
	}
	openCtx, cancelOpen := context.WithCancel(ctx)
	stopOpen := context.AfterFunc(s.ctx, cancelOpen)
	err := d.transport.Open(openCtx, h)
	stopOpen()
	cancelOpen()

	d.stateMu.Lock()
	d.opening = nil
	if s.stopped() {
		// Disconnect ran while the transport was opening.
		d.stateMu.Unlock()
		if err == nil {
			if cerr := d.transport.Close(); cerr != nil {
				d.logger.Debug("Close after cancelled open", zap.Error(cerr))
			}
		}
		return obd.NewTransportError("init", obd.ErrTransportClosed)
	}
	if err != nil {
		cerr := obd.NewConnectionError("open transport", err)
		d.transitionLocked(obd.StatusError)
		d.stateMu.Unlock()
		d.publish(obd.Event{Type: obd.EventError, Err: cerr})
		return cerr
	}
	d.mu.Lock()
	d.sess = s
	d.mu.Unlock()
	d.transitionLocked(obd.StatusInitializing)
	d.stateMu.Unlock()
	go d.run(s)

	if err := d.bringUp(ctx, s, cfg); err != nil {
		d.abort(s, err)
		return err
	}

	d.stateMu.Lock()
	if s.stopped() {
		d.stateMu.Unlock()
		return obd.NewTransportError("init", obd.ErrTransportClosed)
	}
	d.transitionLocked(obd.StatusReady)
	d.stateMu.Unlock()

	d.logger.Info("Adapter ready",
		zap.String("identity", d.Identity()),
		zap.String("protocol", d.Protocol()))
	d.publish(obd.Event{Type: obd.EventConnected, Status: obd.StatusReady})
	return nil
}

func (d *Driver) bringUp(ctx context.Context, s *session, cfg obd.Config) error {
	reset, err := d.exec(ctx, s, obd.CommandReset)
	if err != nil {
		if obd.IsKind(err, obd.KindTransport) {
			return err
		}
		return obd.NewConnectionError("reset adapter", err)
	}
	if reset == "" {
		return obd.NewProtocolError("reset adapter", obd.CommandReset, errors.New("empty reply"))
	}
	d.mu.Lock()
	d.identity = identity(reset)
	d.mu.Unlock()

	cmds := []string{
		obd.CommandEchoOff,
		obd.CommandLineFeedsOff,
		obd.CommandSpacesOff,
		obd.CommandHeadersOff,
		strings.ToUpper(cfg.Protocol),
	}
	for _, c := range cfg.InitCommands {
		cmds = append(cmds, strings.ToUpper(strings.TrimSpace(c)))
	}
	for _, cmd := range cmds {
		if err := d.expectOK(ctx, s, cmd); err != nil {
			return err
		}
	}

	resp, err := d.exec(ctx, s, obd.CommandSupportedPids)
	if err != nil {
		if obd.IsKind(err, obd.KindTransport) {
			return err
		}
		return obd.NewProtocolError("probe protocol", cfg.Protocol, err)
	}
	pids, err := obd.ParseSupportedPids(0x00, resp)
	if err != nil {
		return obd.NewProtocolError("probe protocol", cfg.Protocol, err)
	}
	supported := make(map[byte]bool, len(pids))
	for _, p := range pids {
		supported[p] = true
	}
	d.mu.Lock()
	d.supported = supported
	d.mu.Unlock()

	if resp, err := d.exec(ctx, s, obd.CommandProtocolNum); err != nil {
		d.logger.Warn("Protocol query failed", zap.Error(err))
	} else if num, ok := obd.ParseProtocolNumber(resp); ok {
		name := obd.ProtocolName(num)
		d.mu.Lock()
		d.protocol = name
		d.metrics.ProtocolUsed = name
		d.mu.Unlock()
	}
	return nil
}

func (d *Driver) expectOK(ctx context.Context, s *session, cmd string) error {
	resp, err := d.exec(ctx, s, cmd)
	if err != nil {
		if obd.IsKind(err, obd.KindTransport) {
			return err
		}
		return obd.NewProtocolError("bring-up", cmd, err)
	}
	if !strings.Contains(strings.ToUpper(resp), "OK") {
		return obd.NewProtocolError("bring-up", cmd, fmt.Errorf("unexpected reply %q", resp))
	}
	return nil
}

// identity picks the banner line of an ATZ reply.
func identity(reset string) string {
	lines := strings.Split(reset, "\n")
	for _, l := range lines {
		if strings.Contains(strings.ToUpper(l), "ELM") {
			return l
		}
	}
	return lines[len(lines)-1]
}

// abort ends a session whose bring-up failed, unless Disconnect already did.
func (d *Driver) abort(s *session, err error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if s.stopped() {
		return
	}
	s.stop()
	if cerr := d.transport.Close(); cerr != nil {
		d.logger.Warn("Close after failed init", zap.Error(cerr))
	}
	d.logger.Warn("Adapter bring-up failed", zap.Error(err))
	d.transitionLocked(obd.StatusError)
	d.publish(obd.Event{Type: obd.EventError, Err: err})
}

// lose handles an unexpected end of the transport.
func (d *Driver) lose(s *session, err error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if s.stopped() {
		return
	}
	s.stop()
	d.mu.Lock()
	s.lost = true
	d.mu.Unlock()
	if cerr := d.transport.Close(); cerr != nil {
		d.logger.Debug("Close after transport loss", zap.Error(cerr))
	}
	d.logger.Warn("Transport lost", zap.Error(err))
	d.transitionLocked(obd.StatusError)
	d.publish(obd.Event{Type: obd.EventError, Err: err})
	d.publish(obd.Event{Type: obd.EventDisconnected, Status: obd.StatusError})
}

// Disconnect closes the transport and fails every queued command with a
// transport-closed error. It is safe on any path, including mid-command.
func (d *Driver) Disconnect() error {
	d.stateMu.Lock()
	opening := d.opening
	if opening != nil {
		opening.stop()
		d.opening = nil
	}
	d.mu.Lock()
	s := d.sess
	d.sess = nil
	lost := s != nil && s.lost
	d.mu.Unlock()
	d.stateMu.Unlock()

	var err error
	if s != nil {
		d.stateMu.Lock()
		wasLive := !s.stopped()
		s.stop()
		d.stateMu.Unlock()
		if wasLive {
			err = d.transport.Close()
		}
		<-s.exited
	}

	prev := d.setStatus(obd.StatusDisconnected)
	if (s != nil || opening != nil) && !lost && prev != obd.StatusDisconnected {
		d.publish(obd.Event{Type: obd.EventDisconnected, Status: obd.StatusDisconnected})
	}
	if err != nil {
		return obd.NewTransportError("disconnect", err)
	}
	return nil
}

func (d *Driver) run(s *session) {
	defer close(s.exited)
	for {
		r := s.pop()
		if r == nil {
			break
		}
		start := d.now()
		resp, err := d.execute(s, r)
		d.record(r.cmd, d.now().Sub(start), err)
		if err != nil && obd.IsKind(err, obd.KindTransport) && !s.stopped() {
			d.lose(s, err)
		}
		r.done <- result{resp: resp, err: err}
	}
	for _, r := range s.drain() {
		r.done <- result{err: obd.NewTransportError("command "+r.cmd, obd.ErrTransportClosed)}
	}
}

func (d *Driver) execute(s *session, r *request) (string, error) {
	d.mu.Lock()
	policy := d.policy
	d.mu.Unlock()

	var resp string
	err := policy.Do(s.ctx, func(ctx context.Context, attempt int) error {
		var err error
		resp, err = d.attempt(s, r.cmd, r.timeout)
		return err
	}, retry.Hooks{
		OnAttemptFailed: func(attempt int, err error) {
			d.logger.Debug("Command attempt failed",
				zap.String("command", r.cmd),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
		RetryIf: retryable,
	})
	if err != nil && s.stopped() && !obd.IsKind(err, obd.KindTransport) {
		err = obd.NewTransportError("command "+r.cmd, obd.ErrTransportClosed)
	}
	return resp, err
}

func (d *Driver) attempt(s *session, cmd string, timeout time.Duration) (string, error) {
	s.flush()
	if err := d.transport.Write([]byte(cmd + obd.CR)); err != nil {
		if obd.IsKind(err, obd.KindTransport) {
			return "", err
		}
		return "", obd.NewTransportError("write "+cmd, err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case frame := <-s.frames:
		resp := clean(frame, cmd)
		if marker, ok := failure(resp); ok {
			return resp, obd.NewCommandFailedError(cmd, marker)
		}
		return resp, nil
	case <-t.C:
		return "", obd.NewTimeoutError("command", cmd, timeout)
	case <-s.done:
		return "", obd.NewTransportError("command "+cmd, obd.ErrTransportClosed)
	}
}

// retryable markers are the adapter replies worth sending the command again for.
var retryableMarkers = map[string]bool{
	"NO DATA":           true,
	"?":                 true,
	"UNABLE TO CONNECT": true,
	"BUS INIT":          true,
}

func retryable(err error) bool {
	var e *obd.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case obd.KindTimeout:
		return true
	case obd.KindCommandFailed:
		return retryableMarkers[e.Response]
	}
	return false
}

func (d *Driver) record(cmd string, elapsed time.Duration, err error) {
	ms := float64(elapsed) / float64(time.Millisecond)

	d.mu.Lock()
	m := &d.metrics
	m.TotalCommands++
	if err == nil {
		m.SuccessfulCommands++
		m.LastError = ""
	} else {
		m.FailedCommands++
		m.LastError = err.Error()
		if obd.IsKind(err, obd.KindTimeout) {
			m.Timeouts++
		}
	}
	m.AverageLatencyMs += (ms - m.AverageLatencyMs) / float64(m.TotalCommands)
	m.LastCommand = cmd
	m.LastDurationMs = elapsed.Milliseconds()
	m.LastUpdatedAt = d.now()
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.ObserveCommand(cmd, elapsed, err)
	}
	if err == nil {
		d.logger.Debug("Command done", zap.String("command", cmd), zap.Duration("took", elapsed))
		return
	}
	d.logger.Warn("Command failed", zap.String("command", cmd), zap.Duration("took", elapsed), zap.Error(err))
	if obd.IsKind(err, obd.KindTimeout) {
		d.publish(obd.Event{Type: obd.EventTimeout, Command: cmd, Err: err})
	}
}

func (d *Driver) timeoutFor(cmd string) time.Duration {
	t := d.timeouts
	if cmd == obd.CommandReset {
		return t.Init
	}
	if strings.HasPrefix(cmd, "AT") {
		return t.ATCommand
	}

	d.mu.Lock()
	override := time.Duration(d.cfg.TimeoutMs) * time.Millisecond
	d.mu.Unlock()

	switch {
	case cmd == obd.CommandSupportedPids:
		// the first OBD request may trigger a protocol search
		return max(override, t.Init)
	case override > 0:
		return override
	case cmd == obd.CommandReadDtc || cmd == obd.CommandPendingDtc:
		return t.ReadDtc
	case cmd == obd.CommandClearDtc:
		return t.ClearDtc
	}
	return t.LiveData
}

// exec queues cmd on s and waits for its outcome or for ctx.
func (d *Driver) exec(ctx context.Context, s *session, cmd string) (string, error) {
	r := &request{cmd: cmd, timeout: d.timeoutFor(cmd), done: make(chan result, 1)}
	if err := s.push(r); err != nil {
		return "", err
	}
	select {
	case res := <-r.done:
		return res.resp, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// command runs cmd on the live session.
func (d *Driver) command(ctx context.Context, cmd string) (string, error) {
	d.mu.Lock()
	s := d.sess
	d.mu.Unlock()

	switch st := d.Status(); {
	case s == nil || st == obd.StatusDisconnected || st == obd.StatusConnecting:
		return "", obd.ErrNotConnected
	case st != obd.StatusReady && st != obd.StatusIdle && st != obd.StatusScanning:
		return "", fmt.Errorf("%w: adapter is %s", obd.ErrNotReady, st)
	}
	return d.exec(ctx, s, cmd)
}

// beginScan moves Ready/Idle to Scanning; overlapping scans share the state.
func (d *Driver) beginScan() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch d.status {
	case obd.StatusReady, obd.StatusIdle:
		d.transitionLocked(obd.StatusScanning)
		d.scans = 1
	case obd.StatusScanning:
		d.scans++
	}
}

func (d *Driver) endScan() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status != obd.StatusScanning {
		return
	}
	d.scans--
	if d.scans <= 0 {
		d.transitionLocked(obd.StatusIdle)
	}
}

func noData(err error) bool {
	var e *obd.Error
	return errors.As(err, &e) && e.Kind == obd.KindCommandFailed && e.Response == "NO DATA"
}

// ReadDtc reads the stored trouble codes (Mode 03). NO DATA means no codes.
func (d *Driver) ReadDtc(ctx context.Context) ([]obd.DtcEntry, error) {
	return d.readCodes(ctx, obd.CommandReadDtc)
}

// ReadPendingDtc reads the pending trouble codes (Mode 07).
func (d *Driver) ReadPendingDtc(ctx context.Context) ([]obd.DtcEntry, error) {
	return d.readCodes(ctx, obd.CommandPendingDtc)
}

func (d *Driver) readCodes(ctx context.Context, cmd string) ([]obd.DtcEntry, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	d.beginScan()
	defer d.endScan()

	resp, err := d.command(ctx, cmd)
	if err != nil && !noData(err) {
		d.publish(obd.Event{Type: obd.EventError, Command: cmd, Err: err})
		return nil, err
	}

	dtcs := []obd.DtcEntry{}
	if err == nil {
		if dtcs, err = obd.ParseDtcResponse(resp); err != nil {
			d.publish(obd.Event{Type: obd.EventError, Command: cmd, Err: err})
			return nil, err
		}
	}
	for i := range dtcs {
		dtcs[i].Description = d.describe(dtcs[i].Code)
	}

	d.publish(obd.Event{Type: obd.EventDtcRead, Command: cmd, Dtcs: append([]obd.DtcEntry(nil), dtcs...)})
	return dtcs, nil
}

func (d *Driver) describe(code string) string {
	if d.descriptions != nil {
		if e, ok := d.descriptions.Get(code); ok {
			return e.Description
		}
	}
	desc, _ := obd.Describe(code)
	if d.descriptions != nil {
		d.descriptions.Set(code, obd.DtcEntry{Code: code, Description: desc})
	}
	return desc
}

// ClearDtc sends Mode 04. It reports whether the adapter acknowledged.
func (d *Driver) ClearDtc(ctx context.Context) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	d.beginScan()
	defer d.endScan()

	resp, err := d.command(ctx, obd.CommandClearDtc)
	if err != nil {
		d.publish(obd.Event{Type: obd.EventError, Command: obd.CommandClearDtc, Err: err})
		return false, err
	}
	up := strings.ToUpper(resp)
	cleared := strings.Contains(up, "44") || strings.Contains(up, "OK")
	d.publish(obd.Event{Type: obd.EventDtcCleared, Command: obd.CommandClearDtc, Cleared: cleared})
	return cleared, nil
}

// ReadPid reads one Mode 01 PID, given in any spelling NormalizeHex accepts.
func (d *Driver) ReadPid(ctx context.Context, pid string) (obd.PidValue, error) {
	def, ok := obd.LookupPid(pid)
	if !ok {
		return obd.PidValue{}, obd.NewUnsupportedError("read pid", pid)
	}
	code, _ := hex.DecodeString(def.PID)
	if !d.pidSupported(code[0]) {
		return obd.PidValue{}, obd.NewUnsupportedError("read pid", "0x"+def.PID)
	}
	if err := d.ready(); err != nil {
		return obd.PidValue{}, err
	}

	cmd := def.Mode + def.PID
	resp, err := d.command(ctx, cmd)
	if err != nil {
		d.publish(obd.Event{Type: obd.EventError, Command: cmd, Err: err})
		return obd.PidValue{}, err
	}
	raw, err := obd.ParsePidResponse(def, resp)
	if err != nil {
		d.publish(obd.Event{Type: obd.EventError, Command: cmd, Err: err})
		return obd.PidValue{}, err
	}
	value, err := def.ConvertBytes(raw)
	if err != nil {
		return obd.PidValue{}, err
	}

	v := obd.PidValue{
		Pid:       "0x" + def.PID,
		Name:      def.Name,
		Value:     value,
		Unit:      def.Unit,
		RawBytes:  strings.ToUpper(hex.EncodeToString(raw)),
		Timestamp: d.now(),
	}
	evt := v
	d.publish(obd.Event{Type: obd.EventPidRead, Command: cmd, Pid: &evt})
	return v, nil
}

// pidSupported checks the 0100 bitmap. PIDs above 0x20 need bit 0x20 set;
// their own bitmaps are not queried.
func (d *Driver) pidSupported(pid byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.supported == nil {
		return true
	}
	if pid <= 0x20 {
		return d.supported[pid]
	}
	return d.supported[0x20]
}

// ReadVoltage returns the supply voltage measured by the adapter (ATRV).
func (d *Driver) ReadVoltage(ctx context.Context) (float64, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	resp, err := d.command(ctx, obd.CommandReadVoltage)
	if err != nil {
		return 0, err
	}
	return obd.ParseVoltage(resp)
}

func (d *Driver) ready() error {
	switch st := d.Status(); st {
	case obd.StatusReady, obd.StatusIdle, obd.StatusScanning:
		return nil
	case obd.StatusDisconnected, obd.StatusConnecting:
		return obd.ErrNotConnected
	default:
		return fmt.Errorf("%w: adapter is %s", obd.ErrNotReady, st)
	}
}
