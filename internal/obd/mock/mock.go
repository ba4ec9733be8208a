package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"obdagent/internal/obd"
)

const Banner = "ELM327 v1.5"

// SupportedPids is the 0100 bitmap the emulator reports: 01, 03-07, 0B-0F, 11, 13-15, 1C, 1F and 20.
const SupportedPids = "41 00 BE 3E B8 13"

var simulatedFaults = []string{"P0133", "P0044", "P0301", "P0420", "P0171", "C1A00", "B1000", "U0100"}

// Adapter emulates an ELM327 on a vehicle with a running engine. It implements
// obd.Transport: written commands are answered asynchronously through the
// Handler, each reply terminated by the '>' prompt.
type Adapter struct {
	mu       sync.Mutex
	handler  obd.Handler
	open     bool
	stopCh   chan struct{}
	rnd      *rand.Rand
	latency  time.Duration
	walk     time.Duration
	protocol string
	voltage  float64
	// simulated values
	rpm     int
	coolant float64
	speed   int
	load    int
	dtcs    []string
	pending []string
	script  map[string][]string
	silent  map[string]bool
	openErr error
	writes  []string
}

type Option func(*Adapter)

// WithFaults sets the stored trouble codes reported by Mode 03.
func WithFaults(codes ...string) Option {
	return func(a *Adapter) {
		a.dtcs = append([]string(nil), codes...)
	}
}

// WithPendingFaults sets the codes reported by Mode 07.
func WithPendingFaults(codes ...string) Option {
	return func(a *Adapter) {
		a.pending = append([]string(nil), codes...)
	}
}

// WithLatency delays every reply.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) {
		a.latency = d
	}
}

// WithWalk enables the random walk of live values at the given interval.
func WithWalk(interval time.Duration) Option {
	return func(a *Adapter) {
		a.walk = interval
	}
}

func WithSeed(seed int64) Option {
	return func(a *Adapter) {
		a.rnd = rand.New(rand.NewSource(seed))
	}
}

// WithProtocol sets the protocol number reported by ATDPN.
func WithProtocol(num string) Option {
	return func(a *Adapter) {
		a.protocol = num
	}
}

// WithResponse scripts the replies to cmd. Successive writes consume the
// replies in order; the last one repeats.
func WithResponse(cmd string, replies ...string) Option {
	return func(a *Adapter) {
		a.script[normalize(cmd)] = replies
	}
}

// WithSilence makes the adapter never answer cmd.
func WithSilence(cmd string) Option {
	return func(a *Adapter) {
		a.silent[normalize(cmd)] = true
	}
}

// WithOpenError makes Open fail with err.
func WithOpenError(err error) Option {
	return func(a *Adapter) {
		a.openErr = err
	}
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		protocol: "6",
		voltage:  12.6,
		rpm:      800,
		coolant:  75.0,
		load:     20,
		script:   map[string][]string{},
		silent:   map[string]bool{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Open(ctx context.Context, h obd.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return a.openErr
	}
	if a.open {
		return fmt.Errorf("mock adapter already open")
	}
	a.handler = h
	a.open = true
	a.stopCh = make(chan struct{})
	if a.walk > 0 {
		go a.run(a.walk, a.stopCh)
	}
	return nil
}

func (a *Adapter) run(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			a.step()
			a.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// step advances the random walk.
func (a *Adapter) step() {
	a.rpm = clamp(a.rpm+a.rnd.Intn(201)-100, 600, 4000)
	a.coolant += float64(a.rnd.Intn(21)-10) * 0.1
	if a.coolant < 60 {
		a.coolant = 60
	}
	if a.coolant > 110 {
		a.coolant = 110
	}
	a.speed = clamp(a.speed+a.rnd.Intn(11)-5, 0, 180)
	a.load = clamp(a.load+a.rnd.Intn(7)-3, 5, 95)

	if a.rnd.Float32() < 0.05 {
		a.dtcs = append(a.dtcs, simulatedFaults[a.rnd.Intn(len(simulatedFaults))])
	}
	if len(a.dtcs) > 0 && a.rnd.Float32() < 0.02 {
		a.dtcs = a.dtcs[1:]
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func (a *Adapter) Write(p []byte) error {
	cmd := normalize(string(p))

	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return obd.ErrTransportClosed
	}
	a.writes = append(a.writes, cmd)
	if a.silent[cmd] {
		a.mu.Unlock()
		return nil
	}
	reply := a.respond(cmd)
	h, latency, stop := a.handler, a.latency, a.stopCh
	a.mu.Unlock()

	deliver := func() {
		if h.OnData != nil {
			h.OnData([]byte(reply + "\r\r>"))
		}
	}
	if latency <= 0 {
		go deliver()
		return nil
	}
	go func() {
		select {
		case <-time.After(latency):
			deliver()
		case <-stop:
		}
	}()
	return nil
}

func (a *Adapter) respond(cmd string) string {
	if replies, ok := a.script[cmd]; ok && len(replies) > 0 {
		r := replies[0]
		if len(replies) > 1 {
			a.script[cmd] = replies[1:]
		}
		return r
	}

	switch {
	case cmd == "ATZ" || cmd == "ATI" || cmd == "ATWS":
		return Banner
	case cmd == "ATDPN":
		return "A" + a.protocol
	case cmd == "ATRV":
		return fmt.Sprintf("%.1fV", a.voltage)
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case cmd == obd.CommandSupportedPids:
		return SupportedPids
	case strings.HasPrefix(cmd, "01") && len(cmd) == 4:
		return a.live(cmd[2:])
	case cmd == obd.CommandReadDtc:
		return encodeDtcs("43", a.dtcs)
	case cmd == obd.CommandPendingDtc:
		return encodeDtcs("47", a.pending)
	case cmd == obd.CommandClearDtc:
		a.dtcs = nil
		a.pending = nil
		return "44"
	}
	return "?"
}

func (a *Adapter) live(pid string) string {
	var data []byte
	switch pid {
	case obd.PIDEngineLoad:
		data = []byte{byte(a.load * 255 / 100)}
	case obd.PIDCoolantTemp:
		data = []byte{byte(int(a.coolant) + 40)}
	case obd.PIDEngineRPM:
		v := a.rpm * 4
		data = []byte{byte(v >> 8), byte(v)}
	case obd.PIDVehicleSpeed:
		data = []byte{byte(a.speed)}
	case obd.PIDIntakeTemp:
		data = []byte{byte(25 + 40)}
	case obd.PIDThrottle:
		data = []byte{byte(15 * 255 / 100)}
	case "06", "07":
		data = []byte{0x80}
	case "0B":
		data = []byte{35}
	case "0E":
		data = []byte{byte(10*2 + 128)}
	case "13":
		data = []byte{0x03}
	case "14", "15":
		data = []byte{0x5A, 0x80}
	case "1C":
		data = []byte{0x06}
	case "1F":
		data = []byte{0x01, 0x2C}
	default:
		return "NO DATA"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "41 %s", pid)
	for _, v := range data {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// encodeDtcs renders codes as a CAN style reply: mode byte, count, pairs.
func encodeDtcs(mode string, codes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %02X", mode, len(codes))
	for _, c := range codes {
		raw, err := obd.EncodeDtc(c)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, " %s %s", raw[:2], raw[2:])
	}
	return b.String()
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(cmd), " ", ""))
}

// Drop simulates losing the link: the adapter closes and the handler is told.
func (a *Adapter) Drop() {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return
	}
	a.open = false
	close(a.stopCh)
	h := a.handler
	a.mu.Unlock()

	if h.OnError != nil {
		h.OnError(obd.NewTransportError("mock", fmt.Errorf("link dropped")))
	}
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil
	}
	a.open = false
	close(a.stopCh)
	return nil
}

// SetRPM fixes the simulated engine speed.
func (a *Adapter) SetRPM(rpm int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rpm = rpm
}

func (a *Adapter) SetFaults(codes ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dtcs = append([]string(nil), codes...)
}

// Writes returns every command received so far.
func (a *Adapter) Writes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.writes...)
}

func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}
