package discovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"obdagent/internal/obd"
	"obdagent/internal/obd/serial"
	"obdagent/pkg/log"
)

var (
	DefaultBaudRates = []int{38400, 115200, 9600}
	likelyKeywords   = []string{"ediag", "kingbolen", "obd", "elm"}
	firstNumber      = regexp.MustCompile(`\d+`)
)

const DefaultIdentifyTimeout = 1500 * time.Millisecond

// ErrNotFound is returned when no port answered like an ELM327.
var ErrNotFound = errors.New("no ELM327 adapter found")

// PortInfo describes one serial port as reported by the OS.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Candidate is a port with its likelihood score.
type Candidate struct {
	Port  PortInfo `json:"port"`
	Score float64  `json:"score"`
}

// listPorts is swapped in tests.
var listPorts = func() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// Ports lists the serial ports of this machine, ranked.
func Ports(hints ...string) ([]Candidate, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	return Rank(ports, hints), nil
}

// Score rates how likely p is an OBD adapter. Hinted ports get +50, each
// adapter keyword +10, bluetooth +5, usb +2 and a known vendor id +1. The
// first number in the name costs a hundredth per unit, so COM3 ranks above
// COM12 when nothing else differs.
func Score(p PortInfo, hints map[string]bool) float64 {
	score := 0.0
	if hints[p.Name] {
		score += 50
	}
	haystack := strings.ToLower(strings.Join([]string{p.Name, p.Product, p.SerialNumber}, " "))
	for _, k := range likelyKeywords {
		if strings.Contains(haystack, k) {
			score += 10
		}
	}
	if strings.Contains(haystack, "bluetooth") {
		score += 5
	}
	if p.IsUSB || strings.Contains(haystack, "usb") {
		score += 2
	}
	if p.VID != "" {
		score++
	}
	return score - penalty(p.Name)
}

func penalty(name string) float64 {
	m := firstNumber.FindString(name)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return float64(n) * 0.01
}

// Rank orders ports by descending score. Ties keep the enumeration order.
func Rank(ports []PortInfo, hints []string) []Candidate {
	set := make(map[string]bool, len(hints))
	for _, h := range hints {
		if h != "" {
			set[h] = true
		}
	}
	out := make([]Candidate, 0, len(ports))
	for _, p := range ports {
		out = append(out, Candidate{Port: p, Score: Score(p, set)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// IsLikelyElm reports whether an identification banner names an OBD adapter.
func IsLikelyElm(identity string) bool {
	s := strings.ToLower(identity)
	for _, k := range likelyKeywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Identify opens t, sends ATI and returns the banner printed before the
// prompt. The transport is closed before returning.
func Identify(ctx context.Context, t obd.Transport, timeout time.Duration) (string, error) {
	frames := make(chan string, 1)
	var buf strings.Builder
	h := obd.Handler{
		OnData: func(p []byte) {
			for _, c := range p {
				if c != obd.Prompt {
					buf.WriteByte(c)
					continue
				}
				select {
				case frames <- buf.String():
				default:
				}
				buf.Reset()
			}
		},
	}
	if err := t.Open(ctx, h); err != nil {
		return "", obd.NewConnectionError("open", err)
	}
	defer t.Close()

	if err := t.Write([]byte(obd.CommandIdentify + obd.CR)); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-frames:
		for _, line := range strings.FieldsFunc(f, func(r rune) bool { return r == '\r' || r == '\n' }) {
			line = strings.TrimSpace(line)
			if line != "" && !strings.EqualFold(line, obd.CommandIdentify) {
				return line, nil
			}
		}
		return "", obd.NewParseError("identify", f, errors.New("empty banner"))
	case <-timer.C:
		return "", obd.NewTimeoutError("identify", obd.CommandIdentify, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Options tune Probe.
type Options struct {
	Hints     []string
	BaudRates []int
	Timeout   time.Duration
}

// Result is the first port that answered like an ELM327.
type Result struct {
	Port     PortInfo `json:"port"`
	Baud     int      `json:"baud"`
	Identity string   `json:"identity"`
}

// Prober walks ranked ports and baud rates until an adapter answers.
type Prober struct {
	dial   func(port string, baud int) obd.Transport
	logger *zap.Logger
}

type ProberOption func(*Prober)

// WithDialer replaces the serial transport factory.
func WithDialer(fn func(port string, baud int) obd.Transport) ProberOption {
	return func(p *Prober) {
		p.dial = fn
	}
}

func WithLogger(l *zap.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = l
	}
}

func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		dial: func(port string, baud int) obd.Transport {
			return serial.New(port, baud)
		},
		logger: log.Named("discovery"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe returns the first ranked port and baud rate whose ATI banner looks
// like an ELM327, or ErrNotFound.
func (p *Prober) Probe(ctx context.Context, opts Options) (*Result, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		p.logger.Info("Serial port list is empty")
		return nil, ErrNotFound
	}
	return p.probe(ctx, Rank(ports, opts.Hints), opts)
}

func (p *Prober) probe(ctx context.Context, candidates []Candidate, opts Options) (*Result, error) {
	bauds := opts.BaudRates
	if len(bauds) == 0 {
		bauds = DefaultBaudRates
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultIdentifyTimeout
	}

	for _, c := range candidates {
		for _, baud := range bauds {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.logger.Debug("Probing", zap.String("port", c.Port.Name), zap.Int("baud", baud))
			identity, err := Identify(ctx, p.dial(c.Port.Name, baud), timeout)
			if err != nil {
				p.logger.Debug("Probe failed", zap.String("port", c.Port.Name), zap.Int("baud", baud), zap.Error(err))
				continue
			}
			if !IsLikelyElm(identity) {
				p.logger.Info("Unsupported identity", zap.String("port", c.Port.Name), zap.String("identity", identity))
				continue
			}
			p.logger.Info("Adapter detected",
				zap.String("port", c.Port.Name),
				zap.Int("baud", baud),
				zap.String("identity", identity))
			return &Result{Port: c.Port, Baud: baud, Identity: identity}, nil
		}
	}
	p.logger.Info("No suitable adapter found")
	return nil, ErrNotFound
}
