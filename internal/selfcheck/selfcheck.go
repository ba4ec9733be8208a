package selfcheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"obdagent/internal/obd"
	"obdagent/internal/retry"
	"obdagent/pkg/log"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 500 * time.Millisecond
)

// Status is the adapter state seen at the start of an attempt.
type Status struct {
	Adapter  obd.AdapterStatus `json:"adapter"`
	Protocol string            `json:"protocol,omitempty"`
}

// LiveData maps a field name (rpm, coolantTemp, ...) to its reading.
type LiveData map[string]float64

// Target is what a self-check talks to. Each method is one step of an
// attempt; an error fails that step only.
type Target interface {
	ReadStatus(ctx context.Context) (Status, error)
	ReadLiveData(ctx context.Context) (LiveData, error)
	ReadDtc(ctx context.Context) ([]obd.DtcEntry, error)
}

// Step is the outcome of one attempt.
type Step struct {
	Attempt      int            `json:"attempt"`
	StartedAt    time.Time      `json:"startedAt"`
	DurationMs   int64          `json:"durationMs"`
	Status       *Status        `json:"status,omitempty"`
	LiveData     LiveData       `json:"liveData,omitempty"`
	Dtc          []obd.DtcEntry `json:"dtc,omitempty"`
	ProtocolUsed string         `json:"protocolUsed,omitempty"`
	Errors       []string       `json:"errors"`
}

func (s Step) Passed() bool {
	return len(s.Errors) == 0
}

type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Report struct {
	ID                string           `json:"id"`
	AttemptsPlanned   int              `json:"attemptsPlanned"`
	AttemptsPerformed int              `json:"attemptsPerformed"`
	Passes            int              `json:"passes"`
	Fails             int              `json:"fails"`
	Consistent        bool             `json:"consistent"`
	Summary           string           `json:"summary"`
	Steps             []Step           `json:"steps"`
	Metrics           map[string]Range `json:"metrics"`
	ProtocolUsed      string           `json:"protocolUsed,omitempty"`
	StartedAt         time.Time        `json:"startedAt"`
	CompletedAt       time.Time        `json:"completedAt"`
}

// Outcome grades a report for the operator.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeWarning Outcome = "warning"
	OutcomeFailed  Outcome = "failed"
)

type Options struct {
	Attempts        int
	Delay           time.Duration
	OnAttemptStart  func(attempt int)
	OnAttemptFinish func(step Step)
	Logger          *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Attempts < 1 {
		o.Attempts = DefaultAttempts
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Logger == nil {
		o.Logger = log.Named("selfcheck")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Run performs opts.Attempts sequential attempts of status, live data and
// DTC reads against t. Step failures are recorded and never end the run;
// only ctx does, in which case the partial report is returned with ctx.Err().
func Run(ctx context.Context, t Target, opts Options) (Report, error) {
	opts = opts.withDefaults()
	r := Report{
		ID:              uuid.NewString(),
		AttemptsPlanned: opts.Attempts,
		StartedAt:       opts.Now(),
	}

	var runErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if opts.OnAttemptStart != nil {
			opts.OnAttemptStart(attempt)
		}
		step := runStep(ctx, t, attempt, opts.Now)
		r.Steps = append(r.Steps, step)
		if opts.OnAttemptFinish != nil {
			opts.OnAttemptFinish(step)
		}
		opts.Logger.Debug("Self-check attempt done",
			zap.Int("attempt", attempt),
			zap.Bool("passed", step.Passed()),
			zap.Strings("errors", step.Errors))

		if attempt == opts.Attempts {
			break
		}
		if err := retry.Sleep(ctx, opts.Delay); err != nil {
			runErr = err
			break
		}
	}

	r.AttemptsPerformed = len(r.Steps)
	for _, s := range r.Steps {
		if s.Passed() {
			r.Passes++
		} else {
			r.Fails++
		}
	}
	r.Consistent = consistent(r.Steps)
	r.Metrics = collectMetrics(r.Steps)
	for _, s := range r.Steps {
		if s.Passed() && s.ProtocolUsed != "" {
			r.ProtocolUsed = s.ProtocolUsed
			break
		}
	}
	r.Summary = fmt.Sprintf("%d attempts: %d passed, %d failed", r.AttemptsPerformed, r.Passes, r.Fails)
	r.CompletedAt = opts.Now()

	opts.Logger.Info("Self-check finished",
		zap.String("id", r.ID),
		zap.String("summary", r.Summary),
		zap.Bool("consistent", r.Consistent))
	return r, runErr
}

func runStep(ctx context.Context, t Target, attempt int, now func() time.Time) Step {
	started := now()
	step := Step{Attempt: attempt, StartedAt: started, Errors: []string{}}

	if st, err := t.ReadStatus(ctx); err != nil {
		step.Errors = append(step.Errors, describe("status", err))
	} else {
		step.Status = &st
		step.ProtocolUsed = st.Protocol
	}
	if live, err := t.ReadLiveData(ctx); err != nil {
		step.Errors = append(step.Errors, describe("liveData", err))
	} else {
		step.LiveData = live
	}
	if dtcs, err := t.ReadDtc(ctx); err != nil {
		step.Errors = append(step.Errors, describe("readDtc", err))
	} else {
		step.Dtc = sortDtcs(dtcs)
	}

	step.DurationMs = now().Sub(started).Milliseconds()
	return step
}

func describe(source string, err error) string {
	return source + ": " + err.Error()
}

func sortDtcs(in []obd.DtcEntry) []obd.DtcEntry {
	out := append([]obd.DtcEntry{}, in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// consistent reports whether every passing attempt saw exactly the same live
// data and codes. Equality is exact, so sensor noise makes a run inconsistent.
func consistent(steps []Step) bool {
	var base *Step
	for i := range steps {
		s := &steps[i]
		if !s.Passed() {
			continue
		}
		if base == nil {
			base = s
			continue
		}
		if !reflect.DeepEqual(liveOrEmpty(base.LiveData), liveOrEmpty(s.LiveData)) {
			return false
		}
		if !sameCodes(base.Dtc, s.Dtc) {
			return false
		}
	}
	return true
}

func liveOrEmpty(l LiveData) LiveData {
	if l == nil {
		return LiveData{}
	}
	return l
}

func sameCodes(a, b []obd.DtcEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Code != b[i].Code {
			return false
		}
	}
	return true
}

func collectMetrics(steps []Step) map[string]Range {
	out := map[string]Range{}
	for _, s := range steps {
		if !s.Passed() {
			continue
		}
		for k, v := range s.LiveData {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			r, ok := out[k]
			if !ok {
				out[k] = Range{Min: v, Max: v}
				continue
			}
			r.Min = math.Min(r.Min, v)
			r.Max = math.Max(r.Max, v)
			out[k] = r
		}
	}
	return out
}

// Passed is true when no attempt failed and the readings were consistent.
func Passed(r Report) bool {
	return r.Passes > 0 && r.Fails == 0 && r.Consistent
}

func Grade(r Report) Outcome {
	switch {
	case Passed(r):
		return OutcomePassed
	case r.Passes > 0:
		return OutcomeWarning
	default:
		return OutcomeFailed
	}
}

// Errors returns the distinct step errors in order of appearance.
func (r Report) Errors() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range r.Steps {
		for _, e := range s.Errors {
			e = strings.TrimSpace(e)
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// livePids are the fields a DriverTarget reads, keyed by LiveData name.
var livePids = []struct {
	field string
	pid   string
}{
	{"rpm", obd.PIDEngineRPM},
	{"coolantTemp", obd.PIDCoolantTemp},
	{"intakeTemp", obd.PIDIntakeTemp},
	{"speed", obd.PIDVehicleSpeed},
	{"throttle", obd.PIDThrottle},
}

// DriverTarget runs a self-check against a live driver. PIDs the vehicle
// does not support are left out of the live data rather than failing it.
type DriverTarget struct {
	Driver obd.Driver
}

func (t DriverTarget) ReadStatus(ctx context.Context) (Status, error) {
	st := Status{Adapter: t.Driver.Status(), Protocol: t.Driver.Protocol()}
	if !st.Adapter.Operational() {
		return st, fmt.Errorf("adapter is %s", st.Adapter)
	}
	return st, nil
}

func (t DriverTarget) ReadLiveData(ctx context.Context) (LiveData, error) {
	live := LiveData{}
	for _, p := range livePids {
		v, err := t.Driver.ReadPid(ctx, p.pid)
		if obd.IsKind(err, obd.KindUnsupported) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.field, err)
		}
		live[p.field] = v.Value
	}
	if r, ok := t.Driver.(interface {
		ReadVoltage(context.Context) (float64, error)
	}); ok {
		v, err := r.ReadVoltage(ctx)
		if err != nil {
			return nil, fmt.Errorf("voltage: %w", err)
		}
		live["voltage"] = v
	}
	if len(live) == 0 {
		return nil, errors.New("no live data supported")
	}
	return live, nil
}

func (t DriverTarget) ReadDtc(ctx context.Context) ([]obd.DtcEntry, error) {
	return t.Driver.ReadDtc(ctx)
}
