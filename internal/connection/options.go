package connection

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"obdagent/internal/obd"
)

// TransportAuto tries serial discovery first, then Bluetooth.
const TransportAuto obd.TransportKind = "auto"

// ConnectOptions tune one Connect call. Zero values mean "use the default".
type ConnectOptions struct {
	// Force reconnects even when a driver is live, with a single attempt and
	// no background reconnect on failure.
	Force      bool              `json:"force,omitempty"`
	Transport  obd.TransportKind `json:"transport,omitempty"`
	Port       string            `json:"port,omitempty"`
	PortHints  []string          `json:"portHints,omitempty"`
	BaudRate   int               `json:"baudRate,omitempty"`
	TimeoutMs  int               `json:"timeoutMs,omitempty"`
	Retries    int               `json:"retries,omitempty"`
	DeviceName string            `json:"deviceName,omitempty"`
	Vehicle    obd.VehicleHint   `json:"vehicle"`
	VehicleID  string            `json:"vehicleId,omitempty"`
}

// merge fills the zero fields of o from def.
func (o ConnectOptions) merge(def ConnectOptions) ConnectOptions {
	if o.Transport == "" {
		o.Transport = def.Transport
	}
	if o.Port == "" {
		o.Port = def.Port
	}
	if len(o.PortHints) == 0 {
		o.PortHints = append([]string(nil), def.PortHints...)
	}
	if o.BaudRate == 0 {
		o.BaudRate = def.BaudRate
	}
	if o.TimeoutMs == 0 {
		o.TimeoutMs = def.TimeoutMs
	}
	if o.Retries == 0 {
		o.Retries = def.Retries
	}
	if o.DeviceName == "" {
		o.DeviceName = def.DeviceName
	}
	if o.Vehicle == (obd.VehicleHint{}) {
		o.Vehicle = def.Vehicle
	}
	if o.VehicleID == "" {
		o.VehicleID = def.VehicleID
	}
	return o
}

var (
	trueValues  = map[string]bool{"1": true, "true": true, "yes": true, "y": true, "on": true}
	falseValues = map[string]bool{"0": true, "false": true, "no": true, "n": true, "off": true}
)

// ParseConnectOptions reads a loosely typed payload, as decoded from JSON or
// a form. It never fails: invalid fields are skipped and reported as issues.
func ParseConnectOptions(payload any) (ConnectOptions, []string) {
	var (
		opts   ConnectOptions
		issues []string
	)
	if payload == nil {
		return opts, nil
	}
	src, ok := payload.(map[string]any)
	if !ok {
		return opts, []string{"payload_must_be_object"}
	}

	if v, ok, err := boolish(src["force"]); err != nil {
		issues = append(issues, "force must be boolean-like")
	} else if ok {
		opts.Force = v
	}

	if v, ok, err := stringish(src["transport"]); err != nil {
		issues = append(issues, "transport must be a string")
	} else if ok {
		switch k := obd.TransportKind(strings.ToLower(v)); k {
		case obd.TransportSerial, obd.TransportBluetooth, obd.TransportMock, TransportAuto:
			opts.Transport = k
		default:
			issues = append(issues, fmt.Sprintf("transport must be one of serial, bluetooth, mock, auto (got %q)", v))
		}
	}

	if v, ok, err := stringish(first(src, "port", "portPath")); err != nil {
		issues = append(issues, "port must be a non-empty string")
	} else if ok {
		opts.Port = v
	}

	if raw, present := src["portHints"]; present && raw != nil {
		hints, err := stringList(raw)
		if err != nil {
			issues = append(issues, "portHints must be a list of strings")
		} else {
			opts.PortHints = hints
		}
	}

	if v, ok, err := intish(src["baudRate"]); err != nil {
		issues = append(issues, "baudRate must be a positive integer")
	} else if ok {
		opts.BaudRate = v
	}

	if v, ok, err := intish(src["timeoutMs"]); err != nil {
		issues = append(issues, "timeoutMs must be a positive number")
	} else if ok {
		opts.TimeoutMs = v
	}

	if v, ok, err := intish(src["retries"]); err != nil {
		issues = append(issues, "retries must be a positive integer")
	} else if ok {
		opts.Retries = v
	}

	if v, ok, err := stringish(first(src, "deviceName", "bluetoothName")); err != nil {
		issues = append(issues, "deviceName must be a non-empty string")
	} else if ok {
		opts.DeviceName = v
	}

	if v, ok, err := stringish(src["make"]); err != nil {
		issues = append(issues, "make must be a string")
	} else if ok {
		opts.Vehicle.Make = v
	}
	if v, ok, err := stringish(src["model"]); err != nil {
		issues = append(issues, "model must be a string")
	} else if ok {
		opts.Vehicle.Model = v
	}
	if v, ok, err := intish(src["year"]); err != nil || (ok && (v < 1980 || v > 2100)) {
		issues = append(issues, "year must be an integer between 1980 and 2100")
	} else if ok {
		opts.Vehicle.Year = v
	}

	if v, ok, err := stringish(src["vehicleId"]); err != nil {
		issues = append(issues, "vehicleId must be a string")
	} else if ok {
		opts.VehicleID = v
	}
	return opts, issues
}

func first(src map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := src[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

var errInvalid = errors.New("invalid value")

func boolish(v any) (bool, bool, error) {
	switch t := v.(type) {
	case nil:
		return false, false, nil
	case bool:
		return t, true, nil
	case float64:
		return number01(t)
	case int:
		return number01(float64(t))
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch {
		case s == "":
			return false, false, nil
		case trueValues[s]:
			return true, true, nil
		case falseValues[s]:
			return false, true, nil
		}
	}
	return false, false, errInvalid
}

func number01(f float64) (bool, bool, error) {
	switch f {
	case 1:
		return true, true, nil
	case 0:
		return false, true, nil
	}
	return false, false, errInvalid
}

func stringish(v any) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		s := strings.TrimSpace(t)
		return s, s != "", nil
	}
	return "", false, errInvalid
}

// intish accepts positive whole numbers given as numbers or numeric strings.
func intish(v any) (int, bool, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		f = float64(t)
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, errInvalid
		}
		f = p
	default:
		return 0, false, errInvalid
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false, errInvalid
	}
	return int(f), true, nil
}

func stringList(v any) ([]string, error) {
	var out []string
	switch t := v.(type) {
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errInvalid
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		return nil, errInvalid
	}
	return dedupe(out), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
