package obd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PidDefinition is an immutable Mode 01 table entry. Lookups return copies.
type PidDefinition struct {
	Mode        string
	PID         string // two upper-case hex digits
	Bytes       int
	Name        string
	Description string
	Min         float64
	Max         float64
	Unit        string
	convert     func(b []byte) float64
}

func (p PidDefinition) String() string {
	return p.Mode + p.PID
}

// Convert applies the SAE J1979 formula to the raw hex payload.
func (p PidDefinition) Convert(payloadHex string) (float64, error) {
	raw, err := hexBytes(payloadHex)
	if err != nil {
		return 0, err
	}
	return p.ConvertBytes(raw)
}

func (p PidDefinition) ConvertBytes(raw []byte) (float64, error) {
	if len(raw) < p.Bytes {
		return 0, NewParseError("convert pid", fmt.Sprintf("% X", raw), fmt.Errorf("pid %s needs %d bytes, got %d", p.PID, p.Bytes, len(raw)))
	}
	return p.convert(raw[:p.Bytes]), nil
}

// PidValue is one decoded sensor reading.
type PidValue struct {
	Pid       string    `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	RawBytes  string    `json:"rawBytes"`
	Timestamp time.Time `json:"timestamp"`
}

func word(b []byte) float64 { return float64(int(b[0])*256 + int(b[1])) }
func percent(b []byte) float64 { return float64(b[0]) * 100 / 255 }
func temperature(b []byte) float64 { return float64(b[0]) - 40 }
func trim(b []byte) float64 { return (float64(b[0]) - 128) * 100 / 128 }
func single(b []byte) float64 { return float64(b[0]) }

var pidTable = []PidDefinition{
	{Mode: "01", PID: "04", Bytes: 1, Name: "Calculated Engine Load", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "05", Bytes: 1, Name: "Engine Coolant Temperature", Min: -40, Max: 215, Unit: "°C", convert: temperature},
	{Mode: "01", PID: "06", Bytes: 1, Name: "Short Term Fuel Trim Bank 1", Min: -100, Max: 99.2, Unit: "%", convert: trim},
	{Mode: "01", PID: "07", Bytes: 1, Name: "Long Term Fuel Trim Bank 1", Min: -100, Max: 99.2, Unit: "%", convert: trim},
	{Mode: "01", PID: "08", Bytes: 1, Name: "Short Term Fuel Trim Bank 2", Min: -100, Max: 99.2, Unit: "%", convert: trim},
	{Mode: "01", PID: "09", Bytes: 1, Name: "Long Term Fuel Trim Bank 2", Min: -100, Max: 99.2, Unit: "%", convert: trim},
	{Mode: "01", PID: "0A", Bytes: 1, Name: "Fuel Pressure", Min: 0, Max: 765, Unit: "kPa", convert: func(b []byte) float64 { return float64(b[0]) * 3 }},
	{Mode: "01", PID: "0B", Bytes: 1, Name: "Intake Manifold Pressure", Min: 0, Max: 255, Unit: "kPa", convert: single},
	{Mode: "01", PID: "0C", Bytes: 2, Name: "Engine RPM", Min: 0, Max: 16383.75, Unit: "rpm", convert: func(b []byte) float64 { return word(b) / 4 }},
	{Mode: "01", PID: "0D", Bytes: 1, Name: "Vehicle Speed", Min: 0, Max: 255, Unit: "km/h", convert: single},
	{Mode: "01", PID: "0E", Bytes: 1, Name: "Timing Advance", Min: -64, Max: 63.5, Unit: "°", convert: func(b []byte) float64 { return (float64(b[0]) - 128) / 2 }},
	{Mode: "01", PID: "0F", Bytes: 1, Name: "Intake Air Temperature", Min: -40, Max: 215, Unit: "°C", convert: temperature},
	{Mode: "01", PID: "10", Bytes: 2, Name: "MAF Air Flow Rate", Min: 0, Max: 655.35, Unit: "g/s", convert: func(b []byte) float64 { return word(b) / 100 }},
	{Mode: "01", PID: "11", Bytes: 1, Name: "Throttle Position", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "1F", Bytes: 2, Name: "Run Time Since Engine Start", Min: 0, Max: 65535, Unit: "s", convert: word},
	{Mode: "01", PID: "21", Bytes: 2, Name: "Distance With MIL On", Min: 0, Max: 65535, Unit: "km", convert: word},
	{Mode: "01", PID: "2F", Bytes: 1, Name: "Fuel Tank Level Input", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "31", Bytes: 2, Name: "Distance Since Codes Cleared", Min: 0, Max: 65535, Unit: "km", convert: word},
	{Mode: "01", PID: "33", Bytes: 1, Name: "Barometric Pressure", Min: 0, Max: 255, Unit: "kPa", convert: single},
	{Mode: "01", PID: "42", Bytes: 2, Name: "Control Module Voltage", Min: 0, Max: 65.535, Unit: "V", convert: func(b []byte) float64 { return word(b) / 1000 }},
	{Mode: "01", PID: "43", Bytes: 2, Name: "Absolute Load Value", Min: 0, Max: 25700, Unit: "%", convert: func(b []byte) float64 { return word(b) * 100 / 255 }},
	{Mode: "01", PID: "44", Bytes: 2, Name: "Commanded Equivalence Ratio", Min: 0, Max: 2, Unit: "ratio", convert: func(b []byte) float64 { return word(b) / 32768 }},
	{Mode: "01", PID: "45", Bytes: 1, Name: "Relative Throttle Position", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "46", Bytes: 1, Name: "Ambient Air Temperature", Min: -40, Max: 215, Unit: "°C", convert: temperature},
	{Mode: "01", PID: "47", Bytes: 1, Name: "Absolute Throttle Position B", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "49", Bytes: 1, Name: "Accelerator Pedal Position D", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "4A", Bytes: 1, Name: "Accelerator Pedal Position E", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "4C", Bytes: 1, Name: "Commanded Throttle Actuator", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "4D", Bytes: 2, Name: "Time Run With MIL On", Min: 0, Max: 65535, Unit: "min", convert: word},
	{Mode: "01", PID: "4E", Bytes: 2, Name: "Time Since Codes Cleared", Min: 0, Max: 65535, Unit: "min", convert: word},
	{Mode: "01", PID: "51", Bytes: 1, Name: "Fuel Type", Min: 0, Max: 255, Unit: "", convert: single},
	{Mode: "01", PID: "52", Bytes: 1, Name: "Ethanol Fuel Percentage", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "5A", Bytes: 1, Name: "Relative Accelerator Pedal Position", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "5B", Bytes: 1, Name: "Hybrid Battery Pack Remaining Life", Min: 0, Max: 100, Unit: "%", convert: percent},
	{Mode: "01", PID: "5C", Bytes: 1, Name: "Engine Oil Temperature", Min: -40, Max: 210, Unit: "°C", convert: temperature},
	{Mode: "01", PID: "5D", Bytes: 2, Name: "Fuel Injection Timing", Min: -210, Max: 301.992, Unit: "°", convert: func(b []byte) float64 { return (word(b) - 26880) / 128 }},
	{Mode: "01", PID: "5E", Bytes: 2, Name: "Engine Fuel Rate", Min: 0, Max: 3276.75, Unit: "L/h", convert: func(b []byte) float64 { return word(b) / 20 }},
	{Mode: "01", PID: "61", Bytes: 1, Name: "Driver Demand Engine Torque", Min: -125, Max: 130, Unit: "%", convert: func(b []byte) float64 { return float64(b[0]) - 125 }},
	{Mode: "01", PID: "62", Bytes: 1, Name: "Actual Engine Torque", Min: -125, Max: 130, Unit: "%", convert: func(b []byte) float64 { return float64(b[0]) - 125 }},
	{Mode: "01", PID: "63", Bytes: 2, Name: "Engine Reference Torque", Min: 0, Max: 65535, Unit: "Nm", convert: word},
	{Mode: "01", PID: "A6", Bytes: 4, Name: "Odometer", Min: 0, Max: 429496729.5, Unit: "km", convert: func(b []byte) float64 {
		return float64(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3])) / 10
	}},
}

var (
	pidsByCode = map[string]int{}
	pidsByName = map[string]int{}
)

func init() {
	for i, p := range pidTable {
		pidsByCode[p.Mode+p.PID] = i
		pidsByName[p.Name] = i
	}
}

// Well known live-data PIDs.
const (
	PIDEngineLoad   = "04"
	PIDCoolantTemp  = "05"
	PIDEngineRPM    = "0C"
	PIDVehicleSpeed = "0D"
	PIDIntakeTemp   = "0F"
	PIDThrottle     = "11"
	PIDFuelLevel    = "2F"
	PIDModuleVolt   = "42"
	PIDOilTemp      = "5C"
)

// LookupPid finds a Mode 01 definition by any spelling NormalizeHex accepts.
func LookupPid(pid string) (PidDefinition, bool) {
	norm, err := NormalizeHex(pid)
	if err != nil {
		return PidDefinition{}, false
	}
	i, ok := pidsByCode["01"+norm[2:]]
	if !ok {
		return PidDefinition{}, false
	}
	return pidTable[i], true
}

// LookupPidByName finds a definition by its table name.
func LookupPidByName(name string) (PidDefinition, bool) {
	i, ok := pidsByName[name]
	if !ok {
		return PidDefinition{}, false
	}
	return pidTable[i], true
}

// Pids returns a copy of the whole table ordered by PID.
func Pids() []PidDefinition {
	out := make([]PidDefinition, len(pidTable))
	copy(out, pidTable)
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// NormalizeHex returns the canonical "0xHH" spelling of a one-byte id.
// It accepts any case, an optional 0x prefix and surrounding whitespace, and is idempotent.
func NormalizeHex(s string) (string, error) {
	t := strings.TrimSpace(s)
	if len(t) > 2 && (t[:2] == "0x" || t[:2] == "0X") {
		t = t[2:]
	}
	if t == "" || len(t) > 2 {
		return "", NewParseError("normalize hex", s, fmt.Errorf("expected one byte"))
	}
	v, err := strconv.ParseUint(t, 16, 8)
	if err != nil {
		return "", NewParseError("normalize hex", s, err)
	}
	return fmt.Sprintf("0x%02X", v), nil
}

// ParsePidResponse extracts the data bytes that follow "41 <pid>" in a Mode 01 reply.
func ParsePidResponse(def PidDefinition, resp string) ([]byte, error) {
	want, err := strconv.ParseUint(def.PID, 16, 8)
	if err != nil {
		return nil, NewParseError("parse pid", def.PID, err)
	}
	for _, line := range splitLines(resp) {
		if isNoData(line) {
			continue
		}
		raw, err := hexBytes(line)
		if err != nil {
			continue
		}
		for i := 0; i+1 < len(raw); i++ {
			if raw[i] == 0x41 && raw[i+1] == byte(want) && len(raw) >= i+2+def.Bytes {
				return raw[i+2 : i+2+def.Bytes], nil
			}
		}
	}
	return nil, NewParseError("parse pid", resp, fmt.Errorf("no 41 %s frame with %d data bytes", def.PID, def.Bytes))
}

// ParseSupportedPids decodes a "41 <base> AA BB CC DD" bitmap reply.
// Bit 31-i set means PID base+i+1 is supported.
func ParseSupportedPids(base byte, resp string) ([]byte, error) {
	def := PidDefinition{PID: fmt.Sprintf("%02X", base), Bytes: 4}
	data, err := ParsePidResponse(def, resp)
	if err != nil {
		return nil, err
	}
	mask := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	var out []byte
	for i := 0; i < 32; i++ {
		if mask&(1<<(31-i)) != 0 {
			out = append(out, base+byte(i)+1)
		}
	}
	return out, nil
}
