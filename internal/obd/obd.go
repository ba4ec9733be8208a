package obd

import (
	"context"
	"time"
)

// Driver abstracts access to an OBD-II adapter.
// Implementations serialize all traffic on their transport.
type Driver interface {
	Init(ctx context.Context, cfg Config) error
	ReadDtc(ctx context.Context) ([]DtcEntry, error)
	ClearDtc(ctx context.Context) (bool, error)
	ReadPid(ctx context.Context, pid string) (PidValue, error)
	Status() AdapterStatus
	Metrics() Metrics
	// Identity is the adapter banner, Protocol the negotiated bus protocol.
	Identity() string
	Protocol() string
	Subscribe(fn func(Event)) (unsubscribe func())
	Disconnect() error
}

// Handler receives asynchronous transport notifications.
// Callbacks may be nil.
type Handler struct {
	OnData  func(p []byte)
	OnClose func()
	OnError func(err error)
}

// Transport is a byte channel to the adapter. It knows nothing about ELM327.
type Transport interface {
	Open(ctx context.Context, h Handler) error
	Write(p []byte) error
	Close() error
}

type TransportKind string

const (
	TransportSerial    TransportKind = "serial"
	TransportBluetooth TransportKind = "bluetooth"
	TransportMock      TransportKind = "mock"
)

// Config is supplied by the caller at connect time and copied by the driver on Init.
type Config struct {
	Transport  TransportKind
	Port       string
	DeviceName string
	BaudRate   int
	// TimeoutMs overrides the per-command default timeouts when positive.
	TimeoutMs int
	// Retries overrides the operation retry attempts when positive.
	Retries int
	// Protocol is the AT command selecting the bus protocol (ATSP0 when empty).
	Protocol string
	// InitCommands run after protocol selection, e.g. ATST64 for slow-init buses.
	InitCommands []string
}

// VehicleHint narrows protocol negotiation. Year 0 means unknown.
type VehicleHint struct {
	Make  string
	Model string
	Year  int
}

// AdapterStatus is the driver state machine.
type AdapterStatus int

const (
	StatusDisconnected AdapterStatus = iota
	StatusConnecting
	StatusInitializing
	StatusReady
	StatusScanning
	StatusIdle
	StatusError
	StatusUnavailable
)

func (s AdapterStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusScanning:
		return "scanning"
	case StatusIdle:
		return "idle"
	case StatusError:
		return "error"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Operational reports whether commands may be issued in this state.
func (s AdapterStatus) Operational() bool {
	return s == StatusReady || s == StatusIdle
}

// Metrics are command counters updated on every terminal command outcome.
type Metrics struct {
	TotalCommands      int       `json:"totalCommands"`
	SuccessfulCommands int       `json:"successfulCommands"`
	FailedCommands     int       `json:"failedCommands"`
	Timeouts           int       `json:"timeouts"`
	AverageLatencyMs   float64   `json:"averageLatencyMs"`
	LastCommand        string    `json:"lastCommand,omitempty"`
	LastDurationMs     int64     `json:"lastDurationMs"`
	LastError          string    `json:"lastError,omitempty"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
	ProtocolUsed       string    `json:"protocolUsed,omitempty"`
}

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventStatusChange
	EventDtcRead
	EventDtcCleared
	EventPidRead
	EventError
	EventTimeout
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStatusChange:
		return "status-change"
	case EventDtcRead:
		return "dtc-read"
	case EventDtcCleared:
		return "dtc-cleared"
	case EventPidRead:
		return "pid-read"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is a driver notification. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Status   AdapterStatus
	Previous AdapterStatus
	Dtcs     []DtcEntry
	Cleared  bool
	Pid      *PidValue
	Err      error
	Command  string
	At       time.Time
}
