package obd

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ErrorCode string

const (
	CodeAdapterNotFound         ErrorCode = "adapter_not_found"
	CodeUnableToConnect         ErrorCode = "unable_to_connect"
	CodeConnectionTimeout       ErrorCode = "connection_timeout"
	CodeCommandTimeout          ErrorCode = "command_timeout"
	CodeNoData                  ErrorCode = "no_data"
	CodeBusInitError            ErrorCode = "bus_init_error"
	CodeProtocolSelectionFailed ErrorCode = "protocol_selection_failed"
	CodeTransportClosed         ErrorCode = "transport_closed"
	CodeBufferOverflow          ErrorCode = "buffer_overflow"
	CodeParseError              ErrorCode = "parse_error"
	CodeUnsupported             ErrorCode = "unsupported_command"
	CodeNotConnected            ErrorCode = "not_connected"
	CodeConnectionLost          ErrorCode = "connection_lost"
	CodeUnknown                 ErrorCode = "unknown_error"
)

type ErrorSubtype string

const (
	SubtypeSerialPort ErrorSubtype = "serial_port_error"
	SubtypeTimeout    ErrorSubtype = "timeout_error"
	SubtypeData       ErrorSubtype = "data_error"
	SubtypeProtocol   ErrorSubtype = "protocol_error"
	SubtypeHardware   ErrorSubtype = "hardware_error"
	SubtypeGeneric    ErrorSubtype = "generic"
)

// ErrorPayload is the display shape of any driver error.
type ErrorPayload struct {
	Code        ErrorCode      `json:"code"`
	Subtype     ErrorSubtype   `json:"subtype"`
	Message     string         `json:"message"`
	UserMessage string         `json:"userMessage"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
}

type errorPattern struct {
	match   string
	code    ErrorCode
	subtype ErrorSubtype
}

var errorPatterns = []errorPattern{
	{"ENOENT", CodeAdapterNotFound, SubtypeSerialPort},
	{"EACCES", CodeUnableToConnect, SubtypeSerialPort},
	{"EBUSY", CodeUnableToConnect, SubtypeSerialPort},
	{"ETIMEDOUT", CodeConnectionTimeout, SubtypeTimeout},
	{"TIMEOUT", CodeCommandTimeout, SubtypeTimeout},
	{"NO DATA", CodeNoData, SubtypeData},
	{"UNABLE TO CONNECT", CodeUnableToConnect, SubtypeProtocol},
	{"BUS INIT", CodeBusInitError, SubtypeProtocol},
	{"CAN ERROR", CodeProtocolSelectionFailed, SubtypeProtocol},
	{"STOPPED", CodeTransportClosed, SubtypeGeneric},
	{"BUFFER_OVERRUN", CodeBufferOverflow, SubtypeHardware},
	{"BUFFER FULL", CodeBufferOverflow, SubtypeHardware},
	// Go's spellings of the same OS conditions.
	{"NO SUCH FILE OR DIRECTORY", CodeAdapterNotFound, SubtypeSerialPort},
	{"PERMISSION DENIED", CodeUnableToConnect, SubtypeSerialPort},
	{"DEVICE OR RESOURCE BUSY", CodeUnableToConnect, SubtypeSerialPort},
}

var userMessages = map[ErrorCode]string{
	CodeAdapterNotFound:         "The OBD adapter was not found. Check that it is plugged in.",
	CodeUnableToConnect:         "Could not connect to the vehicle. Check the ignition and the adapter.",
	CodeConnectionTimeout:       "Connecting to the adapter took too long. Please try again.",
	CodeCommandTimeout:          "The vehicle did not answer in time. Please try again.",
	CodeNoData:                  "The vehicle returned no data for this request.",
	CodeBusInitError:            "The vehicle bus could not be initialised. Turn the ignition on and retry.",
	CodeProtocolSelectionFailed: "The vehicle protocol could not be selected.",
	CodeTransportClosed:         "The connection to the adapter was closed.",
	CodeBufferOverflow:          "The adapter buffer overflowed. Please retry.",
	CodeParseError:              "The adapter returned an unexpected answer.",
	CodeUnsupported:             "This vehicle does not support the requested parameter.",
	CodeNotConnected:            "The OBD adapter is not connected.",
	CodeConnectionLost:          "The connection to the adapter was lost. Reconnecting.",
	CodeUnknown:                 "An unexpected diagnostics error occurred.",
}

// UserMessage returns the display text for a code.
func UserMessage(code ErrorCode) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeUnknown]
}

// Normalize maps any error onto the fixed payload shape. It never panics and
// falls back to unknown_error.
func Normalize(err error, context map[string]any) (p ErrorPayload) {
	p = ErrorPayload{
		Code:      CodeUnknown,
		Subtype:   SubtypeGeneric,
		Timestamp: time.Now(),
		Context:   context,
	}
	defer func() {
		if r := recover(); r != nil {
			p.Code, p.Subtype = CodeUnknown, SubtypeGeneric
			p.Message = fmt.Sprint(r)
		}
		p.UserMessage = UserMessage(p.Code)
	}()

	if err == nil {
		return p
	}
	p.Message = err.Error()

	upper := strings.ToUpper(p.Message)
	for _, pat := range errorPatterns {
		if strings.Contains(upper, pat.match) {
			p.Code, p.Subtype = pat.code, pat.subtype
			return p
		}
	}

	switch {
	case errors.Is(err, ErrNotConnected):
		p.Code = CodeNotConnected
	case IsKind(err, KindTimeout):
		p.Code, p.Subtype = CodeCommandTimeout, SubtypeTimeout
	case IsKind(err, KindTransport):
		p.Code = CodeTransportClosed
	case IsKind(err, KindConnection):
		p.Code, p.Subtype = CodeUnableToConnect, SubtypeSerialPort
	case IsKind(err, KindProtocol):
		p.Code, p.Subtype = CodeProtocolSelectionFailed, SubtypeProtocol
	case IsKind(err, KindParse):
		p.Code, p.Subtype = CodeParseError, SubtypeData
	case IsKind(err, KindUnsupported):
		p.Code, p.Subtype = CodeUnsupported, SubtypeData
	}
	return p
}
