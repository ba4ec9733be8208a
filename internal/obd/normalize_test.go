package obd

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    ErrorCode
		subtype ErrorSubtype
	}{
		{"enoent", errors.New("open /dev/ttyUSB0: ENOENT"), CodeAdapterNotFound, SubtypeSerialPort},
		{"go enoent", errors.New("open /dev/ttyUSB0: no such file or directory"), CodeAdapterNotFound, SubtypeSerialPort},
		{"eacces", errors.New("EACCES"), CodeUnableToConnect, SubtypeSerialPort},
		{"ebusy", errors.New("EBUSY: port locked"), CodeUnableToConnect, SubtypeSerialPort},
		{"etimedout", errors.New("connect ETIMEDOUT"), CodeConnectionTimeout, SubtypeTimeout},
		{"timeout", NewTimeoutError("command", "010C", time.Second), CodeCommandTimeout, SubtypeTimeout},
		{"no data", NewCommandFailedError("010C", "NO DATA"), CodeNoData, SubtypeData},
		{"unable", errors.New("UNABLE TO CONNECT"), CodeUnableToConnect, SubtypeProtocol},
		{"bus init", errors.New("BUS INIT: ...ERROR"), CodeBusInitError, SubtypeProtocol},
		{"can error", errors.New("CAN ERROR"), CodeProtocolSelectionFailed, SubtypeProtocol},
		{"stopped", errors.New("STOPPED"), CodeTransportClosed, SubtypeGeneric},
		{"overrun", errors.New("BUFFER_OVERRUN"), CodeBufferOverflow, SubtypeHardware},
		{"not connected", fmt.Errorf("read: %w", ErrNotConnected), CodeNotConnected, SubtypeGeneric},
		{"parse kind", NewParseError("parse pid", "41", errors.New("short")), CodeParseError, SubtypeData},
		{"unsupported kind", NewUnsupportedError("read pid", "0x99"), CodeUnsupported, SubtypeData},
		{"fallback", errors.New("something odd"), CodeUnknown, SubtypeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Normalize(tt.err, map[string]any{"op": "test"})
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, tt.subtype, p.Subtype)
			assert.Equal(t, tt.err.Error(), p.Message)
			assert.NotEmpty(t, p.UserMessage)
			assert.False(t, p.Timestamp.IsZero())
			assert.Equal(t, "test", p.Context["op"])
		})
	}
}

func TestNormalizeNil(t *testing.T) {
	p := Normalize(nil, nil)
	assert.Equal(t, CodeUnknown, p.Code)
	assert.Equal(t, UserMessage(CodeUnknown), p.UserMessage)
}

type panickingError struct{}

func (panickingError) Error() string { panic("boom") }

func TestNormalizeNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		p := Normalize(panickingError{}, nil)
		assert.Equal(t, CodeUnknown, p.Code)
		assert.Equal(t, "boom", p.Message)
	})
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewProtocolError("init", "ATSP6", errors.New("?")))
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "protocol", KindOf(err).String())
}
