package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocolNumber(t *testing.T) {
	tests := map[string]string{"A6": "6", "3": "3", "A": "A", "a7": "7", " 8 ": "8"}
	for in, want := range tests {
		got, ok := ParseProtocolNumber(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseProtocolNumber("?")
	assert.False(t, ok)
	assert.Equal(t, "ISO 15765-4 CAN (11 bit ID, 500 kbaud)", ProtocolName("6"))
	assert.Equal(t, "Unknown", ProtocolName("Z"))
}

func TestParseVoltage(t *testing.T) {
	v, err := ParseVoltage("12.5V")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v, 1e-9)

	_, err = ParseVoltage("?")
	assert.Error(t, err)
}

func TestErrorResponse(t *testing.T) {
	for resp, want := range map[string]string{
		"NO DATA":               "NO DATA",
		"?":                     "?",
		"UNABLE TO CONNECT":     "UNABLE TO CONNECT",
		"BUS INIT: ...ERROR":    "BUS INIT",
		"SEARCHING...\nNO DATA": "NO DATA",
	} {
		got, ok := ErrorResponse(resp)
		assert.True(t, ok, resp)
		assert.Equal(t, want, got)
	}
	_, ok := ErrorResponse("41 0C 1A 00")
	assert.False(t, ok)
}

func TestAdapterStatusString(t *testing.T) {
	assert.Equal(t, "ready", StatusReady.String())
	assert.True(t, StatusIdle.Operational())
	assert.False(t, StatusScanning.Operational())
	assert.Equal(t, "status-change", EventStatusChange.String())
}
