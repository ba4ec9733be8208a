package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0c", "0x0C"},
		{"0C", "0x0C"},
		{"0x0c", "0x0C"},
		{"0X0C", "0x0C"},
		{" c ", "0x0C"},
		{"ff", "0xFF"},
		{"0x0C", "0x0C"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeHex(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := NormalizeHex(got)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	for _, bad := range []string{"", "0x", "100", "zz", "0x1FF"} {
		_, err := NormalizeHex(bad)
		assert.Error(t, err, bad)
	}
}

func TestPidFormulas(t *testing.T) {
	tests := []struct {
		pid     string
		payload string
		want    float64
	}{
		{"0C", "1A 00", 1664},
		{"0C", "1A F8", 1726},
		{"05", "64", 60},
		{"0F", "28", 0},
		{"0D", "50", 80},
		{"11", "FF", 100},
		{"0A", "C8", 600},
		{"0B", "65", 101},
		{"42", "30 39", 12.345},
		{"06", "80", 0},
		{"5E", "00 14", 1},
		{"A6", "00 00 27 10", 1000},
	}
	for _, tt := range tests {
		t.Run(tt.pid, func(t *testing.T) {
			def, ok := LookupPid(tt.pid)
			require.True(t, ok)
			got, err := def.Convert(tt.payload)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestConvertShortPayload(t *testing.T) {
	def, ok := LookupPid("0x0C")
	require.True(t, ok)
	_, err := def.Convert("1A")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindParse))
}

func TestLookupReturnsCopies(t *testing.T) {
	def, ok := LookupPid("0c")
	require.True(t, ok)
	def.Name = "mutated"
	def.Bytes = 9

	again, ok := LookupPid("0C")
	require.True(t, ok)
	assert.Equal(t, "Engine RPM", again.Name)
	assert.Equal(t, 2, again.Bytes)

	all := Pids()
	all[0].Unit = "mutated"
	assert.NotEqual(t, "mutated", Pids()[0].Unit)
}

func TestLookupUnknown(t *testing.T) {
	_, ok := LookupPid("0x99")
	assert.False(t, ok)
	_, ok = LookupPid("nope")
	assert.False(t, ok)

	def, ok := LookupPidByName("Vehicle Speed")
	require.True(t, ok)
	assert.Equal(t, "0D", def.PID)
	assert.Equal(t, "010D", def.String())
}

func TestParsePidResponse(t *testing.T) {
	def, _ := LookupPid("0C")
	raw, err := ParsePidResponse(def, "SEARCHING...\n41 0C 1A 00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1A, 0x00}, raw)

	_, err = ParsePidResponse(def, "41 0D 50")
	assert.Error(t, err)
}

func TestParseSupportedPids(t *testing.T) {
	pids, err := ParseSupportedPids(0x00, "41 00 BE 3E B8 13")
	require.NoError(t, err)
	assert.Contains(t, pids, byte(0x01))
	assert.Contains(t, pids, byte(0x05))
	assert.Contains(t, pids, byte(0x0C))
	assert.Contains(t, pids, byte(0x0D))
	assert.Contains(t, pids, byte(0x20))
	assert.NotContains(t, pids, byte(0x02))

	pids, err = ParseSupportedPids(0x00, "41 00 80 00 00 00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, pids)
}
