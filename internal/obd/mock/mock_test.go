package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obdagent/internal/obd"
)

// session collects replies split on the prompt.
type session struct {
	mu      sync.Mutex
	buf     strings.Builder
	replies chan string
}

func newSession() *session {
	return &session{replies: make(chan string, 16)}
}

func (s *session) handler() obd.Handler {
	return obd.Handler{OnData: func(p []byte) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range p {
			if c == obd.Prompt {
				s.replies <- strings.TrimSpace(s.buf.String())
				s.buf.Reset()
				continue
			}
			s.buf.WriteByte(c)
		}
	}}
}

func (s *session) ask(t *testing.T, a *Adapter, cmd string) string {
	t.Helper()
	require.NoError(t, a.Write([]byte(cmd+obd.CR)))
	select {
	case r := <-s.replies:
		return r
	case <-time.After(time.Second):
		t.Fatalf("no reply to %s", cmd)
		return ""
	}
}

func TestBringUpReplies(t *testing.T) {
	a := New(WithProtocol("3"))
	s := newSession()
	require.NoError(t, a.Open(context.Background(), s.handler()))
	defer a.Close()

	assert.Equal(t, Banner, s.ask(t, a, "ATZ"))
	assert.Equal(t, "OK", s.ask(t, a, "ate0"))
	assert.Equal(t, "OK", s.ask(t, a, "ATSP6"))
	assert.Equal(t, "A3", s.ask(t, a, "ATDPN"))
	assert.Equal(t, "12.6V", s.ask(t, a, "ATRV"))
	assert.Equal(t, SupportedPids, s.ask(t, a, "0100"))
	assert.Equal(t, "?", s.ask(t, a, "09 02 FF"))

	assert.Equal(t, []string{"ATZ", "ATE0", "ATSP6", "ATDPN", "ATRV", "0100", "0902FF"}, a.Writes())
}

func TestLiveDataDecodes(t *testing.T) {
	a := New()
	a.SetRPM(1664)
	s := newSession()
	require.NoError(t, a.Open(context.Background(), s.handler()))
	defer a.Close()

	reply := s.ask(t, a, "010C")
	assert.Equal(t, "41 0C 1A 00", reply)

	def, ok := obd.LookupPid("0C")
	require.True(t, ok)
	raw, err := obd.ParsePidResponse(def, reply)
	require.NoError(t, err)
	v, err := def.ConvertBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, 1664.0, v)

	assert.Equal(t, "41 05 73", s.ask(t, a, "0105"))
	assert.Equal(t, "NO DATA", s.ask(t, a, "01A6"))
}

func TestTroubleCodes(t *testing.T) {
	a := New(WithFaults("P0133", "P0044"), WithPendingFaults("U0100"))
	s := newSession()
	require.NoError(t, a.Open(context.Background(), s.handler()))
	defer a.Close()

	reply := s.ask(t, a, "03")
	assert.Equal(t, "43 02 01 33 00 44", reply)
	dtcs, err := obd.ParseDtcResponse(reply)
	require.NoError(t, err)
	require.Len(t, dtcs, 2)
	assert.Equal(t, "P0133", dtcs[0].Code)
	assert.Equal(t, "P0044", dtcs[1].Code)

	pending, err := obd.ParseDtcResponse(s.ask(t, a, "07"))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "U0100", pending[0].Code)

	assert.Equal(t, "44", s.ask(t, a, "04"))
	dtcs, err = obd.ParseDtcResponse(s.ask(t, a, "03"))
	require.NoError(t, err)
	assert.Empty(t, dtcs)
}

func TestScriptedResponses(t *testing.T) {
	a := New(WithResponse("03", "NO DATA", "43 01 01 33"))
	s := newSession()
	require.NoError(t, a.Open(context.Background(), s.handler()))
	defer a.Close()

	assert.Equal(t, "NO DATA", s.ask(t, a, "03"))
	assert.Equal(t, "43 01 01 33", s.ask(t, a, "03"))
	assert.Equal(t, "43 01 01 33", s.ask(t, a, "03"))
}

func TestSilenceAndClose(t *testing.T) {
	a := New(WithSilence("ATZ"))
	s := newSession()
	require.NoError(t, a.Open(context.Background(), s.handler()))

	require.NoError(t, a.Write([]byte("ATZ\r")))
	select {
	case r := <-s.replies:
		t.Fatalf("unexpected reply %q", r)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Write([]byte("ATI\r")), obd.ErrTransportClosed)
	assert.False(t, a.IsOpen())
}

func TestDrop(t *testing.T) {
	a := New()
	var closed, errored bool
	require.NoError(t, a.Open(context.Background(), obd.Handler{
		OnClose: func() { closed = true },
		OnError: func(err error) { errored = obd.IsKind(err, obd.KindTransport) },
	}))

	a.Drop()
	assert.True(t, closed)
	assert.True(t, errored)
	assert.False(t, a.IsOpen())

	a.Drop()
}

func TestOpenError(t *testing.T) {
	boom := errors.New("open /dev/rfcomm0: permission denied")
	a := New(WithOpenError(boom))
	assert.ErrorIs(t, a.Open(context.Background(), obd.Handler{}), boom)
}

func TestWalkStaysInRange(t *testing.T) {
	a := New(WithSeed(42))
	for i := 0; i < 5000; i++ {
		a.step()
		require.GreaterOrEqual(t, a.rpm, 600)
		require.LessOrEqual(t, a.rpm, 4000)
		require.GreaterOrEqual(t, a.coolant, 60.0)
		require.LessOrEqual(t, a.coolant, 110.0)
		for _, c := range a.dtcs {
			require.True(t, obd.ValidDtcCode(c))
		}
	}
}
