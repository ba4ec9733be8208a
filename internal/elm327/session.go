package elm327

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"obdagent/internal/obd"
)

type result struct {
	resp string
	err  error
}

// request is one queued command. Once queued it runs even if its caller
// stops waiting; only the end of the session drops it.
type request struct {
	cmd     string
	timeout time.Duration
	done    chan result
}

// session is one open transport: its FIFO, its receive buffer and the
// channel that ends it. A new session is created on every Init.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   <-chan struct{}
	exited chan struct{}
	lost   bool

	mu      sync.Mutex
	pending []*request
	closed  bool
	notify  chan struct{}

	rxMu   sync.Mutex
	rx     strings.Builder
	frames chan string

	logger *zap.Logger
}

func newSession(logger *zap.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ctx:    ctx,
		cancel: cancel,
		done:   ctx.Done(),
		exited: make(chan struct{}),
		notify: make(chan struct{}, 1),
		frames: make(chan string, 4),
		logger: logger,
	}
}

func (s *session) stop() {
	s.cancel()
}

func (s *session) stopped() bool {
	return s.ctx.Err() != nil
}

// push appends r to the queue unless the session has ended.
func (s *session) push(r *request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stopped() {
		return obd.NewTransportError("queue "+r.cmd, obd.ErrTransportClosed)
	}
	s.pending = append(s.pending, r)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks for the next request. It returns nil once the session ends.
func (s *session) pop() *request {
	for {
		if s.stopped() {
			return nil
		}
		s.mu.Lock()
		if len(s.pending) > 0 {
			r := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return r
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return nil
		}
	}
}

// drain closes the queue and returns what was still waiting.
func (s *session) drain() []*request {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	left := s.pending
	s.pending = nil
	return left
}

// onData assembles adapter output into prompt-terminated frames.
func (s *session) onData(p []byte) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	for _, c := range p {
		switch c {
		case obd.Prompt:
			frame := s.rx.String()
			s.rx.Reset()
			select {
			case s.frames <- frame:
			default:
				s.logger.Warn("Dropping unread frame", zap.String("frame", frame))
			}
		case 0:
		default:
			s.rx.WriteByte(c)
		}
	}
}

// flush discards anything received before the next command is written.
func (s *session) flush() {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	if s.rx.Len() > 0 {
		s.logger.Debug("Cleared pending data", zap.String("data", s.rx.String()))
		s.rx.Reset()
	}
	for {
		select {
		case f := <-s.frames:
			s.logger.Debug("Cleared stale frame", zap.String("frame", f))
		default:
			return
		}
	}
}

// clean splits a frame into trimmed lines, dropping blanks and the echo of cmd.
func clean(frame, cmd string) string {
	var lines []string
	for _, line := range strings.FieldsFunc(frame, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(strings.ReplaceAll(line, " ", ""), cmd) {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// failure reports the adapter error string of a reply made only of error
// lines. A reply with any data line is not a failure.
func failure(resp string) (string, bool) {
	marker := ""
	for _, line := range strings.Split(resp, "\n") {
		if line == "" || strings.HasPrefix(strings.ToUpper(line), "SEARCHING") {
			continue
		}
		m, ok := obd.ErrorResponse(line)
		if !ok {
			return "", false
		}
		if marker == "" {
			marker = m
		}
	}
	return marker, marker != ""
}
