package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/danmuck/sourceagent/internal/capability"
	"github.com/danmuck/sourceagent/internal/logging"
	"github.com/danmuck/sourceagent/internal/observability"
	"github.com/danmuck/sourceagent/internal/protocol"
	"github.com/danmuck/sourceagent/internal/protocol/frame"
	"github.com/danmuck/sourceagent/internal/protocol/handshake"
)

const dataBufferSize = 64 * 1024

type call struct {
	method string
	done   chan callResult
}

type callResult struct {
	msg protocol.Message
	err error
}

type dataRequest struct {
	size  int
	reply chan dataResult
}

type dataResult struct {
	buf []byte
	err error
}

// Session is the agent side of one plugin connection pair.
type Session struct {
	id     handshake.CorrelationID
	comm   net.Conn
	data   net.Conn
	cfg    Config
	limits frame.Limits
	logger zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*call

	// dataMu serializes ReadSingle so acks and data bytes stay in step.
	dataMu  sync.Mutex
	dataReq chan dataRequest

	stateMu     sync.Mutex
	apiVersion  int
	contextBusy bool
	contextSet  bool
	sourceType  string
	capability  capability.Capability

	lastActivity atomic.Int64

	runOnce   sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
	closeErr  error
}

// New wraps a completed pair. It does no I/O; call Run to start the loops.
func New(id handshake.CorrelationID, comm net.Conn, data net.Conn, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:      id,
		comm:    comm,
		data:    data,
		cfg:     cfg,
		limits:  frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes},
		logger:  log.With().Str("correlation_id", id.String()).Logger(),
		pending: make(map[uint64]*call),
		dataReq: make(chan dataRequest),
		done:    make(chan struct{}),
	}
	s.touch()
	observability.SessionOpened()
	return s
}

// Run drives the comm read loop and the data pump until the session ends and
// returns the terminal error. Only the first call starts the loops.
func (s *Session) Run() error {
	s.runOnce.Do(func() {
		go s.pumpData()
		s.readLoop()
	})
	<-s.done
	return s.err
}

// Close tears the session down. Pending calls fail with ErrSessionLost.
func (s *Session) Close() error {
	s.terminate(ErrSessionClosed)
	return s.closeErr
}

func (s *Session) ID() handshake.CorrelationID {
	return s.id
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once the session has ended, nil before.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// LastActivity is the time of the most recent inbound comm frame or data read.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) APIVersion() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.apiVersion
}

func (s *Session) SourceType() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sourceType
}

// Capability returns the bound capability, if any.
func (s *Session) Capability() (capability.Capability, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.capability, s.capability != nil
}

func (s *Session) touch() {
	s.lastActivity.Store(s.cfg.Clock.Now().UnixNano())
}

func (s *Session) readLoop() {
	for {
		payload, err := frame.ReadFrame(s.comm, s.limits)
		if err != nil {
			switch {
			case errors.Is(err, frame.ErrEmptyFrame):
				s.drop("empty_frame", err)
				continue
			case errors.Is(err, frame.ErrPayloadTooLarge):
				s.terminate(fmt.Errorf("%w: %w: %w", ErrSessionLost, ErrProtocol, err))
			default:
				s.terminate(fmt.Errorf("%w: comm: %w", ErrSessionLost, err))
			}
			return
		}
		s.touch()
		s.handle(payload)
	}
}

func (s *Session) handle(payload []byte) {
	msg, kind, err := protocol.Decode(payload)
	if err != nil {
		s.drop("malformed", err)
		return
	}
	switch kind {
	case protocol.KindResponse:
		s.resolve(msg)
	case protocol.KindNotification:
		s.notify(msg)
	case protocol.KindRequest:
		s.rejectRequest(msg)
	}
}

func (s *Session) resolve(msg protocol.Message) {
	id := *msg.ID
	s.pendingMu.Lock()
	c, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.drop("unmatched_id", fmt.Errorf("response id=%d has no outstanding call", id))
		return
	}
	c.done <- callResult{msg: msg}
}

func (s *Session) notify(msg protocol.Message) {
	switch msg.Method {
	case protocol.MethodLog:
	case protocol.MethodReadData:
		// The plugin now blocks on the data stream waiting for a buffer this
		// agent does not serve; closing both streams unblocks it.
		observability.RecordProtocolError("read_data")
		s.terminate(fmt.Errorf("%w: plugin requested %s, which is not served", ErrProtocol, msg.Method))
		return
	default:
		s.drop("unknown_notification", fmt.Errorf("notification method=%q", msg.Method))
		return
	}
	level, text, err := protocol.DecodeLog(msg)
	if err != nil {
		s.drop("bad_log", err)
		return
	}
	label := level
	if _, ok := logging.PluginLevel(level); !ok {
		label = "unknown"
	}
	observability.RecordLogNotification(label)
	logging.PluginEvent(s.logger, level).Str("origin", "plugin").Msg(text)
}

func (s *Session) rejectRequest(msg protocol.Message) {
	reply := protocol.NewErrorResponse(*msg.ID, protocol.CodeMethodNotFound, "method not found: "+msg.Method)
	if err := s.send(reply); err != nil {
		s.logger.Debug().Err(err).Msgf("session.Session.rejectRequest write failed method=%q", msg.Method)
		return
	}
	observability.RecordProtocolError("inbound_request")
	s.logger.Debug().Msgf("session.Session.rejectRequest method=%q id=%d", msg.Method, *msg.ID)
}

func (s *Session) drop(reason string, err error) {
	observability.RecordProtocolError(reason)
	s.logger.Warn().Err(fmt.Errorf("%w: %w", ErrProtocol, err)).Msgf("session.Session dropped message reason=%s", reason)
}

func (s *Session) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteFrame(s.comm, payload, s.limits)
}

// call issues method and waits for its response, decoding the result into
// out when out is non-nil.
func (s *Session) call(ctx context.Context, method string, out any, params ...any) error {
	id := s.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params...)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrInvalidArgument, method, err)
	}

	c := &call{method: method, done: make(chan callResult, 1)}
	s.pendingMu.Lock()
	if s.pending == nil {
		s.pendingMu.Unlock()
		return s.lostErr(method)
	}
	s.pending[id] = c
	s.pendingMu.Unlock()

	start := time.Now()
	if err := s.send(req); err != nil {
		s.forget(id)
		s.terminate(fmt.Errorf("%w: comm write: %w", ErrSessionLost, err))
		observability.RecordCall(method, observability.CallLost, time.Since(start))
		return s.lostErr(method)
	}

	select {
	case res := <-c.done:
		if res.err != nil {
			observability.RecordCall(method, observability.CallLost, time.Since(start))
			return res.err
		}
		if res.msg.Error != nil {
			observability.RecordCall(method, observability.CallRemoteError, time.Since(start))
			return &RemoteError{Method: method, Code: res.msg.Error.Code, Message: res.msg.Error.Message}
		}
		observability.RecordCall(method, observability.CallOK, time.Since(start))
		if err := protocol.DecodeResult(res.msg, out); err != nil {
			return fmt.Errorf("%w: %s result: %v", ErrProtocol, method, err)
		}
		return nil
	case <-ctx.Done():
		s.forget(id)
		observability.RecordCall(method, observability.CallCanceled, time.Since(start))
		return ctx.Err()
	}
}

func (s *Session) forget(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) lostErr(method string) error {
	if cause := s.Err(); cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrSessionLost, method, cause)
	}
	return fmt.Errorf("%w: %s", ErrSessionLost, method)
}

// pumpData owns the data reader. While idle it peeks so a remote close ends
// the session; bytes are only consumed on behalf of a ReadSingle.
func (s *Session) pumpData() {
	r := bufio.NewReaderSize(s.data, dataBufferSize)
	for {
		if _, err := r.Peek(1); err != nil {
			s.terminate(fmt.Errorf("%w: data: %w", ErrSessionLost, err))
			return
		}
		select {
		case req := <-s.dataReq:
			if req.size < 0 {
				req.reply <- dataResult{err: fmt.Errorf("%w: negative read size %d", ErrInvalidArgument, req.size)}
				continue
			}
			buf := make([]byte, req.size)
			_, err := io.ReadFull(r, buf)
			req.reply <- dataResult{buf: buf, err: err}
			if err != nil {
				s.terminate(fmt.Errorf("%w: data: %w", ErrSessionLost, err))
				return
			}
			s.touch()
		case <-s.done:
			return
		}
	}
}

func (s *Session) terminate(cause error) {
	s.closeOnce.Do(func() {
		s.err = cause
		close(s.done)
		s.closeErr = multierr.Combine(s.comm.Close(), s.data.Close())

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		for id, c := range pending {
			c.done <- callResult{err: fmt.Errorf("%w: %s id=%d", ErrSessionLost, c.method, id)}
		}

		observability.SessionClosed()
		if errors.Is(cause, ErrSessionClosed) {
			s.logger.Debug().Msg("session.Session closed")
		} else {
			s.logger.Info().Err(cause).Int("failed_calls", len(pending)).Msg("session.Session lost")
		}
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(s, cause)
		}
	})
}
