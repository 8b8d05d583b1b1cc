package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exolink/pkg/link"
	"exolink/pkg/protocol"
)

const (
	DefaultReadTimeout = 20 * time.Millisecond
	DefaultWarnEvery   = 100
	defaultLogInterval = time.Second
)

var (
	ErrAlreadyStarted = stderrors.New("session already started")
	ErrStopped        = stderrors.New("session stopped")
	errTerminated     = stderrors.New("terminate marker received")
)

type State int32

const (
	StateDisconnected State = iota
	StateListening
	StateConnected
	StateConfiguring
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a snapshot of a session's link quality counters.
type Stats struct {
	Frames              uint64 `json:"frames"`
	Accepted            uint64 `json:"accepted"`
	ChecksumFailures    uint64 `json:"checksum_failures"`
	Rejected            uint64 `json:"rejected"`
	Timeouts            uint64 `json:"timeouts"`
	NegotiationAttempts uint64 `json:"negotiation_attempts"`
	Warnings            uint64 `json:"warnings"`
}

type counters struct {
	frames      atomic.Uint64
	accepted    atomic.Uint64
	checksum    atomic.Uint64
	rejected    atomic.Uint64
	timeouts    atomic.Uint64
	negotiation atomic.Uint64
	warnings    atomic.Uint64
}

// Session drives one sensor link through listen, accept, negotiate and
// stream. It serves exactly one rig connection; reconnecting is up to the
// caller, who creates a new Session.
type Session struct {
	hub          *Hub
	log          *logrus.Entry
	readTimeout  time.Duration
	negotiate    protocol.NegotiateOptions
	limits       protocol.Limits
	warnEvery    int
	logInterval  time.Duration
	errorHandler func(error)

	mu       sync.Mutex
	state    State
	started  bool
	stopping bool
	cancel   context.CancelFunc
	ln       net.Listener
	conn     link.Conn
	cfg      *protocol.SensorConfig
	err      error

	stopOnce    sync.Once
	doneOnce    sync.Once
	lnClose     sync.Once
	connClose   sync.Once
	done        chan struct{}
	stats       counters
	consecutive int
	checksumLog throttle
	rejectLog   throttle
}

type Option func(*Session)

func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithNegotiation(opts protocol.NegotiateOptions) Option {
	return func(s *Session) {
		s.negotiate = opts
	}
}

func WithLimits(l protocol.Limits) Option {
	return func(s *Session) {
		s.limits = l
	}
}

func WithWarnEvery(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.warnEvery = n
		}
	}
}

func WithLogInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.logInterval = d
		}
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

func NewSession(hub *Hub, opts ...Option) *Session {
	s := &Session{
		hub:         hub,
		log:         logrus.NewEntry(logrus.StandardLogger()),
		readTimeout: DefaultReadTimeout,
		limits:      protocol.DefaultLimits(),
		warnEvery:   DefaultWarnEvery,
		logInterval: defaultLogInterval,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "session")
	s.checksumLog.interval = s.logInterval
	s.rejectLog.interval = s.logInterval
	return s
}

// StartListening binds addr and serves the first rig that connects.
func (s *Session) StartListening(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	if err := s.Serve(ctx, ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve accepts one connection from ln in the background. The session takes
// ownership of ln and closes it.
func (s *Session) Serve(ctx context.Context, ln net.Listener) error {
	runCtx, err := s.begin(ctx, ln, nil)
	if err != nil {
		return err
	}
	go s.run(runCtx, ln, nil)
	return nil
}

// ServeConn negotiates and streams from an already open link such as a
// serial port or a capture replay.
func (s *Session) ServeConn(ctx context.Context, conn link.Conn) error {
	runCtx, err := s.begin(ctx, nil, conn)
	if err != nil {
		return err
	}
	go s.run(runCtx, nil, conn)
	return nil
}

func (s *Session) begin(ctx context.Context, ln net.Listener, conn link.Conn) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrAlreadyStarted
	}
	if s.stopping {
		return nil, ErrStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.ln = ln
	s.conn = conn
	context.AfterFunc(runCtx, s.shutdown)
	return runCtx, nil
}

// Stop cancels the session and waits for it to reach StateDisconnected.
// Calling it again is a no-op. A session stopped before it started is done
// at once and refuses to start later.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		started := s.started
		s.stopping = true
		s.mu.Unlock()
		if !started {
			s.closeDone()
			return
		}
		s.shutdown()
		cancel()
	})
	<-s.done
}

// Done is closed once the session has disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns the fault that ended it, or
// nil after Stop or a clean terminate.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns a copy of the negotiated configuration.
func (s *Session) Config() (protocol.SensorConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return protocol.SensorConfig{}, false
	}
	return s.cfg.Clone(), true
}

// Addr is the bound listen address, or nil when serving a link directly.
func (s *Session) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Session) Stats() Stats {
	return Stats{
		Frames:              s.stats.frames.Load(),
		Accepted:            s.stats.accepted.Load(),
		ChecksumFailures:    s.stats.checksum.Load(),
		Rejected:            s.stats.rejected.Load(),
		Timeouts:            s.stats.timeouts.Load(),
		NegotiationAttempts: s.stats.negotiation.Load(),
		Warnings:            s.stats.warnings.Load(),
	}
}

func (s *Session) run(ctx context.Context, ln net.Listener, conn link.Conn) {
	defer s.closeDone()
	defer s.finish()

	if ln != nil {
		s.setState(StateListening)
		s.log.WithField("addr", ln.Addr().String()).Info("waiting for rig")
		accepted, err := ln.Accept()
		if err != nil {
			s.fail(errors.Wrap(err, "accept"))
			return
		}
		s.lnClose.Do(func() { _ = ln.Close() })

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = accepted.Close()
			return
		}
		s.conn = accepted
		s.mu.Unlock()
		conn = accepted
		s.log.WithField("remote", accepted.RemoteAddr().String()).Info("rig connected")
	}
	s.setState(StateConnected)

	reader := link.NewFrameReader(conn, s.readTimeout)
	s.setState(StateConfiguring)

	nopts := s.negotiate
	userMismatch := nopts.OnMismatch
	nopts.OnMismatch = func(attempt int, got uint32, want uint32) {
		s.stats.negotiation.Add(1)
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"got":     fmt.Sprintf("0x%08x", got),
			"want":    fmt.Sprintf("0x%08x", want),
		}).Warn("config checksum mismatch, waiting for retransmit")
		if userMismatch != nil {
			userMismatch(attempt, got, want)
		}
	}
	cfg, err := protocol.Negotiate(ctx, reader, nopts)
	s.stats.negotiation.Add(1)
	if err != nil {
		s.fail(errors.Wrap(err, "negotiate"))
		return
	}

	s.mu.Lock()
	stored := cfg.Clone()
	s.cfg = &stored
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"pmmg":        len(cfg.PMMGIDs),
		"fsr":         len(cfg.FSRIDs),
		"imu":         len(cfg.IMUIDs),
		"emg":         len(cfg.EMGIDs),
		"buttons":     cfg.ButtonCount,
		"packet_size": cfg.PacketSize(),
	}).Info("sensor config negotiated")
	s.publish(Event{Kind: EventConfig, Config: cfg})
	s.setState(StateStreaming)

	if err := s.stream(ctx, reader, cfg); err != nil {
		if stderrors.Is(err, errTerminated) {
			s.log.Info("rig sent terminate marker")
			return
		}
		s.fail(err)
	}
}

func (s *Session) stream(ctx context.Context, r *link.FrameReader, cfg protocol.SensorConfig) error {
	size := cfg.PacketSize()
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := r.ReadExact(size)
		if err != nil {
			switch {
			case stderrors.Is(err, link.ErrTimeout):
				s.stats.timeouts.Add(1)
				if isTerminate(r.Pending()) {
					return errTerminated
				}
				continue
			case stderrors.Is(err, link.ErrConnectionClosed):
				if isTerminate(r.Pending()) {
					return errTerminated
				}
				return errors.Wrap(err, "stream")
			default:
				return errors.Wrap(err, "stream")
			}
		}
		s.handleFrame(frame, cfg)
	}
}

func isTerminate(pending []byte) bool {
	return len(pending) == 1 && pending[0] == protocol.TerminateMarker
}

// handleFrame decodes once, applies the plausibility gate and dispatches.
// A bad checksum alone only warns; implausible values drop the packet.
func (s *Session) handleFrame(frame []byte, cfg protocol.SensorConfig) {
	now := time.Now()
	s.stats.frames.Add(1)

	pkt, err := protocol.Decode(frame, cfg)
	if err != nil {
		// ReadExact returned exactly PacketSize bytes, so this is unreachable
		// short of a bug; count it as a rejection rather than stall.
		s.stats.rejected.Add(1)
		s.noteCorrupt()
		return
	}
	pkt.Received = now

	corrupt := false
	if !pkt.ChecksumValid {
		corrupt = true
		s.stats.checksum.Add(1)
		if ok, skipped := s.checksumLog.allow(now); ok {
			s.log.WithFields(logrus.Fields{
				"timestamp":  pkt.Timestamp,
				"suppressed": skipped,
			}).Warn("packet checksum mismatch")
		}
	}

	if err := s.limits.Check(pkt); err != nil {
		s.stats.rejected.Add(1)
		if ok, skipped := s.rejectLog.allow(now); ok {
			s.log.WithFields(logrus.Fields{
				"reason":     err.Error(),
				"checksum":   pkt.ChecksumValid,
				"suppressed": skipped,
			}).Debug("packet rejected")
		}
		s.noteCorrupt()
		return
	}

	if corrupt {
		s.noteCorrupt()
	} else {
		s.consecutive = 0
	}

	s.stats.accepted.Add(1)
	s.publish(Event{Kind: EventPacket, Time: now, Packet: pkt})
}

func (s *Session) noteCorrupt() {
	s.consecutive++
	if s.consecutive < s.warnEvery {
		return
	}
	msg := fmt.Sprintf("%d consecutive corrupted packets", s.consecutive)
	s.consecutive = 0
	s.stats.warnings.Add(1)
	s.log.Warn(msg)
	s.publish(Event{Kind: EventWarning, Message: msg})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.log.WithError(err).Error("sensor link failed")
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
	s.publish(Event{Kind: EventError, Err: err})
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) finish() {
	s.closeResources()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

// shutdown marks the session as stopping and unblocks any pending accept or
// read by closing the listener and the link.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.closeResources()
}

func (s *Session) closeResources() {
	s.mu.Lock()
	ln, conn := s.ln, s.conn
	s.mu.Unlock()
	if ln != nil {
		s.lnClose.Do(func() { _ = ln.Close() })
	}
	if conn != nil {
		s.connClose.Do(func() { _ = conn.Close() })
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"from": prev.String(), "to": st.String()}).Debug("state change")
	s.publish(Event{Kind: EventState, State: st})
}

func (s *Session) publish(ev Event) {
	if s.hub == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.hub.Publish(ev)
}
