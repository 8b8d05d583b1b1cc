package engine_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func rigConfig() protocol.SensorConfig {
	return protocol.SensorConfig{
		PMMGIDs:     []uint8{1, 2, 3},
		IMUIDs:      []uint8{5, 9},
		EMGIDs:      []uint8{10, 11, 12, 13},
		ButtonCount: 5,
	}
}

func saneFrame(ts uint32) protocol.RawFrame {
	return protocol.RawFrame{
		Timestamp: ts,
		PMMG:      []int16{100, 200, 300},
		IMU:       [][4]int16{{16384, 0, 0, 0}, {0, 16384, 0, 0}},
		EMG:       []int16{10, 20, 30, 40},
		Buttons:   []bool{true},
	}
}

type harness struct {
	hub    *engine.Hub
	events <-chan engine.Event
	cancel context.CancelFunc
}

func newHarness(t *testing.T) (*harness, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	go hub.Run(ctx)
	h := &harness{hub: hub, events: hub.SubscribeWithBuffer(1024), cancel: cancel}
	t.Cleanup(cancel)
	return h, ctx
}

func (h *harness) next(t *testing.T, kind engine.EventKind) engine.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", kind)
			return engine.Event{}
		}
	}
}

// drain collects everything published within d.
func (h *harness) drain(d time.Duration) []engine.Event {
	var out []engine.Event
	timeout := time.After(d)
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}

func dialRig(t *testing.T, s *engine.Session, cfg protocol.SensorConfig) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	handshake, err := protocol.EncodeConfig(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if _, err := conn.Write(handshake); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn
}

func TestSessionStreamsAndGatesPackets(t *testing.T) {
	h, ctx := newHarness(t)
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	defer s.Stop()

	cfg := rigConfig()
	conn := dialRig(t, s, cfg)

	got := h.next(t, engine.EventConfig).Config
	if got.PacketSize() != 47 {
		t.Fatalf("unexpected packet size %d", got.PacketSize())
	}

	good := protocol.EncodePacket(saneFrame(1), cfg)
	badSum := protocol.EncodePacket(saneFrame(2), cfg)
	badSum[len(badSum)-1] ^= 0xFF
	insane := saneFrame(3)
	insane.IMU[1] = [4]int16{0, 0, 0, 0}
	badQuat := protocol.EncodePacket(insane, cfg)
	badQuat[len(badQuat)-1] ^= 0xFF

	for _, frame := range [][]byte{good, badSum, badQuat} {
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	first := h.next(t, engine.EventPacket).Packet
	if first.Timestamp != 1 || !first.ChecksumValid {
		t.Fatalf("unexpected first packet: ts=%d checksum=%v", first.Timestamp, first.ChecksumValid)
	}
	second := h.next(t, engine.EventPacket).Packet
	if second.Timestamp != 2 || second.ChecksumValid {
		t.Fatalf("checksum-failed but sane packet should be delivered flagged: ts=%d checksum=%v", second.Timestamp, second.ChecksumValid)
	}
	if second.EMG[0] != 0.01 {
		t.Fatalf("unexpected emg value %v", second.EMG[0])
	}

	if _, err := conn.Write([]byte{protocol.TerminateMarker}); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	_ = conn.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end after terminate marker")
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}

	stats := s.Stats()
	if stats.Frames != 3 || stats.Accepted != 2 || stats.ChecksumFailures != 2 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	for _, ev := range h.drain(50 * time.Millisecond) {
		if ev.Kind == engine.EventPacket {
			t.Fatalf("rejected packet was dispatched: ts=%d", ev.Packet.Timestamp)
		}
		if ev.Kind == engine.EventError {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
}

func TestSessionTerminateMarkerWhileIdle(t *testing.T) {
	h, ctx := newHarness(t)
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	defer s.Stop()

	conn := dialRig(t, s, rigConfig())
	h.next(t, engine.EventConfig)
	if _, err := conn.Write([]byte{protocol.TerminateMarker}); err != nil {
		t.Fatalf("write terminate: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end on idle terminate marker")
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
}

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type countingListener struct {
	net.Listener
	conns chan *countingConn
}

func (l countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	cc := &countingConn{Conn: c}
	l.conns <- cc
	return cc, nil
}

func TestSessionStopIsIdempotent(t *testing.T) {
	h, ctx := newHarness(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	wrapped := countingListener{Listener: ln, conns: make(chan *countingConn, 1)}

	var errorsSeen atomic.Int32
	s := engine.NewSession(h.hub,
		engine.WithLogger(quietLogger()),
		engine.WithErrorHandler(func(error) { errorsSeen.Add(1) }),
	)
	if err := s.Serve(ctx, wrapped); err != nil {
		t.Fatalf("serve: %v", err)
	}

	dialRig(t, s, rigConfig())
	h.next(t, engine.EventConfig)
	for h.next(t, engine.EventState).State != engine.StateStreaming {
	}

	s.Stop()
	s.Stop()

	if s.State() != engine.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
	disconnects := 0
	for _, ev := range h.drain(100 * time.Millisecond) {
		if ev.Kind == engine.EventState && ev.State == engine.StateDisconnected {
			disconnects++
		}
		if ev.Kind == engine.EventError {
			t.Fatalf("stop must not surface a connection error: %v", ev.Err)
		}
	}
	if disconnects != 1 {
		t.Fatalf("expected one disconnect transition, got %d", disconnects)
	}
	if errorsSeen.Load() != 0 {
		t.Fatalf("error handler called %d times", errorsSeen.Load())
	}

	conn := <-wrapped.conns
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("expected socket closed once, got %d", n)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	s := engine.NewSession(nil, engine.WithLogger(quietLogger()))
	s.Stop()
	s.Stop()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after stop")
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("wait after stop: %v", err)
	}
	if s.State() != engine.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}

	client, rig := net.Pipe()
	defer rig.Close()
	defer client.Close()
	if err := s.ServeConn(context.Background(), client); !errors.Is(err, engine.ErrStopped) {
		t.Fatalf("expected stopped session to refuse start, got %v", err)
	}
}

func TestSessionStopWhileListening(t *testing.T) {
	h, ctx := newHarness(t)
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	for h.next(t, engine.EventState).State != engine.StateListening {
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("stop did not unblock accept")
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if err := s.StartListening(ctx, "127.0.0.1:0"); !errors.Is(err, engine.ErrAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}
}

func TestSessionStopsWithContext(t *testing.T) {
	h, _ := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session ignored context cancellation")
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestSessionReportsPeerReset(t *testing.T) {
	h, ctx := newHarness(t)
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	defer s.Stop()

	conn := dialRig(t, s, rigConfig())
	h.next(t, engine.EventConfig)
	frame := protocol.EncodePacket(saneFrame(1), rigConfig())
	if _, err := conn.Write(frame[:10]); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = conn.Close()

	ev := h.next(t, engine.EventError)
	if ev.Err == nil {
		t.Fatalf("expected error payload")
	}
	if err := s.Wait(); err == nil {
		t.Fatalf("expected session fault")
	}
	if s.State() != engine.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
}

func TestSessionFailsOnMalformedNegotiation(t *testing.T) {
	h, ctx := newHarness(t)
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	header := []byte{0, 0, 2, 0}
	ids := []byte{4, 4}
	sum := protocol.Checksum(header, ids)
	stream := append(append(header, ids...), byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := h.next(t, engine.EventError)
	if !errors.Is(ev.Err, protocol.ErrMalformedConfig) {
		t.Fatalf("expected malformed config, got %v", ev.Err)
	}
}

func TestSessionWarnsOnConsecutiveCorruption(t *testing.T) {
	h, ctx := newHarness(t)
	s := engine.NewSession(h.hub, engine.WithLogger(quietLogger()), engine.WithWarnEvery(3))
	if err := s.StartListening(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	defer s.Stop()

	cfg := rigConfig()
	conn := dialRig(t, s, cfg)
	h.next(t, engine.EventConfig)

	for i := 0; i < 3; i++ {
		frame := protocol.EncodePacket(saneFrame(uint32(i)), cfg)
		frame[len(frame)-2]++
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	ev := h.next(t, engine.EventWarning)
	if ev.Message == "" {
		t.Fatalf("expected warning text")
	}
	if got := s.Stats().Warnings; got != 1 {
		t.Fatalf("expected one warning, got %d", got)
	}
}

func TestSessionServeConnRetriesNegotiation(t *testing.T) {
	h, ctx := newHarness(t)
	client, rig := net.Pipe()
	defer rig.Close()

	s := engine.NewSession(h.hub,
		engine.WithLogger(quietLogger()),
		engine.WithNegotiation(protocol.NegotiateOptions{RetryDelay: time.Millisecond}),
	)
	if err := s.ServeConn(ctx, client); err != nil {
		t.Fatalf("serve conn: %v", err)
	}
	defer s.Stop()

	cfg := rigConfig()
	good, _ := protocol.EncodeConfig(cfg)
	bad := append([]byte(nil), good...)
	// only the trailing checksum is wrong, so the header still frames the resend.
	bad[len(bad)-1]++
	go func() {
		_, _ = rig.Write(bad)
		_, _ = rig.Write(good)
	}()

	got := h.next(t, engine.EventConfig).Config
	if len(got.EMGIDs) != 4 || len(got.IMUIDs) != 2 {
		t.Fatalf("unexpected config %+v", got)
	}
	if n := s.Stats().NegotiationAttempts; n != 2 {
		t.Fatalf("expected two negotiation attempts, got %d", n)
	}
}
