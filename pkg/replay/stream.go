package replay

import (
	"io"
	"os"
	"sync"
	"time"
)

// Stream plays a Capture back as a link. With pacing enabled segments are
// released on the capture's own timeline, so read deadlines expire the way
// they did on the live link; otherwise bytes are available immediately.
type Stream struct {
	segments []Segment
	pace     bool
	speed    float64

	mu       sync.Mutex
	idx      int
	off      int
	start    time.Time
	origin   time.Time
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

type StreamOption func(*Stream)

// WithPacing replays on the capture timeline scaled by speed (2 is twice as
// fast). speed <= 0 means real time.
func WithPacing(speed float64) StreamOption {
	return func(s *Stream) {
		s.pace = true
		if speed <= 0 {
			speed = 1
		}
		s.speed = speed
	}
}

func NewStream(c *Capture, opts ...StreamOption) *Stream {
	s := &Stream{closed: make(chan struct{}), speed: 1}
	if c != nil {
		s.segments = c.Segments
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.segments) > 0 {
		s.origin = s.segments[0].At
	}
	return s
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.start.IsZero() {
		s.start = time.Now()
	}
	if s.idx >= len(s.segments) {
		s.mu.Unlock()
		return 0, io.EOF
	}
	seg := s.segments[s.idx]
	due := s.dueLocked(seg)
	deadline := s.deadline
	s.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		if !deadline.IsZero() && deadline.Before(due) {
			if !s.sleep(time.Until(deadline)) {
				return 0, io.ErrClosedPipe
			}
			return 0, os.ErrDeadlineExceeded
		}
		if !s.sleep(wait) {
			return 0, io.ErrClosedPipe
		}
	}

	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, seg.Data[s.off:])
	s.off += n
	if s.off >= len(seg.Data) {
		s.idx++
		s.off = 0
	}
	return n, nil
}

func (s *Stream) dueLocked(seg Segment) time.Time {
	if !s.pace || s.origin.IsZero() {
		return time.Time{}
	}
	offset := float64(seg.At.Sub(s.origin)) / s.speed
	return s.start.Add(time.Duration(offset))
}

// sleep waits for d and reports false if the stream was closed meanwhile.
func (s *Stream) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Remaining reports how many bytes have not been read yet.
func (s *Stream) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := s.idx; i < len(s.segments); i++ {
		n += len(s.segments[i].Data)
	}
	return n - s.off
}
