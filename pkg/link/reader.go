package link

import (
	stderrors "errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout reports that the read deadline passed without any new bytes.
	ErrTimeout = stderrors.New("link: read timeout")
	// ErrConnectionClosed reports that the peer went away or the link failed.
	ErrConnectionClosed = stderrors.New("link: connection closed")
)

// Conn is the byte stream a FrameReader pulls from. net.Conn satisfies it.
type Conn interface {
	io.Reader
	io.Closer
	SetReadDeadline(t time.Time) error
}

// FrameReader reads exact-length chunks from a streaming link.
//
// Bytes that arrived before a timeout are kept and the next ReadExact call
// continues filling the same frame, so a slow sender never shifts frame
// boundaries.
type FrameReader struct {
	conn    Conn
	timeout time.Duration
	pending []byte
}

func NewFrameReader(conn Conn, timeout time.Duration) *FrameReader {
	return &FrameReader{conn: conn, timeout: timeout}
}

func (r *FrameReader) SetTimeout(d time.Duration) {
	r.timeout = d
}

func (r *FrameReader) Timeout() time.Duration {
	return r.timeout
}

// ReadExact blocks until exactly n bytes are available and returns them in a
// fresh slice. Pending bytes beyond n stay queued for the next call. It returns
// ErrTimeout when a whole read timeout elapses with no progress, and
// ErrConnectionClosed (wrapped) when the link ends.
func (r *FrameReader) ReadExact(n int) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	if cap(r.pending) < n {
		grown := make([]byte, len(r.pending), n)
		copy(grown, r.pending)
		r.pending = grown
	}

	for len(r.pending) < n {
		if r.timeout > 0 {
			_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
		}
		got := len(r.pending)
		m, err := r.conn.Read(r.pending[got:n])
		r.pending = r.pending[:got+m]
		if len(r.pending) == n {
			break
		}
		if err != nil {
			if isTimeout(err) {
				if m > 0 {
					continue
				}
				return nil, ErrTimeout
			}
			if stderrors.Is(err, io.EOF) {
				return nil, errors.Wrapf(ErrConnectionClosed, "peer closed after %d of %d bytes", len(r.pending), n)
			}
			return nil, errors.Wrapf(ErrConnectionClosed, "read: %v", err)
		}
		if m == 0 {
			// A reader that returns (0, nil) is treated like an expired
			// deadline, which is how serial ports report an idle line.
			return nil, ErrTimeout
		}
	}

	frame := make([]byte, n)
	copy(frame, r.pending[:n])
	rest := copy(r.pending, r.pending[n:])
	r.pending = r.pending[:rest]
	return frame, nil
}

// Pending returns the bytes received toward the frame currently being read.
func (r *FrameReader) Pending() []byte {
	return r.pending
}

// Reset drops any partially received frame.
func (r *FrameReader) Reset() {
	r.pending = r.pending[:0]
}

func (r *FrameReader) Close() error {
	return r.conn.Close()
}

func isTimeout(err error) bool {
	if stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if stderrors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

type noDeadline struct {
	io.Reader
}

// NoDeadline adapts a plain reader (a capture file, a buffer) to Conn. Reads
// never time out and Close closes the reader when it is an io.Closer.
func NoDeadline(r io.Reader) Conn {
	return noDeadline{Reader: r}
}

func (n noDeadline) SetReadDeadline(time.Time) error {
	return nil
}

func (n noDeadline) Close() error {
	if c, ok := n.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
