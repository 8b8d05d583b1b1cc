package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Handler drives one established connection. Returning nil ends the dialer;
// returning an error closes the connection and dials again after a backoff.
type Handler func(ctx context.Context, conn net.Conn) error

// Dialer keeps a client connection to a collector alive, the way a rig
// reconnects after the collector restarts.
type Dialer struct {
	addr         string
	handle       Handler
	backoff      Backoff
	dialTimeout  time.Duration
	maxAttempts  int
	errorHandler func(error)
}

type Option func(*Dialer)

func WithReconnectInterval(d time.Duration) Option {
	return func(l *Dialer) {
		if d > 0 {
			l.backoff.Initial = d
		}
	}
}

func WithReconnectMax(d time.Duration) Option {
	return func(l *Dialer) {
		if d > 0 {
			l.backoff.Max = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(l *Dialer) {
		if d > 0 {
			l.dialTimeout = d
		}
	}
}

// WithMaxAttempts bounds consecutive failed dials. Zero keeps retrying.
func WithMaxAttempts(n int) Option {
	return func(l *Dialer) {
		if n >= 0 {
			l.maxAttempts = n
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(l *Dialer) {
		if fn != nil {
			l.errorHandler = fn
		}
	}
}

func NewDialer(addr string, handle Handler, opts ...Option) *Dialer {
	d := &Dialer{
		addr:        addr,
		handle:      handle,
		backoff:     DefaultBackoff(),
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dials until the handler finishes cleanly, ctx ends or the attempt
// budget is spent.
func (d *Dialer) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		var dialer net.Dialer
		dctx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := dialer.DialContext(dctx, "tcp", d.addr)
		cancel()
		if err != nil {
			attempt++
			d.handleError(errors.Wrapf(err, "dial %s", d.addr))
			if d.maxAttempts > 0 && attempt >= d.maxAttempts {
				return errors.Wrapf(err, "dial %s: gave up after %d attempts", d.addr, attempt)
			}
			if !d.backoff.Sleep(ctx, attempt) {
				return nil
			}
			continue
		}

		attempt = 0
		err = d.handleConn(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		d.handleError(err)
		if !d.backoff.Sleep(ctx, 1) {
			return nil
		}
	}
}

func (d *Dialer) handleConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	return d.handle(ctx, conn)
}

func (d *Dialer) handleError(err error) {
	if d.errorHandler != nil {
		d.errorHandler(err)
	}
}

// Backoff is a linear reconnect delay capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 1 * time.Second, Max: 30 * time.Second}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	wait := initial * time.Duration(attempt)
	if b.Max > 0 {
		wait = min(wait, b.Max)
	}
	return wait
}

// Sleep waits for the attempt's delay. It reports false when ctx ended first.
func (b Backoff) Sleep(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
