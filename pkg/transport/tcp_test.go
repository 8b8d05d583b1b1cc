package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"exolink/pkg/transport"
)

func TestDialerReconnectsAfterHandlerError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	d := transport.NewDialer(ln.Addr().String(), func(ctx context.Context, conn net.Conn) error {
		calls++
		if _, err := conn.Write([]byte{byte(calls)}); err != nil {
			return err
		}
		if calls == 1 {
			return errors.New("rig reset")
		}
		return nil
	},
		transport.WithReconnectInterval(10*time.Millisecond),
		transport.WithDialTimeout(200*time.Millisecond),
	)

	result := make(chan error, 1)
	go func() { result <- d.Run(ctx) }()

	for want := byte(1); want <= 2; want++ {
		conn, err := ln.Accept()
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		buf := make([]byte, 1)
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if buf[0] != want {
			t.Fatalf("connection %d sent %d", want, buf[0])
		}
		_ = conn.Close()
	}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dialer did not finish")
	}
}

func TestDialerGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var failures int
	d := transport.NewDialer(addr, func(context.Context, net.Conn) error { return nil },
		transport.WithReconnectInterval(time.Millisecond),
		transport.WithMaxAttempts(3),
		transport.WithErrorHandler(func(error) { failures++ }),
	)
	if err := d.Run(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}
	if failures != 3 {
		t.Fatalf("expected 3 reported failures, got %d", failures)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := transport.Backoff{Initial: 100 * time.Millisecond, Max: 250 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{5, 250 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if (transport.Backoff{Initial: time.Hour}).Sleep(ctx, 1) {
		t.Fatalf("sleep should stop on cancelled context")
	}
}
