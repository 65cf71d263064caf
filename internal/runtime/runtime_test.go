package runtime

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/ratelimit"
)

func TestAcceptorServesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var handled atomic.Int64
	handler := func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		handled.Add(1)
		buf := make([]byte, 4)
		conn.Read(buf)
	}

	a := NewAcceptor(ln, handler, nil, nil, Config{Reactors: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Serve(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Write([]byte("ping"))
		conn.Close()
	}

	deadline := time.After(2 * time.Second)
	for handled.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("only %d/5 connections handled", handled.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if !a.Drain() {
		t.Fatalf("drain did not complete before timeout")
	}
}

func TestAcceptorRejectsBeyondMaxConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	block := make(chan struct{})
	var handled atomic.Int64
	handler := func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		handled.Add(1)
		<-block
	}

	a := NewAcceptor(ln, handler, nil, nil, Config{Reactors: 1, MaxConnections: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	for handled.Load() < 1 {
		time.Sleep(5 * time.Millisecond)
	}

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected second connection to be closed by the acceptor")
	}

	if a.ActiveConnections() != 1 {
		t.Fatalf("active connections = %d, want 1", a.ActiveConnections())
	}
	close(block)
}

func TestAcceptorHonorsRateLimiter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var handled atomic.Int64
	handler := func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		handled.Add(1)
	}

	rl := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     0,
		MaxConnectionsPerMinute: 1,
		BanDurationSeconds:      60,
		CleanupIntervalSeconds:  0,
	})

	a := NewAcceptor(ln, handler, rl, nil, Config{Reactors: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)

	conn1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	conn1.Close()

	conn2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn2.Read(buf); err == nil {
		t.Fatalf("expected second connection to be rejected by the rate limiter")
	}

	deadline := time.After(time.Second)
	for handled.Load() < 1 {
		select {
		case <-deadline:
			t.Fatalf("first connection was never handled")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if handled.Load() != 1 {
		t.Fatalf("handled = %d, want 1", handled.Load())
	}
}

func TestWithShutdownSignalsNotCancelledWithoutSignal(t *testing.T) {
	ctx, stop := WithShutdownSignals(context.Background())
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatalf("context cancelled without a signal")
	default:
	}
}
