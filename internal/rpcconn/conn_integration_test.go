package rpcconn_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/broker"
	"github.com/carlosrabelo/karoorpc/internal/demo"
	"github.com/carlosrabelo/karoorpc/internal/metrics"
	"github.com/carlosrabelo/karoorpc/internal/router"
	"github.com/carlosrabelo/karoorpc/internal/rpcclient"
	"github.com/carlosrabelo/karoorpc/internal/rpcconn"
	"github.com/carlosrabelo/karoorpc/internal/stream"
	"github.com/carlosrabelo/karoorpc/pkg/logger"
)

// startServer runs one rpcconn.Conn per accepted connection against the
// demo handlers, the way cmd/karoocd wires the server up, and returns the
// listener address. It stops when ctx is cancelled.
func startServer(t *testing.T, ctx context.Context) string {
	t.Helper()
	rtr := router.New()
	if err := demo.Register(rtr); err != nil {
		t.Fatalf("demo.Register: %v", err)
	}
	br := broker.New(metrics.NewCollector(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c := rpcconn.NewConn(conn, rtr, br, nil, metrics.NewCollector(), logger.WithPrefix("test-server"), rpcconn.DefaultConfig())
			go c.Serve(ctx)
		}
	}()
	return ln.Addr().String()
}

func dialClient(t *testing.T, ctx context.Context, addr string) *rpcclient.Client {
	t.Helper()
	cfg := rpcclient.DefaultConfig(addr)
	cfg.Reconnect = false
	cfg.Keepalive = false
	c := rpcclient.New(cfg, metrics.NewCollector(), logger.WithPrefix("test-client"))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

// TestE1Add covers spec §8's E1 scenario: call<int32>("add", 1, 2) == 3.
func TestE1Add(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := startServer(t, ctx)

	c := dialClient(t, ctx, addr)
	defer c.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	start := time.Now()
	value, err := c.Call(callCtx, "add", int64(1), int64(2))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("round trip took %v, want under 100ms on localhost", elapsed)
	}
	sum, ok := value.(int64)
	if !ok || sum != 3 {
		t.Fatalf("add(1,2) = %v, want 3", value)
	}
}

// TestE2Translate covers spec §8's E2 scenario.
func TestE2Translate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := startServer(t, ctx)

	c := dialClient(t, ctx, addr)
	defer c.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	value, err := c.Call(callCtx, "translate", "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if value != "HELLO" {
		t.Fatalf("translate(hello) = %v, want HELLO", value)
	}
}

// TestE4Timeout covers spec §8's E4 scenario: a slow handler, a short call
// that times out, and a longer call that completes with the real result.
func TestE4Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := startServer(t, ctx)

	c := dialClient(t, ctx, addr)
	defer c.Close()

	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	if _, err := c.Call(shortCtx, "slow_echo", int64(200), "late"); err == nil {
		t.Fatal("expected timeout error for 50ms call against a 200ms handler")
	}

	longCtx, longCancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer longCancel()
	value, err := c.Call(longCtx, "slow_echo", int64(200), "late")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if value != "late" {
		t.Fatalf("slow_echo result = %v, want %q", value, "late")
	}
}

// TestE5StreamEcho covers spec §8's E5 scenario: 10 frames written in
// descending order must come back with the server's suffix, in order, and
// Finish must report success.
func TestE5StreamEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := startServer(t, ctx)

	c := dialClient(t, ctx, addr)
	defer c.Close()

	upCtx, upCancel := context.WithTimeout(ctx, 2*time.Second)
	defer upCancel()
	h, err := c.UpgradeToStream(upCtx, "echo_stream")
	if err != nil {
		t.Fatalf("UpgradeToStream: %v", err)
	}

	for i := 10; i >= 1; i-- {
		msg := msgN(i)
		if !stream.WriteAs(h, msg) {
			t.Fatalf("Write(%q) failed: %v", msg, h.Err())
		}
	}
	h.WriteDone()

	for i := 10; i >= 1; i-- {
		want := msgN(i) + " from server"
		readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
		got, ok, err := stream.ReadAs[string](h, readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !ok {
			t.Fatalf("Read returned none before exhausting 10 expected frames (at i=%d)", i)
		}
		if got != want {
			t.Fatalf("frame = %q, want %q", got, want)
		}
	}

	finCtx, finCancel := context.WithTimeout(ctx, 2*time.Second)
	defer finCancel()
	if err := h.Finish(finCtx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func msgN(i int) string {
	return "msg " + strconv.Itoa(i)
}
