package rpcclient

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/metrics"
	"github.com/carlosrabelo/karoorpc/internal/wire"
	"github.com/carlosrabelo/karoorpc/pkg/logger"
)

// fakeServer is a hand-rolled RPC peer good enough to drive Client's wire
// behavior without pulling in internal/rpcconn (kept one-directional and
// single-connection, the way the teacher's tests fake a socket peer).
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T, handle func(conn net.Conn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return fs
}

func readFrame(t *testing.T, conn net.Conn) (wire.Header, []byte) {
	t.Helper()
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hdrBuf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var body []byte
	if hdr.BodyLen > 0 {
		body = make([]byte, hdr.BodyLen)
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return hdr, body
}

func writeFrame(t *testing.T, conn net.Conn, hdr wire.Header, body []byte) {
	t.Helper()
	buf := make([]byte, wire.HeaderSize+len(body))
	hdr.EncodeInto(buf)
	copy(buf[wire.HeaderSize:], body)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	fs := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		hdr, body := readFrame(t, conn)
		if hdr.ReqType != wire.ReqCall {
			t.Errorf("req_type = %v, want call", hdr.ReqType)
		}
		args, err := codec.UnpackArgs(body)
		if err != nil || len(args) != 1 {
			t.Errorf("UnpackArgs: %v %v", args, err)
		}
		reply, _ := codec.EncodeOK("pong")
		writeFrame(t, conn, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqResponse, BodyLen: uint32(len(reply)), ReqID: hdr.ReqID}, reply)
	})

	cfg := DefaultConfig(fs.ln.Addr().String())
	cfg.Reconnect = false
	cfg.Keepalive = false
	c := New(cfg, metrics.NewCollector(), logger.WithPrefix("test"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := c.Call(ctx, "ping", "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if value != "pong" {
		t.Fatalf("value = %v, want pong", value)
	}
}

func TestCallFailReplyReturnsError(t *testing.T) {
	fs := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		hdr, _ := readFrame(t, conn)
		reply, _ := codec.EncodeFail("nope")
		writeFrame(t, conn, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqResponse, BodyLen: uint32(len(reply)), ReqID: hdr.ReqID}, reply)
	})

	cfg := DefaultConfig(fs.ln.Addr().String())
	cfg.Reconnect = false
	cfg.Keepalive = false
	c := New(cfg, metrics.NewCollector(), logger.WithPrefix("test"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Call(ctx, "boom"); err == nil {
		t.Fatal("expected error for fail reply")
	}
}

func TestCallTimesOutWhenServerNeverReplies(t *testing.T) {
	fs := startFakeServer(t, func(conn net.Conn) {
		readFrame(t, conn)
		time.Sleep(2 * time.Second)
		conn.Close()
	})

	cfg := DefaultConfig(fs.ln.Addr().String())
	cfg.Reconnect = false
	cfg.Keepalive = false
	c := New(cfg, metrics.NewCollector(), logger.WithPrefix("test"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	fut, err := c.AsyncCall("slow", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AsyncCall: %v", err)
	}
	_, err = fut.Wait(ctx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	code, ok := codeOf(err)
	if !ok || code != "timeout" {
		t.Fatalf("err = %v, want timeout code", err)
	}
}

func TestSubscribeDeliversServerPublish(t *testing.T) {
	fs := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		hdr, _ := readFrame(t, conn)
		ack, _ := codec.EncodeOK(nil)
		writeFrame(t, conn, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqResponse, BodyLen: uint32(len(ack)), ReqID: hdr.ReqID}, ack)

		publishBody, _ := codec.PackArgsStr(codec.CodeOK, "topic", "hello")
		writeFrame(t, conn, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqPublish, BodyLen: uint32(len(publishBody))}, publishBody)
	})

	cfg := DefaultConfig(fs.ln.Addr().String())
	cfg.Reconnect = false
	cfg.Keepalive = false
	c := New(cfg, metrics.NewCollector(), logger.WithPrefix("test"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got := make(chan any, 1)
	if err := c.Subscribe("topic", func(data any) { got <- data }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case data := <-got:
		if data != "hello" {
			t.Fatalf("data = %v, want hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish delivery")
	}
}

func TestDuplicateSubscribeRejectedLocally(t *testing.T) {
	fs := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		hdr, _ := readFrame(t, conn)
		ack, _ := codec.EncodeOK(nil)
		writeFrame(t, conn, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqResponse, BodyLen: uint32(len(ack)), ReqID: hdr.ReqID}, ack)
	})

	cfg := DefaultConfig(fs.ln.Addr().String())
	cfg.Reconnect = false
	cfg.Keepalive = false
	c := New(cfg, metrics.NewCollector(), logger.WithPrefix("test"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe("dup", func(any) {}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := c.Subscribe("dup", func(any) {}); err == nil {
		t.Fatal("expected duplicate subscribe to be rejected")
	}
}

// TestReconnectReplaysSubscriptionsExactlyOnce drives a real reconnect
// cycle end to end (spec §8 invariant 5): the first generation's socket is
// dropped out from under the client after a subscribe acks, and the
// second generation must receive exactly one resubscribe for the same key
// before any publish is delivered again. This also guards against the
// stale-writeLoop bug where a retired generation kept draining into the
// newly dialed socket's write queue: if that regressed, the server side
// here would see either a corrupted/duplicate frame on the second
// connection or the post-reconnect publish delivered twice.
func TestReconnectReplaysSubscriptionsExactlyOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	cfg := DefaultConfig(ln.Addr().String())
	cfg.Reconnect = true
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.Keepalive = false
	c := New(cfg, metrics.NewCollector(), logger.WithPrefix("test"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	var first net.Conn
	select {
	case first = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first connection")
	}

	got := make(chan any, 4)
	if err := c.Subscribe("topic", func(data any) { got <- data }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	hdr, _ := readFrame(t, first)
	if hdr.ReqType != wire.ReqSubscribe {
		t.Fatalf("req_type = %v, want subscribe", hdr.ReqType)
	}
	ack, _ := codec.EncodeOK(nil)
	writeFrame(t, first, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqResponse, BodyLen: uint32(len(ack)), ReqID: hdr.ReqID}, ack)
	first.Close()

	var second net.Conn
	select {
	case second = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	defer second.Close()

	hdr2, body2 := readFrame(t, second)
	if hdr2.ReqType != wire.ReqSubscribe {
		t.Fatalf("req_type = %v, want subscribe on reconnect", hdr2.ReqType)
	}
	args, err := codec.UnpackArgs(body2)
	if err != nil || len(args) != 1 || args[0] != "topic" {
		t.Fatalf("resubscribe args = %v, %v", args, err)
	}
	ack2, _ := codec.EncodeOK(nil)
	writeFrame(t, second, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqResponse, BodyLen: uint32(len(ack2)), ReqID: hdr2.ReqID}, ack2)

	publishBody, _ := codec.PackArgsStr(codec.CodeOK, "topic", "again")
	writeFrame(t, second, wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqPublish, BodyLen: uint32(len(publishBody))}, publishBody)

	select {
	case data := <-got:
		if data != "again" {
			t.Fatalf("data = %v, want again", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-reconnect publish delivery")
	}

	select {
	case data := <-got:
		t.Fatalf("unexpected extra delivery after reconnect: %v", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func codeOf(err error) (string, bool) {
	type coder interface{ Is(string) bool }
	for _, code := range []string{"timeout", "broken_pipe", "bad_request", "internal_error"} {
		if c, ok := err.(coder); ok && c.Is(code) {
			return code, true
		}
	}
	return "", false
}
