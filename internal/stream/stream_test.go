package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/wire"
)

// recordingTransport captures every sub-frame a Handle writes, for
// assertions, and can be set to fail every write.
type recordingTransport struct {
	mu     sync.Mutex
	frames []wire.StreamType
	fail   bool
}

func (t *recordingTransport) WriteStreamFrame(st wire.StreamType, _ []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return context.Canceled
	}
	t.frames = append(t.frames, st)
	return nil
}

func (t *recordingTransport) seen() []wire.StreamType {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.StreamType, len(t.frames))
	copy(out, t.frames)
	return out
}

func TestReadReturnsQueuedDataInFIFOOrder(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)

	if err := h.Push(wire.StreamData, []byte("a")); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if err := h.Push(wire.StreamData, []byte("b")); err != nil {
		t.Fatalf("push b: %v", err)
	}

	ctx := context.Background()
	v1, ok := h.Read(ctx)
	if !ok || string(v1) != "a" {
		t.Fatalf("first read = %q, %v", v1, ok)
	}
	v2, ok := h.Read(ctx)
	if !ok || string(v2) != "b" {
		t.Fatalf("second read = %q, %v", v2, ok)
	}
}

func TestReadReturnsNoneAfterWriteDone(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)

	if err := h.Push(wire.StreamWriteDone, nil); err != nil {
		t.Fatalf("push write_done: %v", err)
	}
	if _, ok := h.Read(context.Background()); ok {
		t.Fatal("expected Read to return none after write_done")
	}
}

func TestStatusRegressionFailsWithBadRequest(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)

	if err := h.Push(wire.StreamWriteDone, nil); err != nil {
		t.Fatalf("push write_done: %v", err)
	}
	err := h.Push(wire.StreamData, []byte("late"))
	if err == nil {
		t.Fatal("expected regression to fail")
	}
	if _, ok := h.Read(context.Background()); ok {
		t.Fatal("stream should be terminal after a rejected regression")
	}
}

func TestWriteFalseAfterFinish(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)

	if err := h.Push(wire.StreamFinish, nil); err != nil {
		t.Fatalf("push finish: %v", err)
	}
	if h.Write([]byte("x")) {
		t.Fatal("expected Write to fail once the stream is finished")
	}
}

func TestFinishWaitsForPeerTerminalStatus(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)

	done := make(chan error, 1)
	go func() {
		done <- h.Finish(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Finish returned before the peer reached a terminal status")
	default:
	}

	if err := h.Push(wire.StreamFinish, nil); err != nil {
		t.Fatalf("push finish: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Finish returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Finish did not unblock after peer reached finish")
	}

	frames := tr.seen()
	if len(frames) != 1 || frames[0] != wire.StreamFinish {
		t.Fatalf("expected a single finish frame written, got %v", frames)
	}
}

func TestCloseForcesFailedInternalError(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)
	h.Close()

	if h.Status() != wire.StreamFailed {
		t.Fatalf("status = %v, want failed", h.Status())
	}
	if h.Err() == nil {
		t.Fatal("expected a terminal error after Close")
	}
}

func TestReadAsWriteAsRoundTrip(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)

	type payload struct {
		N int
	}
	if !WriteAs(h, payload{N: 7}) {
		t.Fatal("WriteAs failed")
	}
	// Simulate the peer echoing the frame we just wrote back as inbound.
	encoded, err := codec.PackValue(payload{N: 7})
	if err != nil {
		t.Fatalf("PackValue: %v", err)
	}
	if err := h.Push(wire.StreamData, encoded); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, ok, err := ReadAs[payload](h, context.Background())
	if err != nil || !ok {
		t.Fatalf("ReadAs: ok=%v err=%v", ok, err)
	}
	if got.N != 7 {
		t.Fatalf("got.N = %d, want 7", got.N)
	}
}

func TestEnableAutoHeartbeatSendsWhenIdle(t *testing.T) {
	tr := &recordingTransport{}
	h := NewHandle(1, tr)
	h.EnableAutoHeartbeat(true, 15*time.Millisecond)
	defer h.EnableAutoHeartbeat(false, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, f := range tr.seen() {
			if f == wire.StreamHeartbeat {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected at least one heartbeat sub-frame to be sent while idle")
}

