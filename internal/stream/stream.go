// Package stream implements the bidirectional typed stream channel a
// connection upgrades into after a "stream" reply (spec §4.5). There is no
// direct teacher analogue -- karoo is request/reply only -- so this package
// is grounded on the teacher's internal/nonce "ready gate" pattern (an
// atomic status plus a condition/channel callers block on) generalized from
// a one-shot gate into a full read/write queue with a monotonic status.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/wire"
	apperrors "github.com/carlosrabelo/karoorpc/pkg/errors"
)

// Transport is the narrow sink a Handle writes sub-frames through. rpcconn
// implements it over the connection's single-outstanding-write queue.
type Transport interface {
	WriteStreamFrame(t wire.StreamType, payload []byte) error
}

// Handle is the application-facing stream contract of spec §4.5: read,
// write, write_done, finish, and an optional auto-heartbeat.
type Handle struct {
	reqID     uint64
	transport Transport

	mu               sync.Mutex
	cond             *sync.Cond
	queue            [][]byte
	status           wire.StreamType // last-applied inbound status; zero value means "none"
	writeDoneSent    bool
	closed           bool
	terminalErr      error
	lastReadActivity time.Time
	heartbeatCancel  context.CancelFunc
}

// NewHandle creates a stream handle bound to reqID, writing sub-frames
// through transport.
func NewHandle(reqID uint64, transport Transport) *Handle {
	h := &Handle{reqID: reqID, transport: transport, lastReadActivity: time.Now()}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// ReqID is the request id the stream was upgraded from, used by rpcconn
// to route inbound sub-frames to this handle.
func (h *Handle) ReqID() uint64 { return h.reqID }

// Status returns the last applied inbound status.
func (h *Handle) Status() wire.StreamType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the terminal error, if the stream ended in failed{...}.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminalErr
}

// Push applies an inbound sub-frame received off the wire. It enforces
// the monotonic status ordering none < data < write_done < finish|failed;
// a disallowed transition fails the stream with bad_request (spec §4.5).
func (h *Handle) Push(t wire.StreamType, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == wire.StreamFinish || h.status == wire.StreamFailed {
		return nil
	}
	if t == wire.StreamHeartbeat {
		h.lastReadActivity = time.Now()
		h.cond.Broadcast()
		return nil
	}
	if t.Rank() < h.status.Rank() {
		h.failLocked(apperrors.CodeBadRequest, "stream status regression")
		return apperrors.New(apperrors.CodeBadRequest, "stream status regression")
	}

	h.status = t
	h.lastReadActivity = time.Now()
	switch t {
	case wire.StreamData:
		h.queue = append(h.queue, payload)
	case wire.StreamFailed:
		h.terminalErr = apperrors.New(apperrors.CodeInternal, "peer failed stream")
	}
	h.cond.Broadcast()
	return nil
}

// Read blocks until a data frame is available or the stream reaches a
// terminal status (write_done, finish, failed), or ctx is done. It returns
// (payload, true) for data, (nil, false) otherwise -- spec §4.5's
// "blocks ... returns none on write_done, finish, or failed".
func (h *Handle) Read(ctx context.Context) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if len(h.queue) > 0 {
			v := h.queue[0]
			h.queue = h.queue[1:]
			return v, true
		}
		if h.readTerminalLocked() {
			return nil, false
		}
		if !h.waitLocked(ctx) {
			return nil, false
		}
	}
}

// ReadAs decodes the next data frame into T via the payload codec.
func ReadAs[T any](h *Handle, ctx context.Context) (T, bool, error) {
	var zero T
	payload, ok := h.Read(ctx)
	if !ok {
		return zero, false, h.Err()
	}
	v, err := codec.Unpack[T](payload)
	if err != nil {
		h.mu.Lock()
		h.failLocked(apperrors.CodeUnpackFailed, "stream decode")
		h.mu.Unlock()
		return zero, false, err
	}
	return v, true, nil
}

// Write encodes payload as a data sub-frame. It returns false if the
// stream is already in a terminal state, matching spec §4.5.
func (h *Handle) Write(payload []byte) bool {
	h.mu.Lock()
	if h.closed || h.status == wire.StreamFinish || h.status == wire.StreamFailed {
		h.mu.Unlock()
		return false
	}
	h.mu.Unlock()

	if err := h.transport.WriteStreamFrame(wire.StreamData, payload); err != nil {
		h.mu.Lock()
		h.failLocked(apperrors.CodeBrokenPipe, "stream write")
		h.mu.Unlock()
		return false
	}
	return true
}

// WriteAs encodes v via the payload codec and writes it as a data frame.
func WriteAs[T any](h *Handle, v T) bool {
	payload, err := codec.PackValue(v)
	if err != nil {
		h.mu.Lock()
		h.failLocked(apperrors.CodePackFailed, "stream encode")
		h.mu.Unlock()
		return false
	}
	return h.Write(payload)
}

// WriteDone enqueues a write_done sub-frame. One-shot: later calls are
// no-ops.
func (h *Handle) WriteDone() {
	h.mu.Lock()
	if h.writeDoneSent || h.closed || h.status == wire.StreamFinish || h.status == wire.StreamFailed {
		h.mu.Unlock()
		return
	}
	h.writeDoneSent = true
	h.mu.Unlock()

	_ = h.transport.WriteStreamFrame(wire.StreamWriteDone, nil)
}

// Finish enqueues a finish sub-frame and waits for the peer to reach a
// terminal status, returning the terminal error code if any (spec §4.5).
func (h *Handle) Finish(ctx context.Context) error {
	_ = h.transport.WriteStreamFrame(wire.StreamFinish, nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.finishTerminalLocked() {
		if !h.waitLocked(ctx) {
			break
		}
	}
	return h.terminalErr
}

// EnableAutoHeartbeat starts (enabled=true) or stops (enabled=false) the
// idle-heartbeat timer described in spec §4.5: if no frame was read
// within period, send one heartbeat sub-frame; if still silent through
// the next period, close the stream as a timeout.
func (h *Handle) EnableAutoHeartbeat(enabled bool, period time.Duration) {
	h.mu.Lock()
	if h.heartbeatCancel != nil {
		h.heartbeatCancel()
		h.heartbeatCancel = nil
	}
	if !enabled || period <= 0 {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.heartbeatCancel = cancel
	h.mu.Unlock()

	go h.heartbeatLoop(ctx, period)
}

func (h *Handle) heartbeatLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.finishTerminalLocked() {
				h.mu.Unlock()
				return
			}
			idle := time.Since(h.lastReadActivity) >= period
			h.mu.Unlock()

			if !idle {
				missed = 0
				continue
			}
			missed++
			if missed >= 2 {
				h.mu.Lock()
				h.failLocked(apperrors.CodeTimeout, "stream heartbeat timeout")
				h.mu.Unlock()
				return
			}
			_ = h.transport.WriteStreamFrame(wire.StreamHeartbeat, nil)
		}
	}
}

// Close forces the stream to failed{internal_error}, as when the owning
// connection closes out from under it (spec §4.5 "destroying the handle
// ... forces failed{internal_error}").
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failLocked(apperrors.CodeInternal, "stream closed")
	if h.heartbeatCancel != nil {
		h.heartbeatCancel()
		h.heartbeatCancel = nil
	}
}

// readTerminalLocked reports whether Read should return none: the queue
// is drained and the stream has reached write_done, finish, or failed
// (spec §4.5). write_done only becomes observable here once every
// preceding data frame has been consumed, preserving FIFO ordering.
func (h *Handle) readTerminalLocked() bool {
	if len(h.queue) > 0 {
		return false
	}
	return h.closed || h.status == wire.StreamWriteDone || h.status == wire.StreamFinish || h.status == wire.StreamFailed
}

// finishTerminalLocked reports whether the peer has reached a connection-
// terminal status (finish or failed); write_done alone does not satisfy
// Finish's wait, since the peer may still be about to finish or fail.
func (h *Handle) finishTerminalLocked() bool {
	return h.closed || h.status == wire.StreamFinish || h.status == wire.StreamFailed
}

func (h *Handle) failLocked(code, message string) {
	if h.status == wire.StreamFinish || h.status == wire.StreamFailed {
		return
	}
	h.status = wire.StreamFailed
	h.terminalErr = apperrors.New(code, message)
	h.closed = true
	h.cond.Broadcast()
}

func (h *Handle) waitLocked(ctx context.Context) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-done:
			}
		}()
	}
	h.cond.Wait()
	close(done)
	return ctx == nil || ctx.Err() == nil
}
