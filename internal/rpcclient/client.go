// Package rpcclient implements the client half of the RPC connection (spec
// §4.4): call/publish/subscribe, stream upgrade, and a reconnect loop with
// jittered backoff and subscription replay. Grounded on two teacher pieces:
// internal/connection.Backoff for the reconnect delay curve, and internal/
// nonce.Manager's "ready gate" (atomic state plus a pending-work map flushed
// on transition) generalized from extranonce-subscribe queuing into replaying
// arbitrary subscriptions after a reconnect.
package rpcclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/metrics"
	"github.com/carlosrabelo/karoorpc/internal/stream"
	"github.com/carlosrabelo/karoorpc/internal/wire"
	"github.com/carlosrabelo/karoorpc/pkg/logger"
	apperrors "github.com/carlosrabelo/karoorpc/pkg/errors"
)

// Config controls dial target, timeouts, and reconnect/keepalive policy.
type Config struct {
	Addr      string
	TLSConfig *tls.Config

	DefaultTimeout time.Duration

	Reconnect  bool
	BackoffMin time.Duration
	BackoffMax time.Duration

	Keepalive         bool
	KeepaliveInterval time.Duration

	WriteQueueSize int
	MaxBodyLen     uint32
}

// DefaultConfig returns sane defaults; callers override Addr and TLSConfig.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:              addr,
		DefaultTimeout:     5 * time.Second,
		Reconnect:          true,
		BackoffMin:         200 * time.Millisecond,
		BackoffMax:         10 * time.Second,
		Keepalive:          true,
		KeepaliveInterval:  15 * time.Second,
		WriteQueueSize:     256,
		MaxBodyLen:         wire.MaxBodyHardCap,
	}
}

// SubscribeCallback receives fan-out payloads for a subscribed key.
type SubscribeCallback func(data any)

type callEntry struct {
	replyCh chan callResult
	timer   *time.Timer
}

type callResult struct {
	payload []byte
	err     error
}

type upgradeEntry struct {
	resultCh chan upgradeResult
}

type upgradeResult struct {
	handle *stream.Handle
	err    error
}

// connGen bundles everything that belongs to one dial: the socket, its
// buffered reader/writer, and the write queue/close signal the generation's
// writeLoop/readLoop/keepaliveLoop close over. Each reconnect builds a
// fresh connGen rather than mutating the old one's fields in place, so a
// goroutine spawned for generation N never observes generation N+1's
// channels -- the previous bug let a stale writeLoop keep draining into a
// newly dialed socket's write queue because it re-read the Client's fields
// live instead of a fixed generation.
type connGen struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	writeCh   chan []byte
	closedCh  chan struct{}
	closeOnce sync.Once
}

// close is idempotent: it signals closedCh (unblocking this generation's
// writeLoop/keepaliveLoop) and closes the underlying socket.
func (g *connGen) close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.closedCh)
		err = g.conn.Close()
	})
	return err
}

// Client is a single logical connection to an RPC server: the call
// registry, subscription map, and reconnect/keepalive machinery spec
// §4.4 assigns "per client".
type Client struct {
	cfg     Config
	metrics *metrics.Collector
	logger  *logger.Logger

	gen atomic.Pointer[connGen]

	connected atomic.Bool
	stopping  atomic.Bool
	nextReqID atomic.Uint64
	lastRead  atomic.Int64

	pendingMu       sync.Mutex
	pending         map[uint64]*callEntry
	pendingUpgrades map[uint64]*upgradeEntry

	subMu sync.Mutex
	subs  map[string]SubscribeCallback

	activeStream atomic.Pointer[stream.Handle]
}

// New creates a client bound to cfg. Call Connect to dial.
func New(cfg Config, mx *metrics.Collector, log *logger.Logger) *Client {
	if mx == nil {
		mx = metrics.NewCollector()
	}
	if log == nil {
		log = logger.WithPrefix("rpcclient")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = 256
	}
	return &Client{
		cfg:             cfg,
		metrics:         mx,
		logger:          log,
		pending:         make(map[uint64]*callEntry),
		pendingUpgrades: make(map[uint64]*upgradeEntry),
		subs:            make(map[string]SubscribeCallback),
	}
}

// Connect dials the server and starts the read/write loops.
func (c *Client) Connect(ctx context.Context) error {
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	d := &net.Dialer{}
	var conn net.Conn
	var err error
	if c.cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(d, "tcp", c.cfg.Addr, c.cfg.TLSConfig)
	} else {
		conn, err = d.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("rpcclient: dial %s: %w", c.cfg.Addr, err)
	}

	gen := &connGen{
		conn:     conn,
		br:       bufio.NewReader(conn),
		bw:       bufio.NewWriter(conn),
		writeCh:  make(chan []byte, c.cfg.WriteQueueSize),
		closedCh: make(chan struct{}),
	}
	c.gen.Store(gen)
	c.activeStream.Store(nil)

	c.connected.Store(true)
	c.lastRead.Store(time.Now().UnixNano())
	c.metrics.ConnectionOpened()

	go c.writeLoop(gen)
	go c.readLoop(ctx, gen)
	if c.cfg.Keepalive {
		go c.keepaliveLoop(gen)
	}
	return nil
}

// Close shuts the connection down permanently; no further reconnect is
// attempted.
func (c *Client) Close() error {
	c.stopping.Store(true)
	gen := c.gen.Load()
	if gen == nil {
		return nil
	}
	return gen.close()
}

// Future is a pending call's handle, returned by AsyncCall.
type Future struct {
	entry *callEntry
}

// Wait blocks until the call completes, ctx is done, or the call times
// out against its own deadline (whichever comes first).
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case res := <-f.entry.replyCh:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AsyncCall sends a call frame and returns immediately with a Future.
// timeout <= 0 uses cfg.DefaultTimeout.
func (c *Client) AsyncCall(name string, timeout time.Duration, args ...any) (*Future, error) {
	if c.activeStream.Load() != nil {
		return nil, apperrors.New(apperrors.CodeBadRequest, "connection upgraded to a stream; no further calls")
	}
	body, err := codec.Pack(args...)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	reqID := c.nextReqID.Add(1)
	entry := &callEntry{replyCh: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[reqID] = entry
	c.pendingMu.Unlock()
	entry.timer = time.AfterFunc(timeout, func() {
		c.completeCall(reqID, nil, apperrors.New(apperrors.CodeTimeout, "call timed out"))
	})

	hdr := wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqCall, BodyLen: uint32(len(body)), ReqID: reqID, FuncID: wire.FuncID(name)}
	if err := c.enqueueWrite(encodeFrame(hdr, body)); err != nil {
		c.completeCall(reqID, nil, err)
		return nil, err
	}
	c.metrics.IncrementCalls()
	return &Future{entry: entry}, nil
}

// Call sends a call and blocks for its decoded reply value.
func (c *Client) Call(ctx context.Context, name string, args ...any) (any, error) {
	fut, err := c.AsyncCall(name, 0, args...)
	if err != nil {
		return nil, err
	}
	payload, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	code, value, err := codec.DecodeReply(payload)
	if err != nil {
		return nil, err
	}
	if code == codec.CodeFail {
		msg, _ := value.(string)
		return nil, apperrors.New(apperrors.CodeInternal, msg)
	}
	return value, nil
}

// Publish sends a publish frame for key and blocks for the broker's ack.
func (c *Client) Publish(key string, args ...any) error {
	body, err := codec.Pack(append([]any{key}, args...)...)
	if err != nil {
		return err
	}
	reqID := c.nextReqID.Add(1)
	entry := &callEntry{replyCh: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[reqID] = entry
	c.pendingMu.Unlock()
	entry.timer = time.AfterFunc(c.cfg.DefaultTimeout, func() {
		c.completeCall(reqID, nil, apperrors.New(apperrors.CodeTimeout, "publish timed out"))
	})

	hdr := wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqPublish, BodyLen: uint32(len(body)), ReqID: reqID}
	if err := c.enqueueWrite(encodeFrame(hdr, body)); err != nil {
		c.completeCall(reqID, nil, err)
		return err
	}

	res := <-entry.replyCh
	if res.err != nil {
		return res.err
	}
	code, _, err := codec.DecodeReply(res.payload)
	if err != nil {
		return err
	}
	if code == codec.CodeFail {
		return apperrors.New(apperrors.CodeInternal, "publish rejected")
	}
	return nil
}

// Subscribe records cb for key and sends a subscribe frame. Subscribing
// to a key already locally subscribed is rejected.
func (c *Client) Subscribe(key string, cb SubscribeCallback) error {
	c.subMu.Lock()
	if _, exists := c.subs[key]; exists {
		c.subMu.Unlock()
		return apperrors.New(apperrors.CodeBadRequest, "already subscribed to "+key)
	}
	c.subs[key] = cb
	c.subMu.Unlock()

	if err := c.sendSubscribeFrame(key, wire.ReqSubscribe); err != nil {
		c.subMu.Lock()
		delete(c.subs, key)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops the local callback for key and sends an unsubscribe
// frame.
func (c *Client) Unsubscribe(key string) error {
	c.subMu.Lock()
	delete(c.subs, key)
	c.subMu.Unlock()
	return c.sendSubscribeFrame(key, wire.ReqUnsubscribe)
}

func (c *Client) sendSubscribeFrame(key string, reqType wire.ReqType) error {
	body, err := codec.Pack(key)
	if err != nil {
		return err
	}
	reqID := c.nextReqID.Add(1)
	entry := &callEntry{replyCh: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[reqID] = entry
	c.pendingMu.Unlock()
	entry.timer = time.AfterFunc(c.cfg.DefaultTimeout, func() {
		c.completeCall(reqID, nil, apperrors.New(apperrors.CodeTimeout, "subscribe timed out"))
	})

	hdr := wire.Header{Magic: wire.MagicRPC, ReqType: reqType, BodyLen: uint32(len(body)), ReqID: reqID}
	if err := c.enqueueWrite(encodeFrame(hdr, body)); err != nil {
		c.completeCall(reqID, nil, err)
		return err
	}

	res := <-entry.replyCh
	if res.err != nil {
		return res.err
	}
	code, _, err := codec.DecodeReply(res.payload)
	if err != nil {
		return err
	}
	if code == codec.CodeFail {
		return apperrors.New(apperrors.CodeInternal, "subscribe/unsubscribe rejected")
	}
	return nil
}

// resubscribeAll replays every locally-held subscription after a
// reconnect, per spec §4.4 "on successful reconnect it ... resends every
// local subscription". Errors are logged, not propagated: a subscribe
// that fails here is retried on the next reconnect cycle, not dropped.
func (c *Client) resubscribeAll() {
	c.subMu.Lock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.subMu.Unlock()

	for _, k := range keys {
		if err := c.sendSubscribeFrame(k, wire.ReqSubscribe); err != nil {
			c.logger.Warn("resubscribe %q: %v", k, err)
		}
	}
}

// UpgradeToStream sends a stream-upgrade request and, once the server
// acks, returns a Handle with the connection's codec switched over for
// the rest of its lifetime (spec §4.5: one upgrade per connection).
func (c *Client) UpgradeToStream(ctx context.Context, name string, args ...any) (*stream.Handle, error) {
	if c.activeStream.Load() != nil {
		return nil, apperrors.New(apperrors.CodeBadRequest, "connection already upgraded to a stream")
	}
	body, err := codec.Pack(args...)
	if err != nil {
		return nil, err
	}

	reqID := c.nextReqID.Add(1)
	entry := &upgradeEntry{resultCh: make(chan upgradeResult, 1)}
	c.pendingMu.Lock()
	c.pendingUpgrades[reqID] = entry
	c.pendingMu.Unlock()

	hdr := wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqStream, BodyLen: uint32(len(body)), ReqID: reqID, FuncID: wire.FuncID(name)}
	if err := c.enqueueWrite(encodeFrame(hdr, body)); err != nil {
		c.pendingMu.Lock()
		delete(c.pendingUpgrades, reqID)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res := <-entry.resultCh:
		return res.handle, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pendingUpgrades, reqID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// WriteStreamFrame implements stream.Transport for the client side.
func (c *Client) WriteStreamFrame(t wire.StreamType, payload []byte) error {
	return c.enqueueWrite(wire.EncodeStreamPacket(t, payload))
}

func (c *Client) completeCall(reqID uint64, payload []byte, err error) {
	c.pendingMu.Lock()
	entry, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if err != nil {
		if code, ok := apperrors.CodeOf(err); ok && code == apperrors.CodeTimeout {
			c.metrics.IncrementCallTimeouts()
		} else {
			c.metrics.IncrementCallErrors()
		}
	}
	select {
	case entry.replyCh <- callResult{payload, err}:
	default:
	}
}

func (c *Client) handleServerPublish(body []byte) {
	_, key, data, err := codec.DecodePublishFrame(body)
	if err != nil {
		c.logger.Warn("decode publish frame: %v", err)
		return
	}
	c.subMu.Lock()
	cb := c.subs[key]
	c.subMu.Unlock()
	if cb == nil {
		return
	}
	cb(data)
}

// readLoop owns the connection's inbound side: RPC frames until an
// upgrade ack switches it permanently to stream sub-frames (spec §4.5).
func (c *Client) readLoop(ctx context.Context, gen *connGen) {
	defer c.handleDisconnect(gen)

	headerBuf := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(gen.br, headerBuf); err != nil {
			return
		}
		hdr, err := wire.DecodeHeader(headerBuf)
		if err != nil {
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		if hdr.ReqType == wire.ReqHeartbeat {
			if hdr.BodyLen != 0 {
				return
			}
			continue
		}

		var body []byte
		if hdr.BodyLen > 0 {
			if c.cfg.MaxBodyLen > 0 && hdr.BodyLen > c.cfg.MaxBodyLen {
				return
			}
			body = make([]byte, hdr.BodyLen)
			if _, err := io.ReadFull(gen.br, body); err != nil {
				return
			}
		}

		switch hdr.ReqType {
		case wire.ReqResponse:
			c.completeCall(hdr.ReqID, body, nil)
		case wire.ReqStream:
			c.pendingMu.Lock()
			up, ok := c.pendingUpgrades[hdr.ReqID]
			if ok {
				delete(c.pendingUpgrades, hdr.ReqID)
			}
			c.pendingMu.Unlock()
			if !ok {
				continue
			}
			handle := stream.NewHandle(hdr.ReqID, c)
			c.activeStream.Store(handle)
			c.metrics.StreamOpened()
			up.resultCh <- upgradeResult{handle: handle}
			c.streamLoop(gen)
			return
		case wire.ReqPublish:
			c.handleServerPublish(body)
		}
	}
}

// streamLoop reads stream sub-frames once the connection has upgraded;
// it never returns to RPC framing (spec §4.5).
func (c *Client) streamLoop(gen *connGen) {
	headerBuf := make([]byte, wire.StreamHeaderSize)
	for {
		if _, err := io.ReadFull(gen.br, headerBuf); err != nil {
			return
		}
		size, t, err := wire.DecodeStreamHeader(headerBuf)
		if err != nil {
			return
		}
		var payload []byte
		if size > 0 {
			payload = make([]byte, size)
			if _, err := io.ReadFull(gen.br, payload); err != nil {
				return
			}
		}
		c.lastRead.Store(time.Now().UnixNano())

		h := c.activeStream.Load()
		if h == nil {
			return
		}
		if err := h.Push(t, payload); err != nil {
			return
		}
		if t == wire.StreamFinish || t == wire.StreamFailed {
			return
		}
	}
}

// handleDisconnect closes gen (so its writeLoop/keepaliveLoop stop even if
// the socket died on the read side only) before failing pending work and,
// if enabled, kicking off reconnectLoop. gen is this readLoop's own
// generation, never the Client's possibly-already-replaced current one.
func (c *Client) handleDisconnect(gen *connGen) {
	gen.close()
	c.connected.Store(false)
	c.metrics.ConnectionClosed()
	if h := c.activeStream.Load(); h != nil {
		h.Close()
		c.metrics.StreamClosed()
	}
	c.failAllPending()

	if c.cfg.Reconnect && !c.stopping.Load() {
		go c.reconnectLoop()
	}
}

func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	pend := c.pending
	c.pending = make(map[uint64]*callEntry)
	ups := c.pendingUpgrades
	c.pendingUpgrades = make(map[uint64]*upgradeEntry)
	c.pendingMu.Unlock()

	brokenPipe := apperrors.New(apperrors.CodeBrokenPipe, "connection closed")
	for _, e := range pend {
		if e.timer != nil {
			e.timer.Stop()
		}
		select {
		case e.replyCh <- callResult{nil, brokenPipe}:
		default:
		}
	}
	for _, u := range ups {
		select {
		case u.resultCh <- upgradeResult{err: brokenPipe}:
		default:
		}
	}
}

// reconnectLoop redials with jittered backoff until it succeeds or the
// client is stopped (spec §4.4's reconnect arc). On success it replays
// every local subscription over the new connection; dial has already
// marked the client connected, so calls issued while the replay runs are
// not held back until it finishes. A failed call never gets silently
// replayed, matching "does not replay failed calls: those have already
// completed with broken_pipe".
func (c *Client) reconnectLoop() {
	delay := c.cfg.BackoffMin
	for {
		if c.stopping.Load() {
			return
		}
		time.Sleep(delay)
		if c.stopping.Load() {
			return
		}
		if err := c.dial(context.Background()); err != nil {
			c.logger.Warn("reconnect to %s: %v", c.cfg.Addr, err)
			delay = backoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
			continue
		}
		c.logger.Info("reconnected to %s", c.cfg.Addr)
		c.resubscribeAll()
		return
	}
}

// backoff mirrors internal/connection.Backoff: min times a random power of
// two (1x to 8x), capped at max, plus up to 249ms of jitter added after
// the cap.
func backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << rand.Intn(4)
	d := time.Duration(int64(min) * int64(mul))
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}

// keepaliveLoop sends a heartbeat when no frame has been read since the
// last tick, and closes the connection after two consecutive silent
// ticks (spec §4.4's "keepalive timer"). It is scoped to gen via
// gen.closedCh so a reconnect retires it along with the rest of the old
// generation instead of leaving it running against the new socket.
func (c *Client) keepaliveLoop(gen *connGen) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	lastSeen := c.lastRead.Load()
	for {
		select {
		case <-gen.closedCh:
			return
		case <-ticker.C:
		}
		cur := c.lastRead.Load()
		if cur != lastSeen {
			missed = 0
			lastSeen = cur
			continue
		}
		missed++
		if missed >= 2 {
			c.logger.Warn("keepalive timeout on %s, closing", c.cfg.Addr)
			gen.close()
			return
		}
		hdr := wire.Header{Magic: wire.MagicRPC, ReqType: wire.ReqHeartbeat}
		_ = c.enqueueWrite(hdr.Encode())
	}
}

// enqueueWrite always targets the Client's current generation, so a call
// issued mid-reconnect either reaches the live socket or fails
// broken_pipe against it -- never against a generation some other
// goroutine has already retired.
func (c *Client) enqueueWrite(b []byte) error {
	gen := c.gen.Load()
	if gen == nil {
		return apperrors.New(apperrors.CodeBrokenPipe, "not connected")
	}
	select {
	case <-gen.closedCh:
		return apperrors.New(apperrors.CodeBrokenPipe, "connection closed")
	default:
	}
	select {
	case gen.writeCh <- b:
		return nil
	case <-gen.closedCh:
		return apperrors.New(apperrors.CodeBrokenPipe, "connection closed")
	}
}

// writeLoop drains gen's write queue with a single outstanding write at a
// time. It closes over gen explicitly (never the Client's current
// generation pointer) so a reconnect's fresh connGen gets its own
// writeLoop instance instead of a stale one re-pointed at a new
// bufio.Writer -- two loops racing on one *bufio.Writer was the source of
// the wire corruption this generation scheme replaces.
func (c *Client) writeLoop(gen *connGen) {
	for {
		select {
		case <-gen.closedCh:
			return
		case b := <-gen.writeCh:
			if _, err := gen.bw.Write(b); err != nil {
				gen.close()
				return
			}
			if err := gen.bw.Flush(); err != nil {
				gen.close()
				return
			}
		}
	}
}

func encodeFrame(hdr wire.Header, body []byte) []byte {
	buf := make([]byte, wire.HeaderSize+len(body))
	hdr.EncodeInto(buf)
	copy(buf[wire.HeaderSize:], body)
	return buf
}
