// Package trafficproxy implements the traffic-proxy detector of spec §4.7
// (C9): once rpcconn's bootstrap sniff sees the proxy magic byte, it hands
// the raw socket here. Detector then distinguishes the two proxy-frame
// flavors spec §4.10 describes -- the fixed service/token/field request
// frame (§3/§4.7) and the protocol-pipe control frame (§4.10, internal/
// pipectl) -- by peeking the bytes that follow the proxy magic: the
// protocol-pipe frame starts with its own magic '*' and ASCII length
// digits; a request frame starts with payload_len's little-endian bytes,
// whose low byte may also be 0x2a ('*') but whose third byte is always
// zero, since payload_len never exceeds maxProxyPayload. Either path ends in a full-duplex splice
// (internal/forward.Splice, spec §4.9) between the client socket and the
// resolved upstream.
package trafficproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/forward"
	"github.com/carlosrabelo/karoorpc/internal/metrics"
	"github.com/carlosrabelo/karoorpc/internal/pipectl"
	"github.com/carlosrabelo/karoorpc/internal/registry"
	"github.com/carlosrabelo/karoorpc/pkg/logger"
	tally "github.com/carlosrabelo/karoorpc/pkg/metrics"
)

// pipeRouteService is the fixed registry bucket dynamic protocol-pipe
// routes (spec §4.10's add_server) are stored under, keyed by route_path
// as the registry's "field" (spec §4.11's service x token x field shape
// repurposed for path-based routing; see SPEC_FULL.md §3).
const pipeRouteService = "_pipectl"

// Config controls how the detector resolves and reaches upstreams.
type Config struct {
	DialTimeout time.Duration

	// SOCKS5Addr/SOCKS5Username/SOCKS5Password configure the forward
	// pipeline's SOCKS5 stage when a protocol-pipe request asks for it
	// (spec §4.8); the proxy-request-frame path never uses a forward
	// pipeline, since spec §4.7 dials the resolved upstream directly.
	SOCKS5Addr     string
	SOCKS5Username string
	SOCKS5Password string

	TLSStage forward.TLSStage

	RegistrySeedPath string
}

// Detector implements rpcconn.ProxyHandler.
type Detector struct {
	cfg    Config
	reg    *registry.Registry
	mx     *metrics.Collector
	logger *logger.Logger
}

// New creates a Detector bound to reg (the C13 proxy registry).
func New(cfg Config, reg *registry.Registry, mx *metrics.Collector) *Detector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Detector{cfg: cfg, reg: reg, mx: mx, logger: logger.WithPrefix("trafficproxy")}
}

// Handle implements rpcconn.ProxyHandler. conn's first byte (the proxy
// magic) has already been peeked but not consumed by the caller; br still
// has it buffered.
func (d *Detector) Handle(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer) {
	defer d.mx.ProxySpliceClosed()

	if _, err := br.Discard(1); err != nil {
		d.logger.Debug("discard proxy magic: %v", err)
		conn.Close()
		return
	}

	next, err := br.Peek(3)
	if err != nil {
		d.logger.Debug("peek after proxy magic: %v", err)
		conn.Close()
		return
	}

	// A proxy request frame's little-endian payload_len never exceeds
	// maxProxyPayload, so its third byte is zero; a protocol-pipe frame
	// has an ASCII length digit there.
	if next[0] == pipectl.Magic && next[2] != 0 {
		d.handlePipeControl(ctx, conn, br, bw)
		return
	}
	d.handleProxyFrame(ctx, conn, br, bw)
}

func (d *Detector) handleProxyFrame(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer) {
	frame, err := decodeProxyFrame(br)
	if err != nil {
		d.logger.Warn("decode proxy frame: %v", err)
		conn.Close()
		return
	}

	host, ok := d.reg.Lookup(frame.Service, frame.Token, frame.Field)
	if !ok {
		d.logger.Warn("proxy lookup miss: service=%q field=%q", frame.Service, frame.Field)
		conn.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	upstream, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host.Addr())
	if err != nil {
		d.mx.IncrementProxyConnectFailed()
		d.logger.Warn("dial upstream %s: %v", host.Addr(), err)
		conn.Close()
		return
	}

	if _, err := bw.Write(AckBytes); err != nil || bw.Flush() != nil {
		conn.Close()
		upstream.Close()
		return
	}

	d.splice(conn, br, upstream)
}

func (d *Detector) handlePipeControl(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer) {
	req, err := pipectl.DecodeRequest(br)
	if err != nil {
		d.logger.Warn("decode protocol-pipe frame: %v", err)
		conn.Close()
		return
	}

	resp, forwardNow := d.dispatchPipeRequest(*req)
	if resp.Code == 0 {
		tally.IncrementRequests()
	} else {
		tally.IncrementErrors()
	}
	if _, err := bw.Write(resp.Encode()); err != nil || bw.Flush() != nil {
		conn.Close()
		return
	}
	if !forwardNow {
		conn.Close()
		return
	}

	pipeline := forward.Pipeline{
		DialTimeout: d.cfg.DialTimeout,
		SOCKS5: forward.SOCKS5Stage{
			Option:   req.SOCKS5Option,
			Addr:     d.cfg.SOCKS5Addr,
			Username: d.cfg.SOCKS5Username,
			Password: d.cfg.SOCKS5Password,
		},
		TLS: d.cfg.TLSStage,
	}
	if req.ForwardProtocal == pipectl.ForwardWebSocket {
		pipeline.WebSocket = forward.WebSocketStage{
			Option: forward.OptionRequired,
			Host:   req.DstHost,
			Path:   req.RoutePath,
			Seed:   []byte(req.DstHost + ":" + req.DstService + ":" + req.RoutePath),
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	upstream, err := pipeline.Dial(dialCtx, req.DstHost, req.DstService)
	if err != nil {
		d.mx.IncrementProxyConnectFailed()
		d.logger.Warn("protocol-pipe dial: %v", err)
		conn.Close()
		return
	}

	d.splice(conn, br, upstream)
}

// dispatchPipeRequest validates req and, for add_server, installs the
// route directly; it returns the response to send and whether the caller
// should proceed into forwarding (spec §4.10).
func (d *Detector) dispatchPipeRequest(req pipectl.Request) (pipectl.Response, bool) {
	switch req.ForwardProtocal {
	case pipectl.ForwardAddServer:
		if req.RoutePath == "" {
			return pipectl.Fail("add_server needs a valid route path"), false
		}
		if req.DstHost == "" || req.DstService == "" {
			return pipectl.Fail("add_server needs a destination host and service"), false
		}
		if err := d.reg.AddRoute(pipeRouteService, "", req.RoutePath, registry.HostInfo{Host: req.DstHost, Service: req.DstService}); err != nil {
			return pipectl.Fail(err.Error()), false
		}
		if d.cfg.RegistrySeedPath != "" {
			if err := d.reg.Persist(d.cfg.RegistrySeedPath); err != nil {
				d.logger.Warn("persist registry after add_server: %v", err)
			}
		}
		return pipectl.OK("route registered"), false

	case pipectl.ForwardWebSocket:
		if req.RoutePath == "" {
			return pipectl.Fail("websocket forward needs a valid route path"), false
		}
		if req.DstHost == "" {
			if host, ok := d.reg.Lookup(pipeRouteService, "", req.RoutePath); ok {
				req.DstHost, req.DstService = host.Host, host.Service
			}
		}
		if req.DstHost == "" || req.DstService == "" {
			return pipectl.Fail("no route registered for path"), false
		}
		return pipectl.OK("success"), true

	case pipectl.ForwardRaw:
		if req.DstHost == "" || req.DstService == "" {
			return pipectl.Fail("invalid forward host information"), false
		}
		return pipectl.OK("success"), true

	default:
		return pipectl.Fail(fmt.Sprintf("unsupported forward_protocal %q", req.ForwardProtocal)), false
	}
}

func (d *Detector) splice(client net.Conn, clientBr *bufio.Reader, upstream net.Conn) {
	src := bufReaderConn{Conn: client, br: clientBr}
	forward.Splice(src, upstream, func(_ string, n int64) {
		d.mx.AddProxyBytesForwarded(uint64(n))
	})
}

// bufReaderConn lets forward.Splice read through the bufio.Reader that may
// already hold buffered bytes left over from the proxy-frame/pipectl
// parse, instead of bypassing them by reading the raw net.Conn directly.
type bufReaderConn struct {
	net.Conn
	br *bufio.Reader
}

func (c bufReaderConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// CloseWrite forwards the half-close down to the wrapped connection when
// it supports one, so forward.Splice's half-close propagation (spec §4.9)
// still works through this wrapper.
func (c bufReaderConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}
