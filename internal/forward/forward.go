// Package forward implements the composable forward pipelines applied to
// the upstream leg of a proxied connection (spec §4.8): SOCKS5 client
// handshake, TLS client handshake, WebSocket-upgrade handshake, and raw
// splice (no handshake at all). The fixed composition order is
// SOCKS5 -> TLS -> WebSocket -> raw; any stage may be skipped when its
// option is "disabled", and a "required" stage with missing prerequisite
// configuration fails the whole dial synchronously instead of silently
// falling back (spec §4.8's "any pipeline may be skipped... if required
// and its prerequisite config is missing, the whole proxy fails
// synchronously").
//
// There is no single teacher file this is grounded on -- karoo's upstream
// dialer only ever dialed one mining pool directly -- so the per-stage
// functions are grounded individually: the teacher's internal/proxysocks
// wrapping of golang.org/x/net/proxy for the SOCKS5 stage, the teacher's
// crypto/tls.Config usage for its upstream TLS dial for the TLS stage, and
// gorilla/websocket (pack dependency, not present in the teacher) for the
// WebSocket accept-key verification primitive.
package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Option mirrors spec §4.10's three-valued forward_option: disabled,
// optional, required.
type Option int

const (
	OptionDisabled Option = iota
	OptionOptional
	OptionRequired
)

func (o Option) String() string {
	switch o {
	case OptionDisabled:
		return "disabled"
	case OptionOptional:
		return "optional"
	case OptionRequired:
		return "required"
	default:
		return "unknown"
	}
}

// ParseOption maps the protocol-pipe control plane's string values (spec
// §4.10) to Option.
func ParseOption(s string) (Option, error) {
	switch s {
	case "disabled":
		return OptionDisabled, nil
	case "optional":
		return OptionOptional, nil
	case "required":
		return OptionRequired, nil
	default:
		return 0, fmt.Errorf("forward: unknown option %q", s)
	}
}

// SOCKS5Stage configures the SOCKS5 forward stage.
type SOCKS5Stage struct {
	Option   Option
	Addr     string // host:port of the SOCKS5 proxy
	Username string
	Password string
}

// TLSStage configures the TLS client-handshake forward stage.
type TLSStage struct {
	Option Option
	Config *tls.Config // nil is only valid when Option == OptionDisabled
}

// WebSocketStage configures the WebSocket-upgrade forward stage.
type WebSocketStage struct {
	Option Option
	Host   string // Host header
	Path   string // request-target, spec §4.10's route_path
	Seed   []byte // per-connection seed the Sec-WebSocket-Key is derived from
}

// Pipeline is the ordered, composable stack spec §4.8 describes.
type Pipeline struct {
	SOCKS5    SOCKS5Stage
	TLS       TLSStage
	WebSocket WebSocketStage
	DialTimeout time.Duration
}

// Dial connects to dstHost:dstService through p's composed pipeline,
// applying stages in the fixed order SOCKS5 -> TLS -> WebSocket -> raw.
// Disabled stages are skipped; a required stage with no usable
// configuration returns an error before any byte crosses the wire.
func (p Pipeline) Dial(ctx context.Context, dstHost, dstService string) (net.Conn, error) {
	if p.SOCKS5.Option == OptionRequired && p.SOCKS5.Addr == "" {
		return nil, fmt.Errorf("forward: socks5 required but no proxy address configured")
	}
	if p.TLS.Option == OptionRequired && p.TLS.Config == nil {
		return nil, fmt.Errorf("forward: tls required but no tls config provided")
	}
	if p.WebSocket.Option == OptionRequired && p.WebSocket.Path == "" {
		return nil, fmt.Errorf("forward: websocket required but no route path configured")
	}

	dialAddr := net.JoinHostPort(dstHost, dstService)
	useSocks5 := p.SOCKS5.Option != OptionDisabled && p.SOCKS5.Addr != ""
	if useSocks5 {
		dialAddr = p.SOCKS5.Addr
	}

	d := &net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, fmt.Errorf("forward: dial %s: %w", dialAddr, err)
	}

	if useSocks5 {
		if err := SOCKS5Connect(ctx, conn, dstHost, dstService, p.SOCKS5.Username, p.SOCKS5.Password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("forward: socks5 connect: %w", err)
		}
	}

	var result net.Conn = conn
	if p.TLS.Option != OptionDisabled && p.TLS.Config != nil {
		tlsConn := tls.Client(conn, p.TLS.Config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("forward: tls handshake: %w", err)
		}
		result = tlsConn
	}

	if p.WebSocket.Option != OptionDisabled && p.WebSocket.Path != "" {
		upgraded, err := WebSocketUpgrade(ctx, result, p.WebSocket.Host, p.WebSocket.Path, p.WebSocket.Seed)
		if err != nil {
			result.Close()
			return nil, fmt.Errorf("forward: websocket upgrade: %w", err)
		}
		result = upgraded
	}

	return result, nil
}
