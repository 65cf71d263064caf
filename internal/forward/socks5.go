package forward

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

var timeZero time.Time

// passthroughDialer adapts a connection that is already dialed to the
// SOCKS5 proxy itself into the proxy.Dialer shape golang.org/x/net/proxy
// wants as its "forward" dialer: instead of opening a new TCP connection,
// it hands back the one the pipeline already established.
type passthroughDialer struct{ conn net.Conn }

func (p passthroughDialer) Dial(network, addr string) (net.Conn, error) {
	return p.conn, nil
}

// SOCKS5Connect performs the client-side SOCKS5 handshake (spec §4.8:
// "greeting..., optional user/pass sub-negotiation, CONNECT request with
// ATYP ipv4|ipv6|domain, port big-endian; parse reply and the bound
// address") on top of conn, which must already be TCP-connected to the
// SOCKS5 proxy. The wire details (RFC 1928 greeting/CONNECT, RFC 1929
// username/password sub-negotiation) are delegated to golang.org/x/net/proxy,
// the same library the teacher's internal/proxysocks wrapped for its
// upstream dialer; username == "" offers only the no-auth method.
func SOCKS5Connect(ctx context.Context, conn net.Conn, dstHost, dstService, username, password string) error {
	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{User: username, Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", "", auth, passthroughDialer{conn})
	if err != nil {
		return fmt.Errorf("socks5: build dialer: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(timeZero)
	}

	target := net.JoinHostPort(dstHost, dstService)
	if _, err := dialer.Dial("tcp", target); err != nil {
		return fmt.Errorf("socks5: connect %s: %w", target, err)
	}
	return nil
}
