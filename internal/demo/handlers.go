// Package demo registers the sample RPC methods the server binary exposes
// out of the box: two trivial calls, a deliberately slow call, and a
// stream echo. These exist so karoocd has something to serve and karoocli
// has something to call; they are not part of the wire protocol itself.
//
// Grounded on the teacher's internal/stratum message handlers (one
// registered function per method name, arguments taken positionally) and
// generalized from stratum's fixed method set to the router's arbitrary
// name -> handler table.
package demo

import (
	"context"
	"strings"
	"time"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/router"
	"github.com/carlosrabelo/karoorpc/internal/stream"
	apperrors "github.com/carlosrabelo/karoorpc/pkg/errors"
)

// Register installs the demo methods into rtr: "add" (two ints), "translate"
// (upper-case a string), "slow_echo" (a delayed reply), and "echo_stream"
// (a bidirectional echo with a " from server" suffix).
func Register(rtr *router.Router) error {
	if err := rtr.RegisterCall("add", handleAdd); err != nil {
		return err
	}
	if err := rtr.RegisterCall("translate", handleTranslate); err != nil {
		return err
	}
	if err := rtr.RegisterCall("slow_echo", handleSlowEcho); err != nil {
		return err
	}
	return rtr.RegisterStream("echo_stream", handleEchoStream)
}

func handleAdd(ctx *router.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, apperrors.New(apperrors.CodeBadRequest, "add takes exactly two arguments")
	}
	a, ok1 := toInt64(args[0])
	b, ok2 := toInt64(args[1])
	if !ok1 || !ok2 {
		return nil, apperrors.New(apperrors.CodeBadRequest, "add arguments must be numbers")
	}
	return a + b, nil
}

func handleTranslate(ctx *router.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, apperrors.New(apperrors.CodeBadRequest, "translate takes exactly one argument")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, apperrors.New(apperrors.CodeBadRequest, "translate argument must be a string")
	}
	return strings.ToUpper(s), nil
}

// handleSlowEcho exists to exercise the client's call-timeout path (the
// E4 scenario): it sleeps for the requested number of milliseconds before
// echoing its second argument back.
func handleSlowEcho(ctx *router.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, apperrors.New(apperrors.CodeBadRequest, "slow_echo takes (delay_ms, value)")
	}
	delayMs, ok := toInt64(args[0])
	if !ok {
		return nil, apperrors.New(apperrors.CodeBadRequest, "slow_echo delay_ms must be a number")
	}
	if delayMs > 0 {
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
	}
	return args[1], nil
}

func handleEchoStream(ctx *router.Context, args []any, h *stream.Handle) error {
	streamCtx := context.Background()
	for {
		payload, ok := h.Read(streamCtx)
		if !ok {
			break
		}
		msg, err := codec.Unpack[string](payload)
		if err != nil {
			return err
		}
		if !stream.WriteAs(h, msg+" from server") {
			return h.Err()
		}
	}
	return h.Finish(streamCtx)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int8:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
