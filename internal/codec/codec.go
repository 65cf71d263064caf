// Package codec implements the payload codec that spec §1/§6 describes as
// an external collaborator ("the msgpack-style payload codec ... out of
// scope; their only contract the core relies on is described in §6"). The
// core only ever talks to the three functions in that contract
// (pack/unpack/pack_args_str); this package is the concrete implementation
// against github.com/vmihailenco/msgpack/v5 that the rest of the tree
// is built against.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/carlosrabelo/karoorpc/pkg/errors"
)

// Code is the reply envelope's ok/fail discriminator (spec §6).
type Code uint8

const (
	CodeOK   Code = 0
	CodeFail Code = 1
)

// Pack encodes a call's argument tuple as a msgpack array.
func Pack(args ...any) ([]byte, error) {
	b, err := msgpack.Marshal(args)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePackFailed, "pack arguments", err)
	}
	return b, nil
}

// Unpack decodes bytes into a caller-specified shape T. T is typically a
// pointer to a slice of the handler's argument types, or a pointer to a
// single value for single-argument calls.
func Unpack[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return out, apperrors.Wrap(apperrors.CodeUnpackFailed, "unpack payload", err)
	}
	return out, nil
}

// UnpackArgs decodes a call's argument tuple into a []any, the shape the
// router needs before dispatching to a handler that inspects arguments
// positionally (mirrors the original source's untyped argument array).
func UnpackArgs(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnpackFailed, "unpack arguments", err)
	}
	return out, nil
}

// PackValue encodes a single value directly, not wrapped in an argument
// tuple -- the shape stream payloads use (spec §4.5: write(T) "encodes"
// one T per sub-frame, distinct from a call's packed argument tuple).
func PackValue(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePackFailed, "pack stream value", err)
	}
	return b, nil
}

// replyEnvelope is the wire shape of every RPC reply: a two-element array
// of (code, value) per spec §6 ("Replies from handlers are
// pack(code, value)").
type replyEnvelope struct {
	Code  Code
	Value any
}

// EncodeOK builds a success reply envelope.
func EncodeOK(value any) ([]byte, error) {
	return encodeReply(CodeOK, value)
}

// EncodeFail builds a failure reply envelope carrying a message.
func EncodeFail(message string) ([]byte, error) {
	return encodeReply(CodeFail, message)
}

// PackArgsStr builds a (code, args...) reply envelope, the helper spec §6
// names explicitly (pack_args_str) distinct from a single-value pack.
func PackArgsStr(code Code, args ...any) ([]byte, error) {
	b, err := msgpack.Marshal(append([]any{code}, args...))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePackFailed, "pack reply envelope", err)
	}
	return b, nil
}

func encodeReply(code Code, value any) ([]byte, error) {
	b, err := msgpack.Marshal([]any{code, value})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePackFailed, "encode reply", err)
	}
	return b, nil
}

// DecodeReply splits a reply payload back into its (code, value) parts.
// value is left as the generic msgpack decode result (an integer type such
// as int64, float64, string, []any, or map[string]any); callers that know
// the concrete shape
// re-decode it with Unpack.
func DecodeReply(data []byte) (Code, any, error) {
	var env [2]any
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return 0, nil, apperrors.Wrap(apperrors.CodeUnpackFailed, "decode reply", err)
	}
	code, ok := toCode(env[0])
	if !ok {
		return 0, nil, apperrors.New(apperrors.CodeUnpackFailed, "reply code not a number")
	}
	return code, env[1], nil
}

// DecodePublishFrame splits a broker fan-out payload, the three-element
// (ok-code, key, data) envelope spec §4.6 describes, distinct from a
// call reply's two-element (code, value) envelope.
func DecodePublishFrame(data []byte) (Code, string, any, error) {
	var env [3]any
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return 0, "", nil, apperrors.Wrap(apperrors.CodeUnpackFailed, "decode publish frame", err)
	}
	code, ok := toCode(env[0])
	if !ok {
		return 0, "", nil, apperrors.New(apperrors.CodeUnpackFailed, "publish frame code not a number")
	}
	key, ok := env[1].(string)
	if !ok {
		return 0, "", nil, apperrors.New(apperrors.CodeUnpackFailed, "publish frame key not a string")
	}
	return code, key, env[2], nil
}

func toCode(v any) (Code, bool) {
	switch n := v.(type) {
	case int8:
		return Code(n), true
	case uint8:
		return Code(n), true
	case int64:
		return Code(n), true
	case uint64:
		return Code(n), true
	case int:
		return Code(n), true
	default:
		return 0, false
	}
}
