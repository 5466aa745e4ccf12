// Package codec implements the self-describing message encoding used
// on top of the crypto tunnel's records (spec.md §4.3, component C3):
// every message is a 4-element msgpack array, following the same
// request/response shape as msgpack-rpc.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/djthinksource/splonebox-core/internal/apierror"
)

// Type is the first element of every wire message.
type Type uint8

const (
	TypeRequest  Type = 0
	TypeResponse Type = 1
)

// UnknownMsgID is used as the msgid on an error Response sent back for
// a Request so malformed that its real msgid could not be recovered
// (spec.md's MESSAGE_RESPONSE_UNKNOWN case).
const UnknownMsgID uint32 = 0xFFFFFFFF

// Request is a [0, msgid, method, params] message.
type Request struct {
	MsgID  uint32
	Method string
	Params []any
}

// Response is a [1, msgid, error, result] message. Error is non-nil
// for an error response; a successful Response leaves Error nil and
// carries its value, which may itself be nil, in Result.
type Response struct {
	MsgID  uint32
	Error  any
	Result any
}

// EncodeRequest serializes a Request as its wire array.
func EncodeRequest(r *Request) ([]byte, error) {
	return msgpack.Marshal([]any{TypeRequest, r.MsgID, r.Method, r.Params})
}

// EncodeResponse serializes a Response as its wire array.
func EncodeResponse(r *Response) ([]byte, error) {
	return msgpack.Marshal([]any{TypeResponse, r.MsgID, r.Error, r.Result})
}

// EncodeErrorResponse is a convenience wrapper for the common case of
// a Response carrying only an error string.
func EncodeErrorResponse(msgid uint32, errMsg string) ([]byte, error) {
	return EncodeResponse(&Response{MsgID: msgid, Error: errMsg})
}

// Decode classifies a raw message and returns either a *Request or a
// *Response. Malformed input is reported as a *apierror.Error with
// Kind Protocol; callers that can determine a msgid from partially
// valid data should still reply with EncodeErrorResponse(msgid, ...)
// rather than UnknownMsgID, per spec.md's dispatch validation rules.
func Decode(data []byte) (any, error) {
	var raw []msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: not a msgpack array: %v", err)
	}
	if len(raw) != 4 {
		return nil, apierror.New(apierror.Protocol, "codec: expected 4-element array, got %d", len(raw))
	}

	var kind int
	if err := msgpack.Unmarshal(raw[0], &kind); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: element 0 is not a type tag: %v", err)
	}

	switch Type(kind) {
	case TypeRequest:
		return decodeRequest(raw)
	case TypeResponse:
		return decodeResponse(raw)
	default:
		return nil, apierror.New(apierror.Protocol, "codec: unknown message type %d", kind)
	}
}

func decodeRequest(raw []msgpack.RawMessage) (*Request, error) {
	var msgid uint32
	if err := msgpack.Unmarshal(raw[1], &msgid); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: request msgid: %v", err)
	}
	var method string
	if err := msgpack.Unmarshal(raw[2], &method); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: request method: %v", err)
	}
	var params []any
	if err := msgpack.Unmarshal(raw[3], &params); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: request params: %v", err)
	}
	return &Request{MsgID: msgid, Method: method, Params: params}, nil
}

func decodeResponse(raw []msgpack.RawMessage) (*Response, error) {
	var msgid uint32
	if err := msgpack.Unmarshal(raw[1], &msgid); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: response msgid: %v", err)
	}
	var errVal any
	if err := msgpack.Unmarshal(raw[2], &errVal); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: response error: %v", err)
	}
	var result any
	if err := msgpack.Unmarshal(raw[3], &result); err != nil {
		return nil, apierror.New(apierror.Protocol, "codec: response result: %v", err)
	}
	return &Response{MsgID: msgid, Error: errVal, Result: result}, nil
}

// AsString type-asserts a decoded params element, returning a
// descriptive error on mismatch rather than panicking — every
// built-in handler in internal/dispatch validates its arguments this
// way before touching them.
func AsString(v any, field string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", apierror.New(apierror.Validation, "%s: expected string, got %T", field, v)
	}
	return s, nil
}

// AsUint64 type-asserts a decoded params element as an unsigned
// integer. msgpack decodes unsigned wire integers into one of Go's
// builtin integer types depending on magnitude; normalize them all.
func AsUint64(v any, field string) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int8:
		if n < 0 {
			return 0, apierror.New(apierror.Validation, "%s: negative integer", field)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, apierror.New(apierror.Validation, "%s: negative integer", field)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, apierror.New(apierror.Validation, "%s: negative integer", field)
		}
		return uint64(n), nil
	default:
		return 0, apierror.New(apierror.Validation, "%s: expected integer, got %T", field, v)
	}
}

// AsSlice type-asserts a decoded params element as an array.
func AsSlice(v any, field string) ([]any, error) {
	s, ok := v.([]any)
	if !ok {
		return nil, apierror.New(apierror.Validation, "%s: expected array, got %T", field, v)
	}
	return s, nil
}
