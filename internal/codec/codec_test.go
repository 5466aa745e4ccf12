package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{MsgID: 42, Method: "run", Params: []any{"TARGET", "do-thing", []any{int64(1), "two"}}}

	wire, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, ok := decoded.(*Request)
	if !ok {
		t.Fatalf("Decode returned %T, want *Request", decoded)
	}
	if got.MsgID != req.MsgID || got.Method != req.Method {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if diff := cmp.Diff(len(req.Params), len(got.Params)); diff != "" {
		t.Fatalf("params length mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{MsgID: 7, Result: "ok"}

	wire, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, ok := decoded.(*Response)
	if !ok {
		t.Fatalf("Decode returned %T, want *Response", decoded)
	}
	if got.MsgID != resp.MsgID {
		t.Fatalf("msgid = %d, want %d", got.MsgID, resp.MsgID)
	}
	if got.Result != resp.Result {
		t.Fatalf("result = %v, want %v", got.Result, resp.Result)
	}
	if got.Error != nil {
		t.Fatalf("error = %v, want nil", got.Error)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	wire, err := EncodeErrorResponse(UnknownMsgID, "boom")
	if err != nil {
		t.Fatalf("EncodeErrorResponse: %v", err)
	}

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp := decoded.(*Response)
	if resp.MsgID != UnknownMsgID {
		t.Fatalf("msgid = %d, want %d", resp.MsgID, UnknownMsgID)
	}
	if resp.Error != "boom" {
		t.Fatalf("error = %v, want \"boom\"", resp.Error)
	}
}

func TestDecodeRejectsWrongArity(t *testing.T) {
	// Marshal a 3-element array directly; Decode requires exactly 4.
	short, err := msgpack.Marshal([]any{TypeRequest, uint32(1), "method"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(short); err == nil {
		t.Fatal("expected error decoding a 3-element array")
	}

	// A well-formed 4-element request cut short by one byte is rejected
	// as well.
	bad, err := EncodeRequest(&Request{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(bad[:len(bad)-1]); err == nil {
		t.Fatal("expected error decoding truncated message")
	}
}

func TestAsUint64Normalizes(t *testing.T) {
	cases := []any{uint64(5), uint32(5), uint8(5), int64(5), int(5)}
	for _, c := range cases {
		n, err := AsUint64(c, "field")
		if err != nil {
			t.Fatalf("AsUint64(%v): %v", c, err)
		}
		if n != 5 {
			t.Fatalf("AsUint64(%v) = %d, want 5", c, n)
		}
	}

	if _, err := AsUint64(int64(-1), "field"); err == nil {
		t.Fatal("expected error for negative integer")
	}
	if _, err := AsUint64("nope", "field"); err == nil {
		t.Fatal("expected error for non-integer")
	}
}
