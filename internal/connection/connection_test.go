package connection

import (
	"net"
	"testing"

	"github.com/djthinksource/splonebox-core/internal/equeue"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	var lt tunnel.LongTerm
	tun, err := tunnel.New(lt)
	if err != nil {
		t.Fatal(err)
	}
	c := New(1, server, tun, equeue.New())
	return c, client
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newTestConnection(t)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if !c.Closed() {
		t.Fatal("Closed() false after Close")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got error: %v", err)
	}
}

func TestResolveTopMatchesOnlyTopmostMsgID(t *testing.T) {
	c, _ := newTestConnection(t)

	a := newCallInfo(1)
	b := newCallInfo(2)
	c.PushCallInfo(a)
	c.PushCallInfo(b)

	if c.ResolveTop(1, nil, false) {
		t.Fatal("ResolveTop matched a buried msgid; only the topmost entry may resolve")
	}
	if c.CallDepth() != 2 {
		t.Fatalf("CallDepth after non-matching resolve = %d, want 2", c.CallDepth())
	}

	if !c.ResolveTop(2, "ok", false) {
		t.Fatal("ResolveTop failed to match the topmost msgid")
	}
	if !b.HasResponse || b.ErrorResponse || b.Response != "ok" {
		t.Fatalf("b = %+v, want HasResponse=true ErrorResponse=false Response=ok", b)
	}
	if c.CallDepth() != 1 {
		t.Fatalf("CallDepth after resolving top = %d, want 1", c.CallDepth())
	}

	if !c.ResolveTop(1, "ok2", false) {
		t.Fatal("ResolveTop failed to match the new topmost msgid")
	}
	if c.CallDepth() != 0 {
		t.Fatalf("CallDepth after draining = %d, want 0", c.CallDepth())
	}
}

func TestFailAllCallInfosErrorsEveryEntry(t *testing.T) {
	c, _ := newTestConnection(t)

	a := newCallInfo(1)
	b := newCallInfo(2)
	c.PushCallInfo(a)
	c.PushCallInfo(b)

	c.FailAllCallInfos()

	for _, ci := range []*CallInfo{a, b} {
		if !ci.HasResponse || !ci.ErrorResponse {
			t.Fatalf("CallInfo %+v, want HasResponse=true ErrorResponse=true", ci)
		}
	}
	if c.CallDepth() != 0 {
		t.Fatalf("CallDepth after FailAllCallInfos = %d, want 0", c.CallDepth())
	}
}

func TestRefCounting(t *testing.T) {
	c, _ := newTestConnection(t)

	if c.RefCount() != 1 {
		t.Fatalf("initial RefCount = %d, want 1", c.RefCount())
	}
	c.IncRef()
	if c.RefCount() != 2 {
		t.Fatalf("RefCount after IncRef = %d, want 2", c.RefCount())
	}
	if c.DecRef() {
		t.Fatal("DecRef should not report zero while a reference remains")
	}
	if !c.DecRef() {
		t.Fatal("DecRef should report zero once the last reference is released")
	}
	if c.RefCount() != 0 {
		t.Fatalf("RefCount after releasing all references = %d, want 0", c.RefCount())
	}
}

func TestPluginKeyRoundTrip(t *testing.T) {
	c, _ := newTestConnection(t)
	if c.PluginKey() != "" {
		t.Fatalf("PluginKey before registration = %q, want empty", c.PluginKey())
	}
	c.SetPluginKey("ABC")
	if c.PluginKey() != "ABC" {
		t.Fatalf("PluginKey = %q, want ABC", c.PluginKey())
	}
}
