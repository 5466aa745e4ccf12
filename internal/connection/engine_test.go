package connection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/djthinksource/splonebox-core/internal/codec"
	"github.com/djthinksource/splonebox-core/internal/logging"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

// readMessageRecord reads one complete Message record (40-byte header
// plus its variable-length body) off conn, the way framing.Framer
// would, without pulling in the framer itself.
func readMessageRecord(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := make([]byte, tunnel.RecordHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read record header: %v", err)
	}
	plaintextLen := int(binary.BigEndian.Uint16(header[16:18]))
	body := make([]byte, plaintextLen+16)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read record body: %v", err)
	}
	return append(header, body...)
}

// establishHandshake drives a tunnel.Client through hello/cookie/
// initiate against the server Engine listening on the other end of
// client, and returns the client state ready for EncryptWrite/
// DecryptRecord.
func establishHandshake(t *testing.T, serverPub [32]byte, client net.Conn) *tunnel.Client {
	t.Helper()
	ct, err := tunnel.NewClient(serverPub)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	hello, err := ct.BuildHello()
	if err != nil {
		t.Fatalf("BuildHello: %v", err)
	}
	if _, err := client.Write(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	cookie := make([]byte, tunnel.CookieSize)
	if _, err := io.ReadFull(client, cookie); err != nil {
		t.Fatalf("read cookie: %v", err)
	}

	initiate, err := ct.CompleteHandshake(cookie)
	if err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}
	if _, err := client.Write(initiate); err != nil {
		t.Fatalf("write initiate: %v", err)
	}

	return ct
}

// newEstablishedEngine runs a real Engine against a net.Pipe, drives
// the handshake to completion, and returns the client side of the
// pipe, the client's tunnel state, the server-side Connection, and a
// cancel func that stops the engine's event loop.
func newEstablishedEngine(t *testing.T) (client net.Conn, ct *tunnel.Client, conn *Connection, cancel context.CancelFunc) {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	lt := tunnel.LongTerm{Public: *pub, Secret: *sec}

	e := NewEngine(lt, logging.New(false))

	ctx, cancelFn := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx, make(chan struct{})) }()

	var server net.Conn
	client, server = net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	e.Accept(server)

	ct = establishHandshake(t, lt.Public, client)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, ok := e.Registry().Connections.Get(1)
		if ok && c.Tunnel().Phase() == tunnel.Established {
			conn = c
			break
		}
		time.Sleep(time.Millisecond)
	}
	if conn == nil {
		t.Fatal("handshake did not reach Established within deadline")
	}

	return client, ct, conn, cancelFn
}

type sendRequestResult struct {
	ci  *CallInfo
	err error
}

// TestMismatchedResponseFailsAllCallInfosAndCloses exercises spec.md
// §4.4 scenario S3: a Response whose msgid does not match the
// outstanding call desyncs the connection, so every CallInfo is
// failed and the connection is closed rather than left waiting.
func TestMismatchedResponseFailsAllCallInfosAndCloses(t *testing.T) {
	client, ct, conn, cancel := newEstablishedEngine(t)
	defer cancel()

	resultCh := make(chan sendRequestResult, 1)
	go func() {
		ci, err := conn.SendRequest(context.Background(), "probe", nil)
		resultCh <- sendRequestResult{ci, err}
	}()

	record := readMessageRecord(t, client)
	plaintext, err := ct.DecryptRecord(record)
	if err != nil {
		t.Fatalf("client decrypt request: %v", err)
	}
	msg, err := codec.Decode(plaintext)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	req, ok := msg.(*codec.Request)
	if !ok {
		t.Fatalf("expected *codec.Request, got %T", msg)
	}

	badResp, err := codec.EncodeResponse(&codec.Response{MsgID: req.MsgID + 1, Result: "wrong call"})
	if err != nil {
		t.Fatal(err)
	}
	respRecord, err := ct.EncryptWrite(badResp)
	if err != nil {
		t.Fatalf("EncryptWrite: %v", err)
	}
	if _, err := client.Write(respRecord); err != nil {
		t.Fatalf("write mismatched response: %v", err)
	}

	select {
	case res := <-resultCh:
		if !res.ci.HasResponse || !res.ci.ErrorResponse {
			t.Fatalf("CallInfo = %+v, want HasResponse=true ErrorResponse=true", res.ci)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest did not return after a mismatched response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.Closed() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connection was not closed after a mismatched response")
}

// TestEOFDuringSuspendedSendRequestFailsCallInfo exercises spec.md
// §4.4 scenario S6: the peer disconnecting while a send_request is
// suspended waiting on a response must fail that CallInfo rather than
// leave it blocked forever.
func TestEOFDuringSuspendedSendRequestFailsCallInfo(t *testing.T) {
	client, _, conn, cancel := newEstablishedEngine(t)
	defer cancel()

	resultCh := make(chan sendRequestResult, 1)
	go func() {
		ci, err := conn.SendRequest(context.Background(), "probe", nil)
		resultCh <- sendRequestResult{ci, err}
	}()

	// Drain the outgoing request so send_request is genuinely suspended
	// waiting on a response, then sever the connection out from under
	// it.
	_ = readMessageRecord(t, client)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-resultCh:
		if !res.ci.HasResponse || !res.ci.ErrorResponse {
			t.Fatalf("CallInfo = %+v, want HasResponse=true ErrorResponse=true after peer EOF", res.ci)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest did not return after the peer disconnected")
	}

	if !conn.Closed() {
		t.Fatal("connection should be closed after reader EOF")
	}
}
