package tunnel

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

func newServerTunnel(t *testing.T) (*Tunnel, LongTerm) {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	lt := LongTerm{Public: *pub, Secret: *sec}
	tun, err := New(lt)
	if err != nil {
		t.Fatal(err)
	}
	return tun, lt
}

func newTestClient(t *testing.T, serverLongTermPub [32]byte) *Client {
	t.Helper()
	c, err := NewClient(serverLongTermPub)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func handshake(t *testing.T) (srv *Tunnel, lt LongTerm, client *Client) {
	t.Helper()
	srv, lt = newServerTunnel(t)
	client = newTestClient(t, lt.Public)

	hello, err := client.BuildHello()
	if err != nil {
		t.Fatalf("BuildHello: %v", err)
	}
	cookie, err := srv.RecvHelloSendCookie(hello)
	if err != nil {
		t.Fatalf("RecvHelloSendCookie: %v", err)
	}
	if srv.Phase() != CookieSent {
		t.Fatalf("phase after cookie = %v, want CookieSent", srv.Phase())
	}

	initiate, err := client.CompleteHandshake(cookie)
	if err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}
	if err := srv.RecvInitiate(initiate); err != nil {
		t.Fatalf("RecvInitiate: %v", err)
	}
	if srv.Phase() != Established {
		t.Fatalf("phase after initiate = %v, want Established", srv.Phase())
	}
	return srv, lt, client
}

func TestHandshakeEstablishesSharedSession(t *testing.T) {
	srv, _, client := handshake(t)

	if srv.PluginKey() == "" {
		t.Fatal("expected non-empty plugin key once established")
	}
	if !bytes.Equal(srv.sessionKey[:], client.sessionKey[:]) {
		t.Fatal("client and server derived different session keys")
	}
}

func TestHandshakeRejectsWrongSizeHello(t *testing.T) {
	srv, _ := newServerTunnel(t)
	_, err := srv.RecvHelloSendCookie(make([]byte, HelloSize-1))
	if err == nil {
		t.Fatal("expected error for undersized hello")
	}
	if srv.Phase() != Initial {
		t.Fatalf("phase = %v, want Initial after rejected hello", srv.Phase())
	}
}

func TestCookieSizeMatchesPinnedWireFormat(t *testing.T) {
	srv, _, _ := handshake(t)
	if srv.Phase() != Established {
		t.Fatal("handshake did not establish")
	}
	if CookieSize != 200 {
		t.Fatalf("CookieSize = %d, want 200", CookieSize)
	}
	if InitiateSize != 256 {
		t.Fatalf("InitiateSize = %d, want 256", InitiateSize)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	srv, _, client := handshake(t)

	plaintext := []byte("hello over the established tunnel")
	record, err := srv.EncryptWrite(plaintext)
	if err != nil {
		t.Fatalf("EncryptWrite: %v", err)
	}

	rh, err := srv.VerifyHeader(record[:RecordHeaderLen])
	if err == nil {
		// The server encrypted with its own outgoing nonce under
		// serverMsgPrefix; decrypting its own record with
		// DecryptRecord (which expects clientMsgPrefix) must fail,
		// proving direction separation is enforced.
		if _, err := srv.DecryptRecord(rh, record[RecordHeaderLen:]); err == nil {
			t.Fatal("expected direction-separated decrypt to fail on own outgoing record")
		}
	}

	got, err := client.DecryptRecord(record)
	if err != nil {
		t.Fatalf("client could not decrypt server's record: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestClientRecordRoundTrip(t *testing.T) {
	srv, _, client := handshake(t)

	plaintext := []byte("hello from the client side")
	record, err := client.EncryptWrite(plaintext)
	if err != nil {
		t.Fatalf("EncryptWrite: %v", err)
	}

	rh, err := srv.VerifyHeader(record[:RecordHeaderLen])
	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	got, err := srv.DecryptRecord(rh, record[RecordHeaderLen:])
	if err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	srv, _, client := handshake(t)

	buildClientRecord := func(nonceVal uint64, plaintext []byte) []byte {
		var nonceBuf [8]byte
		binary.BigEndian.PutUint64(nonceBuf[:], nonceVal)
		nonce := expandNonce(clientMsgPrefix, nonceBuf[:])
		ciphertext := secretbox.Seal(nil, plaintext, &nonce, &client.sessionKey)

		rec := make([]byte, 0, RecordHeaderLen+len(ciphertext))
		rec = append(rec, []byte(Magic)...)
		rec = append(rec, TypeMessage)
		rec = append(rec, nonceBuf[:]...)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(plaintext)))
		rec = append(rec, lenBuf[:]...)
		rec = append(rec, make([]byte, RecordHeaderLen-HeaderLen-8-2)...)
		rec = append(rec, ciphertext...)
		return rec
	}

	rec1 := buildClientRecord(2, []byte("first"))
	rh1, err := srv.VerifyHeader(rec1[:RecordHeaderLen])
	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	if _, err := srv.DecryptRecord(rh1, rec1[RecordHeaderLen:]); err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}

	// A record with a nonce at or below the high-water mark must be
	// rejected at the header-verification stage.
	rec2 := buildClientRecord(2, []byte("replay"))
	if _, err := srv.VerifyHeader(rec2[:RecordHeaderLen]); err == nil {
		t.Fatal("expected replayed nonce to be rejected")
	}

	rec3 := buildClientRecord(4, []byte("second"))
	rh3, err := srv.VerifyHeader(rec3[:RecordHeaderLen])
	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	if _, err := srv.DecryptRecord(rh3, rec3[RecordHeaderLen:]); err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}
}
