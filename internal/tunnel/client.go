package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Client is the client-role counterpart to Tunnel's server-role state
// machine: it drives the hello/cookie/initiate handshake and record
// encryption from the other side of the wire. It exists for
// integration tests that need a real peer to exercise a server Tunnel
// and Engine over an actual connection, without duplicating the wire
// format in every test file.
type Client struct {
	ephemeralPub, ephemeralSec [32]byte
	longTermPub, longTermSec   [32]byte
	serverLongTermPub          [32]byte

	serverEphemeralPub [32]byte
	sessionKey         [32]byte

	outgoingNonce    uint64
	receivedNonceHWM uint64
}

// NewClient creates a client-role handshake state against a known
// server long-term public key.
func NewClient(serverLongTermPub [32]byte) (*Client, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	ltPub, ltSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	n, err := randNonce48()
	if err != nil {
		return nil, err
	}

	return &Client{
		ephemeralPub:      *ephPub,
		ephemeralSec:      *ephSec,
		longTermPub:       *ltPub,
		longTermSec:       *ltSec,
		serverLongTermPub: serverLongTermPub,
		outgoingNonce:     n | 1, // client uses odd nonces, server uses even
	}, nil
}

// LongTermPublic returns the client's long-term public key; its
// upper-case hex encoding is the plugin-key the server derives for
// this peer.
func (c *Client) LongTermPublic() [32]byte { return c.longTermPub }

// BuildHello returns the 192-byte Hello packet.
func (c *Client) BuildHello() ([]byte, error) {
	var nonceSuffix [8]byte
	if _, err := io.ReadFull(rand.Reader, nonceSuffix[:]); err != nil {
		return nil, err
	}
	nonce := expandNonce(helloNoncePrefix, nonceSuffix[:])
	var zero [64]byte
	ciphertext := box.Seal(nil, zero[:], &nonce, &c.serverLongTermPub, &c.ephemeralSec)

	hello := make([]byte, 0, HelloSize)
	hello = append(hello, []byte(Magic)...)
	hello = append(hello, TypeHello)
	hello = append(hello, c.ephemeralPub[:]...)
	hello = append(hello, make([]byte, 64)...)
	hello = append(hello, nonceSuffix[:]...)
	hello = append(hello, ciphertext...)
	if len(hello) != HelloSize {
		return nil, errBadSize
	}
	return hello, nil
}

// CompleteHandshake opens a Cookie packet and returns the Initiate
// packet to send back. On success the client's session key is ready
// for EncryptWrite/DecryptRecord.
func (c *Client) CompleteHandshake(cookie []byte) ([]byte, error) {
	if len(cookie) != CookieSize {
		return nil, errBadSize
	}
	if string(cookie[:7]) != Magic || cookie[7] != TypeCookie {
		return nil, errBadMagic
	}

	outerNonceSuffix := cookie[8:24]
	nonce := expandNonce(cookieNoncePrefix, outerNonceSuffix)
	plaintext, ok := box.Open(nil, cookie[24:], &nonce, &c.serverLongTermPub, &c.ephemeralSec)
	if !ok {
		return nil, errBadBox
	}
	if len(plaintext) != ephemeralKeySize+cookieNonceLen+secretboxOverhead+64+cookieReservedLen {
		return nil, errBadSize
	}
	copy(c.serverEphemeralPub[:], plaintext[:32])
	// The echoed cookie field is the 16-byte nonce plus the 80-byte
	// secretbox that immediately follows the server ephemeral public
	// key; the trailing reserved bytes are the server's own padding and
	// are not part of what Initiate must replay.
	cookieEcho := append([]byte(nil), plaintext[32:128]...)

	var msgNonceSuffix [8]byte
	if _, err := io.ReadFull(rand.Reader, msgNonceSuffix[:]); err != nil {
		return nil, err
	}

	vouchNonce := expandNonce(vouchNoncePrefix, msgNonceSuffix[:])
	vouch := box.Seal(nil, c.ephemeralPub[:], &vouchNonce, &c.serverLongTermPub, &c.longTermSec)

	inner := make([]byte, 0, 96)
	inner = append(inner, c.longTermPub[:]...)
	inner = append(inner, vouch...)
	inner = append(inner, make([]byte, 16)...) // reserved

	boxNonce := expandNonce(initiateNoncePrefix, msgNonceSuffix[:])
	ciphertext := box.Seal(nil, inner, &boxNonce, &c.serverEphemeralPub, &c.ephemeralSec)

	initiate := make([]byte, 0, InitiateSize)
	initiate = append(initiate, []byte(Magic)...)
	initiate = append(initiate, TypeInitiate)
	initiate = append(initiate, c.ephemeralPub[:]...)
	initiate = append(initiate, cookieEcho...)
	initiate = append(initiate, msgNonceSuffix[:]...)
	initiate = append(initiate, ciphertext...)
	if len(initiate) != InitiateSize {
		return nil, errBadSize
	}

	box.Precompute(&c.sessionKey, &c.serverEphemeralPub, &c.ephemeralSec)
	return initiate, nil
}

// EncryptWrite authenticated-encrypts plaintext under the client's
// outgoing (odd-parity) nonce and frames it as a Message record.
func (c *Client) EncryptWrite(plaintext []byte) ([]byte, error) {
	c.outgoingNonce += 2

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], c.outgoingNonce)
	nonce := expandNonce(clientMsgPrefix, nonceBuf[:])
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &c.sessionKey)

	record := make([]byte, 0, RecordHeaderLen+len(ciphertext))
	record = append(record, []byte(Magic)...)
	record = append(record, TypeMessage)
	record = append(record, nonceBuf[:]...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(plaintext)))
	record = append(record, lenBuf[:]...)
	record = append(record, make([]byte, RecordHeaderLen-HeaderLen-msgNonceLen-2)...)
	record = append(record, ciphertext...)
	return record, nil
}

// DecryptRecord authenticated-decrypts a Message record the server
// sent (the server signs with even nonces under serverMsgPrefix).
func (c *Client) DecryptRecord(record []byte) ([]byte, error) {
	if len(record) < RecordHeaderLen {
		return nil, errBadSize
	}
	if string(record[:7]) != Magic || record[7] != TypeMessage {
		return nil, errBadMagic
	}

	nonceVal := binary.BigEndian.Uint64(record[8:16])
	if nonceVal <= c.receivedNonceHWM {
		return nil, errNonceReplay
	}
	plaintextLen := int(binary.BigEndian.Uint16(record[16:18]))
	body := record[RecordHeaderLen:]
	if len(body) != plaintextLen+secretboxOverhead {
		return nil, errBadSize
	}

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonceVal)
	nonce := expandNonce(serverMsgPrefix, nonceBuf[:])
	plaintext, ok := secretbox.Open(nil, body, &nonce, &c.sessionKey)
	if !ok {
		return nil, errBadBox
	}

	c.receivedNonceHWM = nonceVal
	return plaintext, nil
}
