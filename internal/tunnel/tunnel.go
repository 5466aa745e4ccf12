package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/djthinksource/splonebox-core/internal/apierror"
)

// Phase is the crypto tunnel's handshake state (spec.md §3, §4.1).
type Phase int

const (
	Initial Phase = iota
	CookieSent
	Established
)

// PluginKeyLen is the length, in printable characters, of a plugin-key
// derived from a peer's long-term public key (spec.md GLOSSARY).
const PluginKeyLen = 64

var (
	errBadMagic     = errors.New("tunnel: bad magic/type")
	errBadSize      = errors.New("tunnel: wrong packet size")
	errBadBox       = errors.New("tunnel: box authentication failed")
	errNonceReplay  = errors.New("tunnel: nonce not greater than high-water mark")
	errWrongPhase   = errors.New("tunnel: packet not valid in current phase")
)

// LongTerm is the server's long-term identity, loaded from the keys
// directory (internal/keys).
type LongTerm struct {
	Public [32]byte
	Secret [32]byte
}

// Tunnel is the per-connection crypto state machine described in
// spec.md §4.1.
type Tunnel struct {
	phase Phase

	longTerm LongTerm

	localEphemeralPub  [32]byte
	localEphemeralSec  [32]byte
	remoteEphemeralPub [32]byte

	sessionKey [32]byte // precomputed shared key, valid once Established

	outgoingNonce    uint64
	receivedNonceHWM uint64

	minuteKey, prevMinuteKey [32]byte
	minuteKeyAt              time.Time

	pluginKey string
}

// New creates a server-role tunnel in the Initial phase.
func New(longTerm LongTerm) (*Tunnel, error) {
	t := &Tunnel{
		phase:       Initial,
		longTerm:    longTerm,
		minuteKeyAt: time.Now(),
	}

	if _, err := io.ReadFull(rand.Reader, t.minuteKey[:]); err != nil {
		return nil, err
	}
	copy(t.prevMinuteKey[:], t.minuteKey[:])

	n, err := randNonce48()
	if err != nil {
		return nil, err
	}
	// Server uses even nonces, forced by clearing the low bit.
	t.outgoingNonce = n &^ 1

	return t, nil
}

func randNonce48() (uint64, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 48)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// Phase returns the tunnel's current handshake phase.
func (t *Tunnel) Phase() Phase { return t.phase }

// PluginKey returns the remote peer's plugin-key, valid once
// Established.
func (t *Tunnel) PluginKey() string { return t.pluginKey }

// RotateMinuteKey replaces the previous minute key with the current
// one and draws a fresh current key, per spec.md §4.1. Called on a
// 60-second timer by the owning connection engine.
func (t *Tunnel) RotateMinuteKey() error {
	t.prevMinuteKey = t.minuteKey
	if _, err := io.ReadFull(rand.Reader, t.minuteKey[:]); err != nil {
		return err
	}
	t.minuteKeyAt = time.Now()
	return nil
}

// RecvHelloSendCookie consumes a 192-byte Hello packet and returns a
// 200-byte Cookie response. On any failure the tunnel remains in
// Initial (the client may retry), as required by spec.md §4.1.
func (t *Tunnel) RecvHelloSendCookie(hello []byte) ([]byte, error) {
	if t.phase != Initial {
		return nil, errWrongPhase
	}
	if len(hello) != HelloSize {
		return nil, fmt.Errorf("%w: hello size %d", errBadSize, len(hello))
	}
	if string(hello[:7]) != Magic || hello[7] != TypeHello {
		return nil, errBadMagic
	}

	var clientEphemeralPub [32]byte
	copy(clientEphemeralPub[:], hello[8:40])
	nonceSuffix := hello[104:112]

	nonce := expandNonce(helloNoncePrefix, nonceSuffix)
	if _, ok := box.Open(nil, hello[112:192], &nonce, &clientEphemeralPub, &t.longTerm.Secret); !ok {
		return nil, errBadBox
	}

	serverPub, serverSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tunnel: generate ephemeral key: %w", err)
	}
	t.localEphemeralPub = *serverPub
	t.localEphemeralSec = *serverSec
	t.remoteEphemeralPub = clientEphemeralPub

	cookieNonceSuffix := make([]byte, cookieNonceLen)
	if _, err := io.ReadFull(rand.Reader, cookieNonceSuffix); err != nil {
		return nil, err
	}
	minuteNonce := expandNonce(minuteNoncePrefix, cookieNonceSuffix)

	var cookieInner [64]byte
	copy(cookieInner[:32], clientEphemeralPub[:])
	copy(cookieInner[32:], t.localEphemeralSec[:])
	cookieBox := secretbox.Seal(nil, cookieInner[:], &minuteNonce, &t.minuteKey)

	plaintext := make([]byte, 0, ephemeralKeySize+cookieNonceLen+len(cookieBox)+cookieReservedLen)
	plaintext = append(plaintext, t.localEphemeralPub[:]...)
	plaintext = append(plaintext, cookieNonceSuffix...)
	plaintext = append(plaintext, cookieBox...)
	plaintext = append(plaintext, make([]byte, cookieReservedLen)...)

	outerNonceSuffix := make([]byte, cookieNonceLen)
	if _, err := io.ReadFull(rand.Reader, outerNonceSuffix); err != nil {
		return nil, err
	}
	outerNonce := expandNonce(cookieNoncePrefix, outerNonceSuffix)
	ciphertext := box.Seal(nil, plaintext, &outerNonce, &clientEphemeralPub, &t.longTerm.Secret)

	cookie := make([]byte, 0, CookieSize)
	cookie = append(cookie, []byte(Magic)...)
	cookie = append(cookie, TypeCookie)
	cookie = append(cookie, outerNonceSuffix...)
	cookie = append(cookie, ciphertext...)

	if len(cookie) != CookieSize {
		return nil, fmt.Errorf("tunnel: internal cookie size mismatch: %d", len(cookie))
	}

	t.phase = CookieSent
	return cookie, nil
}

// RecvInitiate consumes a 256-byte Initiate packet. On success the
// tunnel moves to Established and PluginKey() becomes valid. On
// failure the tunnel resets to Initial so the client may retry,
// without closing the connection (spec.md §4.1).
func (t *Tunnel) RecvInitiate(initiate []byte) error {
	if t.phase != CookieSent {
		return errWrongPhase
	}
	if len(initiate) != InitiateSize {
		t.phase = Initial
		return fmt.Errorf("%w: initiate size %d", errBadSize, len(initiate))
	}
	if string(initiate[:7]) != Magic || initiate[7] != TypeInitiate {
		t.phase = Initial
		return errBadMagic
	}

	var clientEphemeralPub [32]byte
	copy(clientEphemeralPub[:], initiate[8:40])

	cookieEcho := initiate[40:136]
	cookieNonceSuffix := cookieEcho[:cookieNonceLen]
	cookieCipher := cookieEcho[cookieNonceLen:]
	minuteNonce := expandNonce(minuteNoncePrefix, cookieNonceSuffix)

	cookieInner, ok := secretbox.Open(nil, cookieCipher, &minuteNonce, &t.minuteKey)
	if !ok {
		cookieInner, ok = secretbox.Open(nil, cookieCipher, &minuteNonce, &t.prevMinuteKey)
	}
	if !ok {
		t.phase = Initial
		return fmt.Errorf("%w: cookie not authenticated by current or previous minute key", errBadBox)
	}
	if len(cookieInner) != 64 {
		t.phase = Initial
		return errBadSize
	}
	if !constantTimeEqual(cookieInner[:32], clientEphemeralPub[:]) {
		t.phase = Initial
		return fmt.Errorf("%w: cookie/client ephemeral key mismatch", errBadBox)
	}
	var serverEphemeralSec [32]byte
	copy(serverEphemeralSec[:], cookieInner[32:])

	msgNonceSuffix := initiate[136:144]
	boxNonce := expandNonce(initiateNoncePrefix, msgNonceSuffix)
	plaintext, ok := box.Open(nil, initiate[144:256], &boxNonce, &clientEphemeralPub, &serverEphemeralSec)
	if !ok {
		t.phase = Initial
		return fmt.Errorf("%w: initiate box", errBadBox)
	}
	if len(plaintext) != 96 {
		t.phase = Initial
		return errBadSize
	}

	var clientLongTermPub [32]byte
	copy(clientLongTermPub[:], plaintext[:32])
	vouchCipher := plaintext[32:80]

	vouchNonce := expandNonce(vouchNoncePrefix, msgNonceSuffix)
	vouch, ok := box.Open(nil, vouchCipher, &vouchNonce, &clientLongTermPub, &t.longTerm.Secret)
	if !ok || !constantTimeEqual(vouch, clientEphemeralPub[:]) {
		t.phase = Initial
		return fmt.Errorf("%w: vouch verification failed", errBadBox)
	}

	box.Precompute(&t.sessionKey, &clientEphemeralPub, &serverEphemeralSec)
	t.localEphemeralSec = serverEphemeralSec
	t.remoteEphemeralPub = clientEphemeralPub
	t.pluginKey = derivePluginKey(clientLongTermPub)
	t.phase = Established

	return nil
}

// derivePluginKey renders a peer's long-term public key as its
// plugin-key: uppercase hex, so it compares equal to the upper-cased
// targetpluginkey argument run's caller supplies (spec.md §4.5).
func derivePluginKey(longTermPub [32]byte) string {
	return strings.ToUpper(hex.EncodeToString(longTermPub[:]))
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// RecordHeader describes a verified Message record header.
type RecordHeader struct {
	Nonce         uint64
	PlaintextLen  int
	RecordBodyLen int // ciphertext bytes following the 40-byte header
}

// VerifyHeader validates the 40-byte Message record header described
// in wire.go and returns the plaintext/body lengths the Packet Framer
// (C2) needs, without touching ciphertext. It does not advance the
// received-nonce high-water mark; that happens only once the record
// is actually decrypted, in DecryptRecord.
func (t *Tunnel) VerifyHeader(header []byte) (RecordHeader, error) {
	if t.phase != Established {
		return RecordHeader{}, errWrongPhase
	}
	if len(header) < RecordHeaderLen {
		return RecordHeader{}, fmt.Errorf("%w: short header", errBadSize)
	}
	if string(header[:7]) != Magic || header[7] != TypeMessage {
		return RecordHeader{}, errBadMagic
	}

	nonce := binary.BigEndian.Uint64(header[8:16])
	if nonce <= t.receivedNonceHWM {
		return RecordHeader{}, errNonceReplay
	}

	plaintextLen := int(binary.BigEndian.Uint16(header[16:18]))

	return RecordHeader{
		Nonce:         nonce,
		PlaintextLen:  plaintextLen,
		RecordBodyLen: plaintextLen + secretboxOverhead,
	}, nil
}

// DecryptRecord authenticated-decrypts body (the RecordBodyLen bytes
// following the header) using the nonce from a previously verified
// header, and advances the received-nonce high-water mark on success.
func (t *Tunnel) DecryptRecord(rh RecordHeader, body []byte) ([]byte, error) {
	if len(body) != rh.RecordBodyLen {
		return nil, fmt.Errorf("%w: body length %d, expected %d", errBadSize, len(body), rh.RecordBodyLen)
	}

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], rh.Nonce)
	nonce := expandNonce(clientMsgPrefix, nonceBuf[:])

	plaintext, ok := secretbox.Open(nil, body, &nonce, &t.sessionKey)
	if !ok {
		return nil, errBadBox
	}

	t.receivedNonceHWM = rh.Nonce
	return plaintext, nil
}

// EncryptWrite authenticated-encrypts plaintext and frames it with a
// 40-byte header, per the crypto_write procedure in spec.md §4.1: the
// local nonce is advanced by 2, preserving parity, before each record.
func (t *Tunnel) EncryptWrite(plaintext []byte) ([]byte, error) {
	if t.phase != Established {
		return nil, errWrongPhase
	}
	if len(plaintext) > 0xFFFF {
		return nil, apierror.New(apierror.Resource, "message too large to frame: %d bytes", len(plaintext))
	}

	t.outgoingNonce += 2

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], t.outgoingNonce)
	nonce := expandNonce(serverMsgPrefix, nonceBuf[:])

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &t.sessionKey)

	record := make([]byte, 0, RecordHeaderLen+len(ciphertext))
	record = append(record, []byte(Magic)...)
	record = append(record, TypeMessage)
	record = append(record, nonceBuf[:]...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(plaintext)))
	record = append(record, lenBuf[:]...)
	record = append(record, make([]byte, RecordHeaderLen-HeaderLen-msgNonceLen-2)...) // reserved padding
	record = append(record, ciphertext...)

	return record, nil
}
