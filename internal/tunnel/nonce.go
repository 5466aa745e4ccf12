package tunnel

// Nonce prefixes provide domain separation between the different box
// uses, following the CurveCP convention reflected in the teacher's
// reference (jchv-curvecp/server.go: helloNoncePrefix, cookieMagic,
// vouchNoncePrefix, etc). Each prefix is concatenated with the
// packet's compressed nonce to form the full 24-byte nacl nonce, so a
// prefix paired with an 8-byte suffix is 16 bytes and a prefix paired
// with a 16-byte suffix is 8 bytes.
var (
	helloNoncePrefix    = fixedPrefix(16, "sbox-client-Hllo")
	initiateNoncePrefix = fixedPrefix(16, "sbox-client-Init")
	vouchNoncePrefix    = fixedPrefix(16, "sbox-vouch-Vouch")
	serverMsgPrefix     = fixedPrefix(16, "sbox-server-Mesg")
	clientMsgPrefix     = fixedPrefix(16, "sbox-client-Mesg")

	cookieNoncePrefix = fixedPrefix(8, "sboxCook")
	minuteNoncePrefix = fixedPrefix(8, "sboxMinK")
)

// fixedPrefix returns s as bytes, panicking unless s is exactly n
// bytes long. Used only to build the constant nonce prefixes above.
func fixedPrefix(n int, s string) []byte {
	if len(s) != n {
		panic("tunnel: bad nonce prefix length")
	}
	return []byte(s)
}

// expandNonce builds a 24-byte nacl nonce from a domain prefix and a
// compressed counter/random suffix. len(prefix)+len(suffix) must be 24.
func expandNonce(prefix []byte, suffix []byte) [24]byte {
	var n [24]byte
	copy(n[:], prefix)
	copy(n[len(prefix):], suffix)
	return n
}
