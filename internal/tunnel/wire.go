// Package tunnel implements the CurveCP-style crypto tunnel (spec.md
// §4.1, component C1): the hello/cookie/initiate handshake and the
// encrypted record framing used once the tunnel is established.
//
// Packet layouts (server role; all sizes include the 8-byte magic+type
// header):
//
// HELLO, client -> server, 192 bytes:
//
//	0   : 8  : magic "rZQTd2n" + type 'H'
//	8   : 32 : client ephemeral public key
//	40  : 64 : zero padding
//	104 : 8  : compressed nonce
//	112 : 80 : box(client ephemeral -> server long-term) of 64 zero bytes
//
// COOKIE, server -> client, 200 bytes:
//
//	0  : 8   : magic + type 'C'
//	8  : 16  : compressed nonce
//	24 : 176 : box(server long-term -> client ephemeral) containing:
//	            0   : 32 : server ephemeral public key
//	            32  : 16 : cookie nonce
//	            48  : 80 : secretbox(minute key) of {client ephemeral pub, server ephemeral secret}
//	            128 : 32 : reserved (zero; not part of the echoed cookie field)
//
// INITIATE, client -> server, 256 bytes:
//
//	0   : 8   : magic + type 'I'
//	8   : 32  : client ephemeral public key
//	40  : 96  : cookie echo (nonce + secretbox from the Cookie packet)
//	136 : 8   : compressed nonce
//	144 : 112 : box(client ephemeral -> server ephemeral) containing:
//	             0  : 32 : client long-term public key
//	             32 : 48 : vouch: box(client long-term -> server long-term) of client ephemeral pub
//	             80 : 16 : reserved
//
// MESSAGE, both directions, 40-byte header + variable body:
//
//	0  : 7  : magic "rZQTd2n"
//	7  : 1  : type 'M'
//	8  : 8  : compressed nonce
//	16 : 2  : plaintext length L (big-endian uint16)
//	18 : 22 : reserved
//	40 : L+16 : secretbox ciphertext (L bytes plaintext + 16-byte auth tag)
package tunnel

const (
	// Magic is the 7-byte prefix shared by every packet.
	Magic = "rZQTd2n"

	TypeHello    = 'H'
	TypeCookie   = 'C'
	TypeInitiate = 'I'
	TypeMessage  = 'M'

	HeaderLen = len(Magic) + 1 // magic + type

	HelloSize    = 192
	CookieSize   = 200
	InitiateSize = 256

	RecordHeaderLen = 40
	boxOverhead     = 16
	secretboxOverhead = 16

	ephemeralKeySize = 32
	longTermKeySize  = 32
	minuteKeySize    = 32

	cookieNonceLen = 16
	msgNonceLen    = 8

	// cookieReservedLen pads the Cookie packet's outer box plaintext up
	// to spec.md §6's pinned 200-byte wire size. The client ignores
	// these bytes; they are not part of the cookie field it echoes back
	// in Initiate.
	cookieReservedLen = 32
)

// MinutePeriodSeconds is how often the server rotates its minute key (§4.1).
const MinutePeriodSeconds = 60
