// Package framing implements the incremental packet framer described
// in spec.md §4.2 (component C2): it turns an arbitrary byte stream
// into complete wire packets without knowing how to deserialize their
// contents, so a TCP read that lands mid-packet never blocks the
// connection engine on a short read.
package framing

import (
	"encoding/binary"

	"github.com/djthinksource/splonebox-core/internal/apierror"
	"github.com/djthinksource/splonebox-core/internal/tunnel"
)

// Frame is one complete packet extracted from the stream: Kind is the
// wire type byte (tunnel.TypeHello, etc) and Payload is the full
// packet including its magic/type header.
type Frame struct {
	Kind    byte
	Payload []byte
}

// Framer holds bytes accumulated from the transport until a complete
// frame is available. It mirrors the cursor state spec.md's design
// notes call out ({data, pos, end, length}): buf holds accumulated
// bytes, pos marks the start of the not-yet-consumed region, and
// wanted caches the target length of the frame currently being
// assembled once it is known.
type Framer struct {
	buf    []byte
	pos    int
	wanted int // 0 until the frame's total length is known
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Fill appends bytes read from the transport to the framer's buffer.
func (f *Framer) Fill(p []byte) {
	f.buf = append(f.buf, p...)
}

// pending returns the number of unconsumed bytes currently buffered.
func (f *Framer) pending() int {
	return len(f.buf) - f.pos
}

// Next extracts one complete frame if enough bytes have been filled.
// ok is false (with a nil error) when more data is needed; it does not
// mean the stream is broken.
func (f *Framer) Next() (frame Frame, ok bool, err error) {
	if f.wanted == 0 {
		if f.pending() < tunnel.RecordHeaderLen && f.pending() < tunnel.HeaderLen {
			return Frame{}, false, nil
		}
		if f.pending() < tunnel.HeaderLen {
			return Frame{}, false, nil
		}

		head := f.buf[f.pos : f.pos+tunnel.HeaderLen]
		if string(head[:7]) != tunnel.Magic {
			return Frame{}, false, apierror.New(apierror.Protocol, "framing: bad magic in stream")
		}
		kind := head[7]

		switch kind {
		case tunnel.TypeHello:
			f.wanted = tunnel.HelloSize
		case tunnel.TypeCookie:
			f.wanted = tunnel.CookieSize
		case tunnel.TypeInitiate:
			f.wanted = tunnel.InitiateSize
		case tunnel.TypeMessage:
			if f.pending() < tunnel.RecordHeaderLen {
				return Frame{}, false, nil
			}
			lenField := f.buf[f.pos+16 : f.pos+18]
			plaintextLen := int(binary.BigEndian.Uint16(lenField))
			f.wanted = tunnel.RecordHeaderLen + plaintextLen + 16
		default:
			return Frame{}, false, apierror.New(apierror.Protocol, "framing: unknown packet type %q", kind)
		}
	}

	if f.pending() < f.wanted {
		return Frame{}, false, nil
	}

	payload := make([]byte, f.wanted)
	copy(payload, f.buf[f.pos:f.pos+f.wanted])
	kind := payload[7]

	f.pos += f.wanted
	f.wanted = 0
	f.compact()

	return Frame{Kind: kind, Payload: payload}, true, nil
}

// compact drops already-consumed bytes once the unconsumed tail is
// small relative to the whole buffer, so a long-lived connection does
// not grow its buffer without bound.
func (f *Framer) compact() {
	if f.pos == 0 {
		return
	}
	if f.pos < 4096 && f.pos*2 < len(f.buf) {
		return
	}
	remaining := len(f.buf) - f.pos
	copy(f.buf, f.buf[f.pos:])
	f.buf = f.buf[:remaining]
	f.pos = 0
}
