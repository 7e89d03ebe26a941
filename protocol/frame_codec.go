// File: protocol/frame_codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Length-prefixed frame assembly with payload size enforcement.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-bus/api"
)

// MaxFramePayload bounds the length field of a single frame.
const MaxFramePayload = 0xFFFFFF

// LengthPrefixSize is the prefix of a ProtoPb frame.
const LengthPrefixSize = 4

// Assembler turns a stream's byte sequence into complete packages.
// Partial frames are kept until the rest arrives. Not safe for concurrent use.
type Assembler struct {
	proto  api.Prototype
	header int
	buf    []byte
	// bumped by Reset, so Feed notices a framing switch made from emit
	gen uint64
}

// NewAssembler creates an assembler for the given prototype.
func NewAssembler(proto api.Prototype) *Assembler {
	a := &Assembler{}
	a.SetPrototype(proto)
	return a
}

// SetPrototype switches framing and drops any partial frame.
func (a *Assembler) SetPrototype(proto api.Prototype) {
	a.Reset()
	a.proto = proto
	switch proto {
	case api.ProtoRpc:
		a.header = RouterHeaderSize
	case api.ProtoText:
		a.header = 0
	default:
		a.proto = api.ProtoPb
		a.header = LengthPrefixSize
	}
}

// Prototype reports the active framing.
func (a *Assembler) Prototype() api.Prototype { return a.proto }

// Buffered reports how many bytes of an incomplete frame are held.
func (a *Assembler) Buffered() int { return len(a.buf) }

// Reset drops any partial frame. A Feed in progress stops after the
// current emit and discards the rest of its input.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.gen++
}

// Feed consumes data and calls emit once per complete frame, header included.
// The emitted slice is only valid during the call. An oversized length field
// is a protocol violation: the partial state is dropped and an error returned.
// emit may call SetPrototype or Reset; the unparsed remainder is then dropped.
func (a *Assembler) Feed(data []byte, emit func(frame []byte)) error {
	header, gen := a.header, a.gen
	if header == 0 {
		if len(data) > 0 {
			emit(data)
		}
		return nil
	}
	src := data
	buffered := len(a.buf) > 0
	if buffered {
		a.buf = append(a.buf, data...)
		src = a.buf
	}
	off := 0
	for len(src)-off >= header {
		rest := src[off:]
		n := binary.NativeEndian.Uint32(rest)
		if n > MaxFramePayload {
			a.buf = a.buf[:0]
			return fmt.Errorf("%w: %d bytes", api.ErrFrameTooLarge, n)
		}
		total := header + int(n)
		if len(rest) < total {
			break
		}
		emit(rest[:total])
		if a.gen != gen {
			return nil
		}
		off += total
	}
	if buffered {
		m := copy(a.buf, a.buf[off:])
		a.buf = a.buf[:m]
	} else {
		a.buf = append(a.buf[:0], src[off:]...)
	}
	return nil
}

// EncodeFrame prepends a ProtoPb length prefix to payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, api.ErrFrameTooLarge
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.NativeEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf, nil
}
