// Package codec declares the plug points protocol packages implement to turn
// requests into bytes and bytes back into responses.
package codec

import (
	"bufio"
	"net/netip"

	"github.com/woozymasta/herald/internal/message"
)

// Encoder serializes an outgoing request.
type Encoder interface {
	Encode(req message.Request) ([]byte, error)
}

// Decoder parses one inbound frame received from addr.
//
// A decoder must always populate the transaction id of the responses it returns
// when the protocol has one. Returning a nil response with a nil error means the
// frame was consumed without producing a deliverable message (for example an
// intermediate packet of a multi-packet exchange).
type Decoder interface {
	Decode(data []byte, from netip.AddrPort) (message.Response, error)
}

// Codec is both an Encoder and a Decoder.
type Codec interface {
	Encoder
	Decoder
}

// Framer splits a byte stream into frames.
type Framer interface {
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// FramerFunc adapts a function to Framer.
type FramerFunc func(r *bufio.Reader) ([]byte, error)

// ReadFrame calls f.
func (f FramerFunc) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return f(r)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(req message.Request) ([]byte, error)

// Encode calls f.
func (f EncoderFunc) Encode(req message.Request) ([]byte, error) {
	return f(req)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte, from netip.AddrPort) (message.Response, error)

// Decode calls f.
func (f DecoderFunc) Decode(data []byte, from netip.AddrPort) (message.Response, error) {
	return f(data, from)
}
