// Package rcon speaks the Source RCON protocol over pooled TCP channels.
package rcon

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"sync"

	"github.com/woozymasta/herald/internal/message"
)

// Packet types.
const (
	TypeResponseValue int32 = 0
	TypeExecCommand   int32 = 2
	TypeAuthResponse  int32 = 2
	TypeAuth          int32 = 3
)

const (
	// headerSize is the id and type fields.
	headerSize = 8
	// MaxBodySize is the largest body a server sends in one packet.
	MaxBodySize = 4096
	minPacket   = headerSize + 2
	maxPacket   = headerSize + MaxBodySize + 2
)

var (
	// ErrAuthFailed is returned when the server rejects the password.
	ErrAuthFailed = errors.New("rcon authentication failed")
	// ErrMalformedPacket is returned for packets violating the framing.
	ErrMalformedPacket = errors.New("malformed rcon packet")
)

// AuthRequest authenticates the connection.
type AuthRequest struct {
	message.BaseRequest
	Password string
}

// CommandRequest runs a console command.
type CommandRequest struct {
	message.BaseRequest
	Command string
}

// Packet is a decoded server packet.
type Packet struct {
	Body string
	ID   int32
	Type int32
}

// Codec encodes requests and decodes packets. It remembers pending auth ids so the
// empty RESPONSE_VALUE servers send ahead of the auth answer can be skipped.
type Codec struct {
	auth sync.Map
}

// NewCodec returns a codec.
func NewCodec() *Codec { return &Codec{} }

// Encode builds the packet of an auth or command request. The transaction id is
// the packet id.
func (c *Codec) Encode(req message.Request) ([]byte, error) {
	id, err := packetID(req.TransactionID())
	if err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case *AuthRequest:
		c.auth.Store(id, struct{}{})
		return EncodePacket(id, TypeAuth, r.Password)
	case *CommandRequest:
		return EncodePacket(id, TypeExecCommand, r.Command)
	default:
		return nil, fmt.Errorf("rcon cannot encode %s", message.TypeName(req))
	}
}

// Decode parses one frame. It returns nil, nil for the empty RESPONSE_VALUE that
// precedes an auth answer.
func (c *Codec) Decode(data []byte, from netip.AddrPort) (message.Response, error) {
	p, err := DecodePacket(data)
	if err != nil {
		return nil, err
	}

	if p.Type == TypeAuthResponse {
		if p.ID == -1 {
			return nil, ErrAuthFailed
		}
		if _, pending := c.auth.LoadAndDelete(p.ID); pending {
			return message.NewBaseResponse(from, strconv.Itoa(int(p.ID)), p), nil
		}
	}
	if p.Type == TypeResponseValue && p.Body == "" {
		if _, pending := c.auth.Load(p.ID); pending {
			return nil, nil
		}
	}

	return message.NewBaseResponse(from, strconv.Itoa(int(p.ID)), p), nil
}

// Forget drops the pending auth state of a transaction.
func (c *Codec) Forget(txID string) {
	if id, err := packetID(txID); err == nil {
		c.auth.Delete(id)
	}
}

// ReadFrame reads one size-prefixed packet and returns it without the size field.
func (c *Codec) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var size int32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size < minPacket || size > maxPacket {
		return nil, fmt.Errorf("%w: size %d", ErrMalformedPacket, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodePacket serializes a packet including its size field.
func EncodePacket(id, typ int32, body string) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrMalformedPacket, len(body))
	}

	size := headerSize + len(body) + 2
	buf := bytes.NewBuffer(make([]byte, 0, size+4))
	_ = binary.Write(buf, binary.LittleEndian, int32(size))
	_ = binary.Write(buf, binary.LittleEndian, id)
	_ = binary.Write(buf, binary.LittleEndian, typ)
	buf.WriteString(body)
	buf.Write([]byte{0, 0})

	return buf.Bytes(), nil
}

// DecodePacket parses a frame returned by ReadFrame.
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) < minPacket {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(frame))
	}
	if frame[len(frame)-1] != 0 || frame[len(frame)-2] != 0 {
		return Packet{}, fmt.Errorf("%w: missing terminator", ErrMalformedPacket)
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(frame[0:4])),
		Type: int32(binary.LittleEndian.Uint32(frame[4:8])),
		Body: string(frame[headerSize : len(frame)-2]),
	}, nil
}

func packetID(txID string) (int32, error) {
	id, err := strconv.ParseInt(txID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("rcon transaction id %q: %w", txID, err)
	}
	if id < 0 {
		return 0, fmt.Errorf("rcon transaction id %q is negative", txID)
	}
	return int32(id), nil
}
