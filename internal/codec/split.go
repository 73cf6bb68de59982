package codec

import (
	"errors"
	"fmt"
)

// MaxSplitPackets bounds the declared packet count of a split response.
const MaxSplitPackets = 128

var (
	// ErrPacketTooLarge means a fragment or the assembled payload exceeds the configured limit.
	ErrPacketTooLarge = errors.New("packet too large")
	// ErrIncompletePacket means Assemble was called before all fragments arrived.
	ErrIncompletePacket = errors.New("incomplete split packet")
	// ErrPacketMismatch means a fragment contradicts the ones already collected.
	ErrPacketMismatch = errors.New("split packet mismatch")
)

// SplitPacket collects the numbered fragments of one multi-packet response.
//
// It only tracks fragments: how a protocol numbers, compresses or checksums
// them is left to the decoder that owns the container.
type SplitPacket struct {
	fragments [][]byte
	id        int64
	total     int
	received  int
	size      int
	maxSize   int
}

// NewSplitPacket returns a container for response id announced as total fragments.
// maxSize bounds the assembled payload, zero means unbounded.
func NewSplitPacket(id int64, total, maxSize int) (*SplitPacket, error) {
	if total <= 0 || total > MaxSplitPackets {
		return nil, fmt.Errorf("%w: %d fragments declared", ErrPacketTooLarge, total)
	}
	return &SplitPacket{
		id:        id,
		total:     total,
		maxSize:   maxSize,
		fragments: make([][]byte, total),
	}, nil
}

// ID returns the response id shared by all fragments.
func (p *SplitPacket) ID() int64 { return p.id }

// Total returns the announced number of fragments.
func (p *SplitPacket) Total() int { return p.total }

// Received returns the number of distinct fragments collected.
func (p *SplitPacket) Received() int { return p.received }

// Add stores fragment index (zero based). Duplicate fragments are ignored.
func (p *SplitPacket) Add(index, total int, data []byte) error {
	if total != p.total {
		return fmt.Errorf("%w: fragment announces %d packets, expected %d", ErrPacketMismatch, total, p.total)
	}
	if index < 0 || index >= p.total {
		return fmt.Errorf("%w: fragment index %d out of range", ErrPacketMismatch, index)
	}
	if p.fragments[index] != nil {
		return nil
	}
	if p.maxSize > 0 && p.size+len(data) > p.maxSize {
		return fmt.Errorf("%w: %d bytes exceed limit %d", ErrPacketTooLarge, p.size+len(data), p.maxSize)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	p.fragments[index] = buf
	p.received++
	p.size += len(data)

	return nil
}

// Complete reports whether every fragment arrived.
func (p *SplitPacket) Complete() bool {
	return p.received == p.total
}

// Assemble concatenates the fragments in order.
func (p *SplitPacket) Assemble() ([]byte, error) {
	if !p.Complete() {
		return nil, fmt.Errorf("%w: %d of %d fragments", ErrIncompletePacket, p.received, p.total)
	}
	out := make([]byte, 0, p.size)
	for _, f := range p.fragments {
		out = append(out, f...)
	}
	return out, nil
}
