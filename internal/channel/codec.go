package channel

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/srg/stepble/internal/device"
)

const (
	// DefaultStepWidth is the step-count payload width in bytes
	DefaultStepWidth = 4

	// MaxStepWidth is the widest payload that fits a uint64
	MaxStepWidth = 8
)

// ByteOrder selects how multi-byte step counts are laid out on the wire
type ByteOrder string

const (
	LittleEndian ByteOrder = "little"
	BigEndian    ByteOrder = "big"
)

// ParseByteOrder accepts "little"/"le" and "big"/"be", case-insensitively
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "le", "little-endian":
		return LittleEndian, nil
	case "big", "be", "big-endian":
		return BigEndian, nil
	default:
		return "", fmt.Errorf("unknown byte order %q (must be little or big)", s)
	}
}

// StepCodec decodes step-count payloads: a fixed-width unsigned integer in a
// fixed byte order. Any other payload length is a decode error.
type StepCodec struct {
	Width int
	Order ByteOrder
}

// DefaultStepCodec is 4-byte little-endian
func DefaultStepCodec() StepCodec {
	return StepCodec{Width: DefaultStepWidth, Order: LittleEndian}
}

// NewStepCodec validates width and byte order
func NewStepCodec(width int, order string) (StepCodec, error) {
	if width < 1 || width > MaxStepWidth {
		return StepCodec{}, fmt.Errorf("step width must be between 1 and %d bytes, got %d", MaxStepWidth, width)
	}
	bo, err := ParseByteOrder(order)
	if err != nil {
		return StepCodec{}, err
	}
	return StepCodec{Width: width, Order: bo}, nil
}

// Max returns the largest representable step count
func (c StepCodec) Max() uint64 {
	if c.Width >= MaxStepWidth {
		return ^uint64(0)
	}
	return 1<<(8*uint(c.Width)) - 1
}

// Decode interprets a notification payload as a step count
func (c StepCodec) Decode(payload []byte) (uint64, error) {
	if len(payload) != c.Width {
		return 0, device.NewError(device.DecodeError,
			fmt.Sprintf("step payload must be %d bytes, got %d", c.Width, len(payload)), nil)
	}

	var buf [MaxStepWidth]byte
	if c.Order == BigEndian {
		copy(buf[MaxStepWidth-c.Width:], payload)
		return binary.BigEndian.Uint64(buf[:]), nil
	}
	copy(buf[:c.Width], payload)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Encode is the inverse of Decode
func (c StepCodec) Encode(steps uint64) ([]byte, error) {
	if steps > c.Max() {
		return nil, fmt.Errorf("step count %d does not fit in %d bytes", steps, c.Width)
	}

	var buf [MaxStepWidth]byte
	if c.Order == BigEndian {
		binary.BigEndian.PutUint64(buf[:], steps)
		return append([]byte(nil), buf[MaxStepWidth-c.Width:]...), nil
	}
	binary.LittleEndian.PutUint64(buf[:], steps)
	return append([]byte(nil), buf[:c.Width]...), nil
}
