package canbus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frame is one classical CAN 2.0 data frame.
type Frame struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [8]byte
}

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLen    = 8
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// NewFrame builds a standard data frame.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate returns an error if the frame cannot be put on the bus.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return ErrInvalidLen
	}
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the used part of Data.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// String formats the frame like candump: "0A5 [2] DE AD".
func (f Frame) String() string {
	var sb strings.Builder
	if f.Extended {
		fmt.Fprintf(&sb, "%08X", f.ID)
	} else {
		fmt.Fprintf(&sb, "%03X", f.ID)
	}
	fmt.Fprintf(&sb, " [%d]", f.Len)
	if f.RTR {
		sb.WriteString(" RTR")
		return sb.String()
	}
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " %02X", b)
	}
	return sb.String()
}

// MarshalText encodes the frame in cansend notation: "123#DEAD",
// "1ABCDEFF#R" for remote frames. Extended ids always use 8 digits.
func (f Frame) MarshalText() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	if f.Extended {
		fmt.Fprintf(&sb, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&sb, "%03X#", f.ID)
	}
	if f.RTR {
		sb.WriteString("R")
	} else {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	}
	return []byte(sb.String()), nil
}

// UnmarshalText parses cansend notation as produced by MarshalText.
func (f *Frame) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	idPart, dataPart, ok := strings.Cut(s, "#")
	if !ok {
		return fmt.Errorf("frame %q: missing '#'", s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return fmt.Errorf("frame %q: %w", s, ErrInvalidID)
	}
	out := Frame{ID: uint32(id), Extended: len(idPart) > 3}
	switch {
	case strings.EqualFold(dataPart, "R"):
		out.RTR = true
	default:
		data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
		if err != nil {
			return fmt.Errorf("frame %q: %w", s, err)
		}
		if len(data) > MaxDataLen {
			return fmt.Errorf("frame %q: %w", s, ErrInvalidLen)
		}
		out.Len = uint8(len(data))
		copy(out.Data[:], data)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("frame %q: %w", s, err)
	}
	*f = out
	return nil
}

// ParseFrame parses cansend notation.
func ParseFrame(s string) (Frame, error) {
	var f Frame
	err := f.UnmarshalText([]byte(s))
	return f, err
}
