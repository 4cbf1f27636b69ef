package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidNodeID      = errors.New("invalid node id")
	ErrUnknownKind        = errors.New("unknown message kind")
	ErrPayloadLength      = errors.New("payload length mismatch")
	ErrInvalidField       = errors.New("invalid field value")
	ErrUnsupportedFrame   = errors.New("unsupported frame format")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// CodecError reports a frame that could not be decoded. It unwraps to one
// of the sentinel errors above.
type CodecError struct {
	FrameID uint32
	Err     error
	Detail  string
}

func (e *CodecError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode frame 0x%03X: %v", e.FrameID, e.Err)
	}
	return fmt.Sprintf("decode frame 0x%03X: %v: %s", e.FrameID, e.Err, e.Detail)
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(id uint32, err error, format string, args ...any) error {
	return &CodecError{FrameID: id, Err: err, Detail: fmt.Sprintf(format, args...)}
}
