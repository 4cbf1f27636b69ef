package canbus

import (
	"context"
	"errors"
	"iter"
)

// Bus is a CAN channel that can send and receive frames.
// Implementations are safe for concurrent use. Per-sender ordering is
// preserved; interleaving across senders is not defined.
type Bus interface {
	// Send transmits one frame. It never retries.
	Send(ctx context.Context, frame Frame) error

	// Receive blocks until the next frame arrives or ctx is done.
	Receive(ctx context.Context) (Frame, error)

	Close() error
}

var (
	ErrClosed = errors.New("canbus: closed")

	// ErrBusBusy means the frame could not be queued before the deadline.
	ErrBusBusy = errors.New("canbus: bus busy")

	// ErrNoAck means no other node acknowledged the frame.
	ErrNoAck = errors.New("canbus: no acknowledge")
)

// Frames returns a lazy, unbounded sequence of received frames. Iteration
// stops after the first error, which is yielded once. Context cancellation
// ends the sequence with ctx.Err().
func Frames(ctx context.Context, bus Bus) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := bus.Receive(ctx)
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
