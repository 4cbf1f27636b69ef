package canbus

import (
	"context"
	"sync"
)

// SharedBus serializes Send calls from several producers onto one Bus.
// Receive is passed through unchanged.
type SharedBus struct {
	inner Bus
	mu    sync.Mutex
}

func NewSharedBus(inner Bus) *SharedBus {
	return &SharedBus{inner: inner}
}

func (s *SharedBus) Send(ctx context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Send(ctx, frame)
}

func (s *SharedBus) Receive(ctx context.Context) (Frame, error) {
	return s.inner.Receive(ctx)
}

func (s *SharedBus) Close() error {
	return s.inner.Close()
}
