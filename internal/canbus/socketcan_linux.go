//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// socketCAN adapts a Linux SocketCAN interface (can0, vcan0, ...) to Bus.
type socketCAN struct {
	iface  string
	conn   net.Conn
	tx     *socketcan.Transmitter
	rx     *socketcan.Receiver
	frames chan Frame

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	readErr   error
}

// DialSocketCAN opens a raw CAN socket bound to iface.
func DialSocketCAN(ctx context.Context, iface string) (Bus, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", iface, err)
	}
	s := &socketCAN{
		iface:    iface,
		conn:     conn,
		tx:       socketcan.NewTransmitter(conn),
		rx:       socketcan.NewReceiver(conn),
		frames:   make(chan Frame, defaultQueueSize),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *socketCAN) String() string { return "socketcan:" + s.iface }

func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	err := s.tx.TransmitFrame(ctx, toEinride(frame))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EAGAIN):
		return fmt.Errorf("%w: %v", ErrBusBusy, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrBusBusy, err)
	default:
		return err
	}
}

func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.readDone:
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		if s.readErr != nil {
			return Frame{}, s.readErr
		}
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *socketCAN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *socketCAN) readLoop() {
	defer close(s.readDone)
	for s.rx.Receive() {
		if s.rx.HasErrorFrame() {
			// Bus error frames carry no protocol data.
			continue
		}
		select {
		case s.frames <- fromEinride(s.rx.Frame()):
		case <-s.closed:
			return
		}
	}
	select {
	case <-s.closed:
	default:
		s.readErr = s.rx.Err()
	}
}

func toEinride(f Frame) can.Frame {
	return can.Frame{
		ID:         f.ID,
		Length:     f.Len,
		Data:       can.Data(f.Data),
		IsRemote:   f.RTR,
		IsExtended: f.Extended,
	}
}

func fromEinride(f can.Frame) Frame {
	return Frame{
		ID:       f.ID,
		Len:      f.Length,
		Data:     [8]byte(f.Data),
		RTR:      f.IsRemote,
		Extended: f.IsExtended,
	}
}
