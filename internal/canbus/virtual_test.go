package canbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestVirtualBusBroadcast(t *testing.T) {
	bus := NewVirtualBus(0)
	defer bus.Close()

	a := bus.Open("a")
	b := bus.Open("b")
	c := bus.Open("c")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want, _ := NewFrame(0x081, []byte{0x01})
	if err := a.Send(ctx, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, ep := range []Bus{b, c} {
		got, err := ep.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// The sender does not hear itself.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := a.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sender receive error = %v, want deadline exceeded", err)
	}
}

func TestVirtualBusPerSenderFIFO(t *testing.T) {
	bus := NewVirtualBus(0)
	defer bus.Close()
	tx := bus.Open("tx")
	rx := bus.Open("rx")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f, _ := NewFrame(0x100, []byte{byte(i)})
		if err := tx.Send(ctx, f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	i := 0
	for f, err := range Frames(ctx, rx) {
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if f.Data[0] != byte(i) {
			t.Fatalf("frame %d carries %d", i, f.Data[0])
		}
		i++
		if i == 50 {
			break
		}
	}
}

func TestVirtualBusNoAck(t *testing.T) {
	bus := NewVirtualBus(0)
	defer bus.Close()
	lonely := bus.Open("lonely")

	f, _ := NewFrame(0x100, nil)
	if err := lonely.Send(context.Background(), f); !errors.Is(err, ErrNoAck) {
		t.Fatalf("send error = %v, want ErrNoAck", err)
	}
}

func TestVirtualBusBusy(t *testing.T) {
	bus := NewVirtualBus(1)
	defer bus.Close()
	tx := bus.Open("tx")
	_ = bus.Open("slow")

	f, _ := NewFrame(0x100, nil)
	if err := tx.Send(context.Background(), f); err != nil {
		t.Fatalf("first send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tx.Send(ctx, f); !errors.Is(err, ErrBusBusy) {
		t.Fatalf("second send error = %v, want ErrBusBusy", err)
	}
}

func TestVirtualBusClose(t *testing.T) {
	bus := NewVirtualBus(0)
	a := bus.Open("a")
	b := bus.Open("b")
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after close = %v, want ErrClosed", err)
	}
	bus.Close()
	f, _ := NewFrame(0x100, nil)
	if err := a.Send(context.Background(), f); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after bus close = %v, want ErrClosed", err)
	}
	if bus.Endpoints() != 0 {
		t.Fatalf("endpoints = %d after close", bus.Endpoints())
	}
}
