package canbus

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

func TestFormatParseSLCAN(t *testing.T) {
	cases := []struct {
		frame Frame
		line  string
	}{
		{frame: Frame{ID: 0x0A5, Len: 2, Data: [8]byte{0xDE, 0xAD}}, line: "t0A52DEAD"},
		{frame: Frame{ID: 0x7FF}, line: "t7FF0"},
		{frame: Frame{ID: 0x12345678, Extended: true, Len: 1, Data: [8]byte{0x01}}, line: "T12345678101"},
		{frame: Frame{ID: 0x100, RTR: true, Len: 4}, line: "r1004"},
	}
	for _, tc := range cases {
		if got := FormatSLCAN(tc.frame); got != tc.line {
			t.Errorf("FormatSLCAN(%v) = %q, want %q", tc.frame, got, tc.line)
		}
		got, ok, err := ParseSLCAN(tc.line)
		if err != nil || !ok {
			t.Errorf("ParseSLCAN(%q) = %v, %v", tc.line, ok, err)
			continue
		}
		if got != tc.frame {
			t.Errorf("ParseSLCAN(%q) = %+v, want %+v", tc.line, got, tc.frame)
		}
	}
}

func TestParseSLCANRejectsGarbage(t *testing.T) {
	for _, line := range []string{"t12", "tXYZ1", "t1009", "t1002AB"} {
		if _, _, err := ParseSLCAN(line); err == nil {
			t.Errorf("ParseSLCAN(%q) succeeded", line)
		}
	}
	if _, ok, err := ParseSLCAN("z"); ok || err != nil {
		t.Errorf("ack line parsed as frame: ok=%v err=%v", ok, err)
	}
}

type fakeSerial struct {
	r *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
}

func (f *fakeSerial) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}
func (f *fakeSerial) Close() error { return f.r.Close() }
func (f *fakeSerial) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func TestSLCANAdapter(t *testing.T) {
	pr, pw := io.Pipe()
	port := &fakeSerial{r: pr}
	bus, err := newSLCAN("fake", port, '6')
	if err != nil {
		t.Fatalf("newSLCAN: %v", err)
	}
	defer bus.Close()

	if got, want := port.output(), "C\rS6\rO\r"; got != want {
		t.Fatalf("init sequence = %q, want %q", got, want)
	}

	f, _ := NewFrame(0x201, []byte{0xFF})
	if err := bus.Send(context.Background(), f); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, want := port.output(), "C\rS6\rO\rt2011FF\r"; got != want {
		t.Fatalf("after send = %q, want %q", got, want)
	}

	go pw.Write([]byte("z\r\at0817000000000000000\rt0811AB\r"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := bus.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.ID != 0x081 || got.Len != 7 {
		t.Fatalf("first frame = %v", got)
	}
	got, err = bus.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.ID != 0x081 || got.Len != 1 || got.Data[0] != 0xAB {
		t.Fatalf("second frame = %v", got)
	}
	if bus.Rejected() != 1 {
		t.Fatalf("Rejected() = %d, want 1", bus.Rejected())
	}
}
