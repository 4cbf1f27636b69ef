package canbus

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Lawicel/SLCAN bitrate selectors (Sn command).
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

const (
	slcanBell = '\a'
	slcanCR   = '\r'
)

// ErrSLCANRejected is reported when the adapter answers a command with BELL.
var ErrSLCANRejected = errors.New("canbus: slcan adapter rejected command")

type slcan struct {
	name string
	rw   io.ReadWriteCloser

	writeMu sync.Mutex
	frames  chan Frame

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	readErr   error

	mu       sync.Mutex
	rejected int
}

// OpenSLCAN opens a serial SLCAN adapter (CANable, USBtin, ...) and puts it
// on the bus at bitrate.
func OpenSLCAN(port string, baud, bitrate int) (Bus, error) {
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("canbus: unsupported slcan bitrate %d", bitrate)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	s, err := newSLCAN(port, p, code)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

func newSLCAN(name string, rw io.ReadWriteCloser, bitrateCode byte) (*slcan, error) {
	s := &slcan{
		name:     name,
		rw:       rw,
		frames:   make(chan Frame, defaultQueueSize),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	// Close any open channel first; the adapter may still be open from a
	// previous session.
	for _, cmd := range []string{"C", "S" + string(bitrateCode), "O"} {
		if err := s.writeLine(cmd); err != nil {
			return nil, fmt.Errorf("slcan init %q: %w", cmd, err)
		}
	}
	go s.readLoop()
	return s, nil
}

func (s *slcan) String() string { return "slcan:" + s.name }

func (s *slcan) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBusBusy, ctx.Err())
	default:
	}
	return s.writeLine(FormatSLCAN(frame))
}

func (s *slcan) Receive(ctx context.Context) (Frame, error) {
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

// Rejected returns how many commands the adapter refused.
func (s *slcan) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *slcan) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.writeLine("C")
		err = s.rw.Close()
	})
	return err
}

func (s *slcan) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.rw, line+string(slcanCR))
	return err
}

func (s *slcan) readLoop() {
	defer close(s.readDone)
	r := bufio.NewReader(s.rw)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				// Serial read timeout.
				continue
			}
			s.readErr = err
			return
		}
		switch b {
		case slcanBell:
			s.mu.Lock()
			s.rejected++
			s.mu.Unlock()
			line = line[:0]
		case slcanCR:
			if f, ok, perr := ParseSLCAN(string(line)); perr == nil && ok {
				select {
				case s.frames <- f:
				case <-s.closed:
					return
				}
			}
			line = line[:0]
		default:
			line = append(line, b)
		}
	}
}

// FormatSLCAN renders a frame as an SLCAN transmit command without the
// trailing carriage return.
func FormatSLCAN(f Frame) string {
	var sb strings.Builder
	switch {
	case f.Extended && f.RTR:
		fmt.Fprintf(&sb, "R%08X", f.ID)
	case f.Extended:
		fmt.Fprintf(&sb, "T%08X", f.ID)
	case f.RTR:
		fmt.Fprintf(&sb, "r%03X", f.ID)
	default:
		fmt.Fprintf(&sb, "t%03X", f.ID)
	}
	fmt.Fprintf(&sb, "%d", f.Len)
	if !f.RTR {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	}
	return sb.String()
}

// ParseSLCAN parses one received SLCAN line (without CR). ok is false for
// lines that are not frames, such as the "z" transmit acknowledgement.
func ParseSLCAN(line string) (f Frame, ok bool, err error) {
	if line == "" {
		return Frame{}, false, nil
	}
	idLen := 0
	switch line[0] {
	case 't':
		idLen = 3
	case 'r':
		idLen, f.RTR = 3, true
	case 'T':
		idLen, f.Extended = 8, true
	case 'R':
		idLen, f.Extended, f.RTR = 8, true, true
	default:
		return Frame{}, false, nil
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, false, fmt.Errorf("slcan: short line %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, false, fmt.Errorf("slcan: bad id in %q: %w", line, err)
	}
	f.ID = uint32(id)
	dlc := line[1+idLen] - '0'
	if dlc > MaxDataLen {
		return Frame{}, false, fmt.Errorf("slcan: bad length in %q: %w", line, ErrInvalidLen)
	}
	f.Len = dlc
	if !f.RTR {
		data := line[2+idLen:]
		// Some adapters append a 4-digit timestamp.
		if len(data) < int(dlc)*2 {
			return Frame{}, false, fmt.Errorf("slcan: short data in %q", line)
		}
		if _, err := hex.Decode(f.Data[:dlc], []byte(data[:int(dlc)*2])); err != nil {
			return Frame{}, false, fmt.Errorf("slcan: bad data in %q: %w", line, err)
		}
	}
	if err := f.Validate(); err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}
