package canbus

import (
	"context"
	"fmt"
)

// Interface names accepted by Open.
const (
	InterfaceVirtual   = "virtual"
	InterfaceSocketCAN = "socketcan"
	InterfaceSLCAN     = "slcan"
)

// Options select and parameterize a physical or virtual channel.
type Options struct {
	Interface  string
	Channel    string // can0 / vcan0 / serial device / virtual endpoint name
	SerialBaud int
	Bitrate    int
}

// Open returns a Bus for opts. The virtual interface attaches a new
// endpoint named after opts.Channel to vbus, which must not be nil.
func Open(ctx context.Context, opts Options, vbus *VirtualBus) (Bus, error) {
	switch opts.Interface {
	case InterfaceVirtual, "":
		if vbus == nil {
			return nil, fmt.Errorf("canbus: virtual interface needs a virtual bus")
		}
		return vbus.Open(opts.Channel), nil
	case InterfaceSocketCAN:
		return DialSocketCAN(ctx, opts.Channel)
	case InterfaceSLCAN:
		return OpenSLCAN(opts.Channel, opts.SerialBaud, opts.Bitrate)
	default:
		return nil, fmt.Errorf("canbus: unknown interface %q", opts.Interface)
	}
}
