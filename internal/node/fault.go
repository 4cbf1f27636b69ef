package node

import "fmt"

// FaultKind is a diagnostic condition class.
type FaultKind uint8

const (
	FaultOvercurrent FaultKind = iota + 1
	FaultOpenLoad
	FaultShortToSupply
	FaultThermal
	FaultWatchdog
)

var faultNames = map[FaultKind]string{
	FaultOvercurrent:   "overcurrent",
	FaultOpenLoad:      "open_load",
	FaultShortToSupply: "short_to_supply",
	FaultThermal:       "thermal",
	FaultWatchdog:      "watchdog",
}

func (k FaultKind) String() string {
	if n, ok := faultNames[k]; ok {
		return n
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// ParseFaultKind maps a name as printed by String back to its kind.
func ParseFaultKind(s string) (FaultKind, error) {
	for k, n := range faultNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown fault kind %q", s)
}

// DeviceChannel marks a fault that belongs to the node, not a channel.
const DeviceChannel = -1

// Fault is one detected diagnostic condition.
type Fault struct {
	Channel int       `json:"channel"`
	Kind    FaultKind `json:"kind"`
}

func (f Fault) String() string {
	if f.Channel == DeviceChannel {
		return "device " + f.Kind.String()
	}
	return fmt.Sprintf("ch%d %s", f.Channel, f.Kind)
}
