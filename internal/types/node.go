package types

import "time"

// NodeProfileDefinition describes a remote I/O board: what each channel is
// wired to and how analog readings scale.
type NodeProfileDefinition struct {
	NodeProfile NodeProfileInfo     `json:"node_profile"`
	DeviceType  int                 `json:"device_type"`
	Inputs      uint8               `json:"inputs"`
	Channels    []ChannelDefinition `json:"channels"`
	Analog      []AnalogDefinition  `json:"analog,omitempty"`
}

type NodeProfileInfo struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type ChannelDefinition struct {
	Channel     int       `json:"channel"`
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description,omitempty"`
}

type AnalogDefinition struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	ScaleFactor float64 `json:"scale_factor"`
	Offset      float64 `json:"offset,omitempty"`
}

type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// ChannelByName returns the channel number for a channel name.
func (p *NodeProfileDefinition) ChannelByName(name string) (int, bool) {
	for _, ch := range p.Channels {
		if ch.Name == name {
			return ch.Channel, true
		}
	}
	return 0, false
}

// Scale converts a raw analog reading into engineering units.
func (p *NodeProfileDefinition) Scale(index int, raw uint16) (float64, string, bool) {
	for _, a := range p.Analog {
		if a.Index == index {
			return float64(raw)*a.ScaleFactor + a.Offset, a.Unit, true
		}
	}
	return 0, "", false
}

// NodeInfo is the runtime summary of a configured node.
type NodeInfo struct {
	ID       uint8     `json:"id"`
	Name     string    `json:"name"`
	Profile  string    `json:"profile,omitempty"`
	Alive    bool      `json:"alive"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
	Mismatch string    `json:"protocol_mismatch,omitempty"`
}
