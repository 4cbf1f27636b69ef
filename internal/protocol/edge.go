package protocol

import "fmt"

// Edge is a level change of one channel between two consecutive samples.
type Edge struct {
	Channel int  `json:"channel"`
	Rising  bool `json:"rising"`
}

func (e Edge) String() string {
	if e.Rising {
		return fmt.Sprintf("ch%d rising", e.Channel)
	}
	return fmt.Sprintf("ch%d falling", e.Channel)
}

// Edges compares two samples and returns at most one edge per channel,
// lowest channel first.
func Edges(prev, cur uint8) []Edge {
	changed := prev ^ cur
	if changed == 0 {
		return nil
	}
	var edges []Edge
	for ch := 0; ch < Channels; ch++ {
		if changed&(1<<uint(ch)) == 0 {
			continue
		}
		edges = append(edges, Edge{Channel: ch, Rising: Bit(cur, ch)})
	}
	return edges
}
