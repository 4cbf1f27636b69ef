package host

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

type EventType string

const (
	EventHeartbeat  EventType = "heartbeat"
	EventInputState EventType = "input_state"
	EventEdge       EventType = "edge"
	EventMismatch   EventType = "protocol_mismatch"
	EventDead       EventType = "node_dead"
)

// Event is one observation about a node.
type Event struct {
	Type      EventType            `json:"type"`
	Node      protocol.NodeID      `json:"node_id"`
	Time      time.Time            `json:"time"`
	Edge      *protocol.Edge       `json:"edge,omitempty"`
	Heartbeat *protocol.Heartbeat  `json:"heartbeat,omitempty"`
	Inputs    *protocol.InputState `json:"inputs,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// AllNodes subscribes to events of every node.
const AllNodes = -1

const subscriberBuffer = 100

// EventStreamer fans driver events out to subscribers. Slow subscribers
// miss events.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[int][]chan *Event
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[int][]chan *Event),
	}
}

// Subscribe returns a channel receiving events of node, or of all nodes
// for AllNodes.
func (s *EventStreamer) Subscribe(node int) <-chan *Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	s.subscribers[node] = append(s.subscribers[node], ch)
	return ch
}

func (s *EventStreamer) Unsubscribe(node int, ch <-chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[node]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[node] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
}

func (s *EventStreamer) Broadcast(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range []int{int(event.Node), AllNodes} {
		for _, ch := range s.subscribers[key] {
			select {
			case ch <- event:
			default:
				// Skip if channel is full
			}
		}
	}
}
