package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.GetClientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw struct {
		Type MessageType     `json:"type"`
		Node int             `json:"node_id"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatal(err)
	}
	return Message{Type: raw.Type, Node: raw.Node, Data: raw.Data}
}

func event(node protocol.NodeID, typ host.EventType) *host.Event {
	return &host.Event{Type: typ, Node: node, Time: time.Now()}
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, srv, "")
	b := dial(t, srv, "?node=5")
	waitClients(t, hub, 2)

	hub.Broadcast(NewEventMessage(event(4, host.EventEdge)))
	hub.Broadcast(NewEventMessage(event(5, host.EventHeartbeat)))

	if m := read(t, a); m.Type != MessageTypeEdge || m.Node != 4 {
		t.Errorf("a got %+v", m)
	}
	if m := read(t, a); m.Type != MessageTypeHeartbeat || m.Node != 5 {
		t.Errorf("a got %+v", m)
	}
	if m := read(t, b); m.Type != MessageTypeHeartbeat || m.Node != 5 {
		t.Errorf("b got %+v", m)
	}
}

func TestClientSubscribe(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "node": 7}); err != nil {
		t.Fatal(err)
	}
	if m := read(t, conn); m.Type != MessageTypeSubscribed || m.Node != 7 {
		t.Fatalf("got %+v", m)
	}

	hub.Broadcast(NewEventMessage(event(4, host.EventInputState)))
	hub.Broadcast(NewEventMessage(event(7, host.EventDead)))
	if m := read(t, conn); m.Type != MessageTypeNodeDead || m.Node != 7 {
		t.Errorf("got %+v", m)
	}

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatal(err)
	}
	if m := read(t, conn); m.Type != MessageTypeError {
		t.Errorf("got %+v", m)
	}
}

func TestFramesOptIn(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?frames=true")
	waitClients(t, hub, 1)

	hub.BroadcastFrame(protocol.MustEncode(protocol.OutputCommand{NodeID: 3, Mask: 0xA5}))
	m := read(t, conn)
	if m.Type != MessageTypeFrame || m.Node != 3 {
		t.Fatalf("got %+v", m)
	}
	var data FrameData
	if err := json.Unmarshal(m.Data.(json.RawMessage), &data); err != nil {
		t.Fatal(err)
	}
	if data.Frame != "103#A5" || data.Kind != protocol.KindOutputCommand.String() || data.Error != "" {
		t.Errorf("frame data = %+v", data)
	}
	var out protocol.OutputCommand
	if err := json.Unmarshal(data.Decoded, &out); err != nil {
		t.Fatalf("decoded: %v", err)
	}
	if out != (protocol.OutputCommand{NodeID: 3, Mask: 0xA5}) {
		t.Errorf("decoded = %+v", out)
	}
}

func TestFrameMessageUndecodable(t *testing.T) {
	m := NewFrameMessage(canbus.Frame{ID: 0x103, Len: 2})
	data := m.Data.(FrameData)
	if data.Error == "" || data.Decoded != nil {
		t.Errorf("frame data = %+v", data)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var back struct {
		Data FrameData `json:"data"`
	}
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Data.Frame != "103#0000" {
		t.Errorf("frame = %q", back.Data.Frame)
	}
}

func TestForward(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	streamer := host.NewEventStreamer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Forward(ctx, streamer)

	// the forwarder subscribes asynchronously, so keep publishing
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				streamer.Broadcast(event(9, host.EventMismatch))
			}
		}
	}()

	if m := read(t, conn); m.Type != MessageTypeMismatch || m.Node != 9 {
		t.Errorf("got %+v", m)
	}
}
