package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]FrameRecord
	fail    bool
}

func (m *memStore) InsertFrames(_ context.Context, records []FrameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.batches = append(m.batches, append([]FrameRecord(nil), records...))
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestNewRecord(t *testing.T) {
	session := uuid.New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f := protocol.MustEncode(protocol.InputState{NodeID: 5, InputMask: 0x0A, FaultMask: 0x08})
	r := NewRecord(session, f, at)
	if r.NodeID != 5 || r.Kind != uint8(protocol.KindInputState) || r.Len != 8 || r.Error != "" {
		t.Fatalf("record = %+v", r)
	}
	var decoded map[string]any
	if err := json.Unmarshal(r.Decoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["input_mask"] != float64(0x0A) {
		t.Errorf("decoded = %v", decoded)
	}

	bad := canbus.Frame{ID: 0x7FF, Len: 1}
	r = NewRecord(session, bad, at)
	if r.Error == "" || r.Decoded != nil {
		t.Errorf("malformed record = %+v", r)
	}
}

func TestJournalBatches(t *testing.T) {
	store := &memStore{}
	j := NewJournal(store, uuid.New(), time.Hour, 3, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go j.Run(ctx)

	f := protocol.MustEncode(protocol.ClearErrors{NodeID: 2})
	for i := 0; i < 7; i++ {
		j.Record(f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.count() < 6 {
		t.Fatalf("only %d frames flushed by batch size", store.count())
	}

	// remaining frame is written on shutdown
	cancel()
	j.Wait()
	if store.count() != 7 || j.Written() != 7 {
		t.Errorf("count = %d written = %d", store.count(), j.Written())
	}
}

func TestJournalStoreFailure(t *testing.T) {
	store := &memStore{fail: true}
	j := NewJournal(store, uuid.New(), time.Millisecond, 10, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go j.Run(ctx)
	j.Record(protocol.MustEncode(protocol.ClearErrors{NodeID: 2}))
	time.Sleep(20 * time.Millisecond)
	cancel()
	j.Wait()

	if j.Written() != 0 {
		t.Errorf("written = %d", j.Written())
	}
}

func TestJournalDropsWhenFull(t *testing.T) {
	j := NewJournal(&memStore{}, uuid.New(), time.Hour, 1, zaptest.NewLogger(t))
	f := protocol.MustEncode(protocol.ClearErrors{NodeID: 2})
	for i := 0; i < 10; i++ {
		j.Record(f)
	}
	if j.Dropped() != 6 {
		t.Errorf("dropped = %d, want 6", j.Dropped())
	}
}
