package storage

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// FrameStore persists batches of frames. *PostgresClient implements it.
type FrameStore interface {
	InsertFrames(ctx context.Context, records []FrameRecord) error
}

// Journal buffers observed frames and writes them in batches. Record
// never blocks the bus; frames are dropped when the buffer is full.
type Journal struct {
	store     FrameStore
	session   uuid.UUID
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	in      chan FrameRecord
	dropped atomic.Uint64
	written atomic.Uint64

	once sync.Once
	done chan struct{}
}

func NewJournal(store FrameStore, session uuid.UUID, interval time.Duration, batchSize int, logger *zap.Logger) *Journal {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:     store,
		session:   session,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		in:        make(chan FrameRecord, batchSize*4),
		done:      make(chan struct{}),
	}
}

// NewRecord converts a frame into a journal row, decoding it when possible.
func NewRecord(session uuid.UUID, f canbus.Frame, at time.Time) FrameRecord {
	kind, node := protocol.SplitID(f.ID)
	r := FrameRecord{
		SessionID:     session,
		ObservedAt:    at,
		ArbitrationID: f.ID,
		Kind:          uint8(kind),
		NodeID:        uint8(node),
		Len:           f.Len,
		Data:          append([]byte(nil), f.Payload()...),
	}
	msg, err := protocol.Decode(f)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	if b, err := json.Marshal(msg); err == nil {
		r.Decoded = b
	}
	return r
}

// Record queues f. It is safe to use as a canbus.Mux or monitor hook.
func (j *Journal) Record(f canbus.Frame) {
	select {
	case j.in <- NewRecord(j.session, f, time.Now()):
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) Dropped() uint64 { return j.dropped.Load() }
func (j *Journal) Written() uint64 { return j.written.Load() }

// Run flushes batches until ctx is done, then writes what is left.
func (j *Journal) Run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	batch := make([]FrameRecord, 0, j.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := j.store.InsertFrames(ctx, batch); err != nil {
			j.logger.Error("Failed to write frame batch", zap.Int("frames", len(batch)), zap.Error(err))
		} else {
			j.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Rest schreiben
			for {
				select {
				case r := <-j.in:
					batch = append(batch, r)
					if len(batch) >= j.batchSize {
						flush(context.Background())
					}
				default:
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(flushCtx)
					cancel()
					return
				}
			}
		case r := <-j.in:
			batch = append(batch, r)
			if len(batch) >= j.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (j *Journal) Wait() {
	<-j.done
}

// FrameReader queries journaled frames. *PostgresClient implements it.
type FrameReader interface {
	RecentFrames(ctx context.Context, node int, limit int) ([]FrameRecord, error)
}
