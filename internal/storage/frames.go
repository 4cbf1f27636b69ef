package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StartSession records a new bus session and returns it.
func (p *PostgresClient) StartSession(ctx context.Context, iface, channel string) (Session, error) {
	s := Session{ID: uuid.New(), Interface: iface, Channel: channel}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO bus_sessions (id, interface, channel)
		VALUES ($1, $2, $3)
		RETURNING started_at
	`, s.ID, iface, channel).Scan(&s.StartedAt)
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// InsertFrames bulk-inserts records with COPY.
func (p *PostgresClient) InsertFrames(ctx context.Context, records []FrameRecord) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		var decoded any
		if len(r.Decoded) > 0 {
			decoded = string(r.Decoded)
		}
		var decodeErr any
		if r.Error != "" {
			decodeErr = r.Error
		}
		rows[i] = []any{r.SessionID, r.ObservedAt, int32(r.ArbitrationID), int16(r.Kind), int16(r.NodeID), int16(r.Len), r.Data, decoded, decodeErr}
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"can_frames"},
		[]string{"session_id", "observed_at", "arbitration_id", "kind", "node_id", "dlc", "data", "decoded", "decode_error"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy frames: %w", err)
	}
	return nil
}

// RecentFrames returns the newest frames, optionally of one node (node < 0
// for all).
func (p *PostgresClient) RecentFrames(ctx context.Context, node int, limit int) ([]FrameRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, observed_at, arbitration_id, kind, node_id, dlc, data,
		       COALESCE(decoded::text, ''), COALESCE(decode_error, '')
		FROM can_frames
		WHERE $1 < 0 OR node_id = $1
		ORDER BY observed_at DESC, id DESC
		LIMIT $2
	`, node, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var records []FrameRecord
	for rows.Next() {
		var r FrameRecord
		var arb int32
		var kind, nodeID, dlc int16
		var decoded string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ObservedAt, &arb, &kind, &nodeID, &dlc, &r.Data, &decoded, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		r.ArbitrationID = uint32(arb)
		r.Kind = uint8(kind)
		r.NodeID = uint8(nodeID)
		r.Len = uint8(dlc)
		if decoded != "" {
			r.Decoded = []byte(decoded)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
