package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

// InsertRecord stores a record. Records are immutable: re-inserting an ID
// only adds metadata keys that are not already present.
func (s *Postgres) InsertRecord(ctx context.Context, rec model.RawRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("insert record: empty id: %w", faults.ErrInputValidation)
	}
	meta, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO raw_records (id, content, ts, importance, sentiment, owner, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET metadata = EXCLUDED.metadata || raw_records.metadata`,
		rec.ID, rec.Content, rec.Timestamp, rec.Importance, string(rec.Sentiment), rec.Owner, meta,
	)
	return faults.Storage("insert record", err)
}

// RecordsSince returns records with timestamp >= since ordered by (timestamp, id).
func (s *Postgres) RecordsSince(ctx context.Context, since time.Time) ([]model.RawRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, content, ts, importance, sentiment, owner, metadata
		FROM raw_records
		WHERE ts >= $1
		ORDER BY ts ASC, id ASC`, since)
	if err != nil {
		return nil, faults.Storage("records since", err)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var rec model.RawRecord
		var sentiment string
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Timestamp, &rec.Importance, &sentiment, &rec.Owner, &meta); err != nil {
			return nil, faults.Storage("scan record", err)
		}
		rec.Sentiment = model.Sentiment(sentiment)
		rec.Timestamp = rec.Timestamp.UTC()
		if err := decodeColumn("record "+rec.ID+" metadata", meta, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, faults.Storage("records since", rows.Err())
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
