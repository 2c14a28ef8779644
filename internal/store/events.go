package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// SentinelSequenceID is the pre-sequence/no-sequence value events
// carry before a FlowSequencer sequence has opened. Persisted as a
// NULL sequence_id, so this constant is only used in application
// code, never written to the sequence_id column directly.
const SentinelSequenceID = ""

// EventRow is a persisted event read back from one of the per-kind
// tables, used by the recorder and by the legacy export path.
type EventRow struct {
	SequenceID  string
	Version     string
	Sender      string
	ArrivalTime time.Time
	CreateTime  time.Time
	EventTime   time.Time
	Data        json.RawMessage
}

// InsertEvent writes one event into the table for env.Kind. sequenceID
// may be SentinelSequenceID, stored as NULL. Returns an error if Kind
// has no mapped table.
func (s *Store) InsertEvent(env bus.Envelope, sequenceID string) error {
	return s.insertEventTx(s.db, env, sequenceID)
}

// insertEventTx allows the recorder to batch several InsertEvent calls
// inside one *sql.Tx.
func (s *Store) insertEventTx(ex execer, env bus.Envelope, sequenceID string) error {
	table, ok := eventTable[string(env.Kind)]
	if !ok {
		return fmt.Errorf("store: no table mapped for event kind %q", env.Kind)
	}

	data, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var seqArg any
	if sequenceID != SentinelSequenceID {
		seqArg = sequenceID
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(sequence_id, version, sender, arrival_time, create_time, event_time, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table)

	_, err = ex.Exec(query, seqArg, env.Version, env.Sender,
		env.ArrivalTime.Format(time.RFC3339Nano),
		env.CreateTime.Format(time.RFC3339Nano),
		env.EventTime.Format(time.RFC3339Nano),
		string(data))
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting
// insertEventTx run standalone or as part of a batched transaction.
type execer interface {
	Exec(query string, args...any) (sql.Result, error)
}

// BeginBatch starts a transaction for the recorder's periodic flush.
func (s *Store) BeginBatch() (*Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Batch{tx: tx}, nil
}

// Batch wraps an in-flight transaction used to insert several events
// before a single commit.
type Batch struct {
	tx *sql.Tx
}

// Insert adds one event to the batch.
func (b *Batch) Insert(s *Store, env bus.Envelope, sequenceID string) error {
	return s.insertEventTx(b.tx, env, sequenceID)
}

// Commit finalises the batch.
func (b *Batch) Commit() error {
	return b.tx.Commit()
}

// Rollback abandons the batch.
func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// EventsForSequence reads every row across all per-kind tables
// attributed to sequenceID, ordered by event_time. Used by the legacy
// export path and by tests validating event attribution.
func (s *Store) EventsForSequence(sequenceID string) (map[string][]EventRow, error) {
	out := make(map[string][]EventRow, len(eventTable))
	for kind, table := range eventTable {
		rows, err := s.queryEventTable(table, sequenceID)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		if len(rows) > 0 {
			out[kind] = rows
		}
	}
	return out, nil
}

func (s *Store) queryEventTable(table, sequenceID string) ([]EventRow, error) {
	query := fmt.Sprintf(`SELECT sequence_id, version, sender, arrival_time, create_time, event_time, data_json
		FROM %s WHERE sequence_id = ? ORDER BY event_time`, table)

	rows, err := s.db.Query(query, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		var r EventRow
		var arrival, create, event, data string
		if err := rows.Scan(&r.SequenceID, &r.Version, &r.Sender, &arrival, &create, &event, &data); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		r.ArrivalTime, _ = time.Parse(time.RFC3339Nano, arrival)
		r.CreateTime, _ = time.Parse(time.RFC3339Nano, create)
		r.EventTime, _ = time.Parse(time.RFC3339Nano, event)
		result = append(result, r)
	}
	return result, rows.Err()
}
