package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pyde1/pyde1-go/internal/apperr"
)

// Sequence is one persisted flow episode and its snapshot fields.
type Sequence struct {
	ID             string
	ActiveState    string
	StartSequence  *time.Time
	StartFlow      *time.Time
	EndFlow        *time.Time
	EndSequence    *time.Time
	ProfileID      string // empty means NULL (no profile ever uploaded)
	ProfileAssumed bool
	Snapshot       json.RawMessage
}

// CreateSequence inserts the initial row for a newly opened sequence.
func (s *Store) CreateSequence(seq Sequence) error {
	var profileID any
	if seq.ProfileID != "" {
		profileID = seq.ProfileID
	}
	_, err := s.db.Exec(`INSERT INTO sequence
		(id, active_state, start_sequence, profile_id, profile_assumed, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.ActiveState, formatPtr(seq.StartSequence), profileID, seq.ProfileAssumed, string(seq.Snapshot))
	if err != nil {
		return fmt.Errorf("create sequence: %w", err)
	}
	return nil
}

// SetFlowStart records the flow-start timestamp.
func (s *Store) SetFlowStart(id string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE sequence SET start_flow = ? WHERE id = ?`, t.Format(time.RFC3339Nano), id)
	return err
}

// SetFlowEnd records the flow-end timestamp.
func (s *Store) SetFlowEnd(id string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE sequence SET end_flow = ? WHERE id = ?`, t.Format(time.RFC3339Nano), id)
	return err
}

// CloseSequence sets the sequence-end timestamp, closing the sequence.
func (s *Store) CloseSequence(id string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE sequence SET end_sequence = ? WHERE id = ?`, t.Format(time.RFC3339Nano), id)
	return err
}

// GetSequence retrieves a sequence row by id.
func (s *Store) GetSequence(id string) (Sequence, error) {
	row := s.db.QueryRow(`SELECT id, active_state, start_sequence, start_flow, end_flow, end_sequence,
		profile_id, profile_assumed, snapshot_json FROM sequence WHERE id = ?`, id)

	var seq Sequence
	var startSeq, startFlow, endFlow, endSeq, profileID sql.NullString
	var snapshot sql.NullString
	err := row.Scan(&seq.ID, &seq.ActiveState, &startSeq, &startFlow, &endFlow, &endSeq,
		&profileID, &seq.ProfileAssumed, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return Sequence{}, &apperr.NotFound{Kind: "sequence", ID: id}
	}
	if err != nil {
		return Sequence{}, fmt.Errorf("scan sequence: %w", err)
	}

	seq.StartSequence = parsePtr(startSeq)
	seq.StartFlow = parsePtr(startFlow)
	seq.EndFlow = parsePtr(endFlow)
	seq.EndSequence = parsePtr(endSeq)
	seq.ProfileID = profileID.String
	if snapshot.Valid {
		seq.Snapshot = json.RawMessage(snapshot.String)
	}
	return seq, nil
}

func formatPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parsePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
