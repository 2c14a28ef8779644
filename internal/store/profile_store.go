package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pyde1/pyde1-go/internal/apperr"
	"github.com/pyde1/pyde1-go/internal/profile"
)

// InsertProfile writes a profile row, duplicate-safe on id.
func (s *Store) InsertProfile(p profile.Profile) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO profile
		(id, fingerprint, source, format, title, author, notes, beverage, target_weight, target_volume, date_added)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Fingerprint, p.Source, string(p.Format),
		nullIfEmpty(p.Title), nullIfEmpty(p.Author), nullIfEmpty(p.Notes), nullIfEmpty(p.Beverage),
		p.TargetWeight, p.TargetVolume, p.DateAdded.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by id.
func (s *Store) GetProfile(id string) (profile.Profile, error) {
	row := s.db.QueryRow(`SELECT id, fingerprint, source, format, title, author, notes, beverage,
		target_weight, target_volume, date_added FROM profile WHERE id = ?`, id)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (profile.Profile, error) {
	var p profile.Profile
	var format, title, author, notes, beverage, dateAdded sql.NullString
	var targetWeight, targetVolume sql.NullFloat64

	err := row.Scan(&p.ID, &p.Fingerprint, &p.Source, &format, &title, &author, &notes, &beverage,
		&targetWeight, &targetVolume, &dateAdded)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, &apperr.NotFound{Kind: "profile", ID: p.ID}
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("scan profile: %w", err)
	}

	p.Format = profile.SourceFormat(format.String)
	p.Title = title.String
	p.Author = author.String
	p.Notes = notes.String
	p.Beverage = beverage.String
	if targetWeight.Valid {
		v := targetWeight.Float64
		p.TargetWeight = &v
	}
	if targetVolume.Valid {
		v := targetVolume.Float64
		p.TargetVolume = &v
	}
	p.DateAdded, _ = time.Parse(time.RFC3339Nano, dateAdded.String)
	return p, nil
}

// HKVKeyLastProfile is the persist_hkv key under which the most
// recently uploaded profile's id is stored.
const HKVKeyLastProfile = "last_uploaded_id"

// HKVHeaderProfile is the persist_hkv header namespace for profile
// bookkeeping.
const HKVHeaderProfile = "profile"

// SetHKV upserts a persist_hkv row.
func (s *Store) SetHKV(header, key, value string) error {
	_, err := s.db.Exec(`INSERT INTO persist_hkv (header, key, value) VALUES (?, ?, ?)
		ON CONFLICT(header, key) DO UPDATE SET value = excluded.value`, header, key, value)
	return err
}

// GetHKV reads a persist_hkv row. ok is false if the key is unset.
func (s *Store) GetHKV(header, key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM persist_hkv WHERE header = ? AND key = ?`, header, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
