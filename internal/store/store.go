// Package store implements the program bookkeeping database spec section
// 4.8 calls for: a small embedded key-value store recording each master
// program run's identity, start/finish times, and final outcome. Grounded
// on cuemby-warren's go.etcd.io/bbolt dependency — bbolt is an ideal fit
// here since a master program runs as a single process and never needs a
// networked database for what amounts to a local run ledger.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var programsBucket = []byte("programs")

// ProgramRecord is what gets persisted per program run.
type ProgramRecord struct {
	ProgramId string    `json:"program_id"`
	StartedAt time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
}

// ProgramDB is the bookkeeping interface the master lifecycle driver uses.
// It is an interface, not a concrete bbolt type, so tests can swap in an
// in-memory fake without standing up a real file.
type ProgramDB interface {
	RecordStart(rec ProgramRecord) error
	RecordFinish(programID, outcome string, finishedAt time.Time) error
	Get(programID string) (ProgramRecord, bool, error)
	List() ([]ProgramRecord, error)
	Close() error
}

// BoltProgramDB is the concrete bbolt-backed ProgramDB.
type BoltProgramDB struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database at path for program
// bookkeeping.
func Open(path string) (*BoltProgramDB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(programsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initializing buckets: %w", err)
	}
	return &BoltProgramDB{db: db}, nil
}

// RecordStart persists a new program run.
func (s *BoltProgramDB) RecordStart(rec ProgramRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(programsBucket)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: encoding record: %w", err)
		}
		return b.Put([]byte(rec.ProgramId), data)
	})
}

// RecordFinish updates an existing program run with its terminal outcome.
func (s *BoltProgramDB) RecordFinish(programID, outcome string, finishedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(programsBucket)
		raw := b.Get([]byte(programID))
		if raw == nil {
			return fmt.Errorf("store: no such program %s", programID)
		}
		var rec ProgramRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("store: decoding record: %w", err)
		}
		rec.FinishedAt = finishedAt
		rec.Outcome = outcome
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: encoding record: %w", err)
		}
		return b.Put([]byte(programID), data)
	})
}

// Get fetches a single program's record.
func (s *BoltProgramDB) Get(programID string) (ProgramRecord, bool, error) {
	var rec ProgramRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(programsBucket).Get([]byte(programID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return ProgramRecord{}, false, fmt.Errorf("store: getting %s: %w", programID, err)
	}
	return rec, found, nil
}

// List returns every recorded program run.
func (s *BoltProgramDB) List() ([]ProgramRecord, error) {
	var out []ProgramRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(programsBucket).ForEach(func(k, v []byte) error {
			var rec ProgramRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing programs: %w", err)
	}
	return out, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltProgramDB) Close() error { return s.db.Close() }
