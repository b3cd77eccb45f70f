package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/vault/pkg/vault"
)

// Key layout. The full snapshot lives under one key; the height key tracks
// how many snapshots have been written so operators can verify persistence
// is advancing.
var (
	stateKey  = []byte("vault:state")
	heightKey = []byte("vault:height")
)

// Store persists ledger snapshots to a luxfi database (BadgerDB in
// production, an in-memory database in tests).
type Store struct {
	db     database.Database
	logger log.Logger
}

func New(db database.Database) *Store {
	return &Store{
		db:     db,
		logger: log.Root().New("module", "store"),
	}
}

// Save writes a snapshot and bumps the snapshot height atomically.
func (s *Store) Save(state vault.State) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	height, err := s.Height()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Reset()
	if err := batch.Put(stateKey, value); err != nil {
		return err
	}
	if err := batch.Put(heightKey, encodeUint64(height+1)); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	s.logger.Debug("snapshot saved", "height", height+1, "bytes", len(value))
	return nil
}

// Load reads the latest snapshot. The second return is false when no
// snapshot has been written yet.
func (s *Store) Load() (vault.State, bool, error) {
	value, err := s.db.Get(stateKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return vault.State{}, false, nil
		}
		return vault.State{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var state vault.State
	if err := json.Unmarshal(value, &state); err != nil {
		return vault.State{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, true, nil
}

// Height returns the number of snapshots written so far.
func (s *Store) Height() (uint64, error) {
	value, err := s.db.Get(heightKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("malformed height value of %d bytes", len(value))
	}
	return decodeUint64(value), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (i * 8))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[7-i]) << (i * 8)
	}
	return v
}
