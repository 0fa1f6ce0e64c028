// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ledgerKey is the single BadgerDB key holding the spend snapshot.
var ledgerKey = []byte("budget/ledger/v1")

// ledgerSnapshot is the persisted shape of the spend state.
type ledgerSnapshot struct {
	DailySpendUSD    float64 `json:"daily_spend_usd"`
	MonthlySpendUSD  float64 `json:"monthly_spend_usd"`
	LastDailyReset   int64   `json:"last_daily_reset_milli"`
	LastMonthlyReset int64   `json:"last_monthly_reset_milli"`
}

// Store persists spend snapshots across process restarts.
//
// The manager writes a snapshot after every commit and loads once at
// startup. Reservations are process-local and intentionally not persisted:
// a crash releases them by definition.
type Store interface {
	// Load returns the last snapshot, with found=false on first run.
	Load() (snap ledgerSnapshot, found bool, err error)

	// Save overwrites the snapshot.
	Save(snap ledgerSnapshot) error

	// Close releases store resources.
	Close() error
}

// =============================================================================
// BadgerDB store
// =============================================================================

// BadgerStore persists the ledger in an embedded BadgerDB.
//
// Part of the tiered persistence model: hot state lives in the manager's
// memory, the warm copy in BadgerDB survives restarts. Low-latency
// (~100µs) single-key reads and writes.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the ledger database at path.
//
// SyncWrites is enabled: a spend snapshot that vanishes in a crash would
// re-open budget that was already consumed.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open budget ledger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Load reads the snapshot from BadgerDB.
func (s *BadgerStore) Load() (ledgerSnapshot, bool, error) {
	var snap ledgerSnapshot
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ledgerKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return ledgerSnapshot{}, false, fmt.Errorf("load budget ledger: %w", err)
	}
	return snap, found, nil
}

// Save writes the snapshot to BadgerDB.
func (s *BadgerStore) Save(snap ledgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal budget ledger: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ledgerKey, data)
	})
	if err != nil {
		return fmt.Errorf("save budget ledger: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryStore keeps the snapshot in memory. Used in tests and on callers
// that opt out of persistence.
type MemoryStore struct {
	mu    sync.Mutex
	snap  ledgerSnapshot
	found bool
}

// Load returns the stored snapshot.
func (s *MemoryStore) Load() (ledgerSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.found, nil
}

// Save stores the snapshot.
func (s *MemoryStore) Save(snap ledgerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.found = true
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
