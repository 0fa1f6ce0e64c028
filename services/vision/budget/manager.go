// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget tracks and caps monetary spend on metered backends.
//
// The manager is reservation-based: cost is provisionally reserved before
// an expensive backend runs, then committed on success or released on
// failure, so a fallback chain never double-charges. Check-then-reserve is
// atomic, and the invariant "spend never exceeds cap after a commit"
// holds at every observable point.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// Sentinel errors for the budget package.
var (
	// ErrBudgetExceeded indicates a reservation would push spend past a
	// cap. Tier-scoped: the caller drops the metered tier and continues
	// local-first rather than failing the request.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrUnknownReservation indicates a commit or release for a
	// reservation this manager did not issue (or already settled).
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Config sets the spend caps.
type Config struct {
	// DailyCapUSD is the daily spend ceiling. Zero disables metered
	// backends entirely.
	DailyCapUSD float64 `yaml:"daily_cap_usd" validate:"gte=0"`

	// MonthlyCapUSD is the monthly spend ceiling.
	MonthlyCapUSD float64 `yaml:"monthly_cap_usd" validate:"gte=0"`
}

// Reservation is a provisional charge held until an attempt's outcome is
// known. Settle exactly once, via Commit or Release.
type Reservation struct {
	id        string
	amountUSD float64
}

// Amount returns the reserved amount in USD.
func (r Reservation) Amount() float64 { return r.amountUSD }

// Manager owns the spend ledger.
//
// # Thread Safety
//
// Safe for concurrent use. Check-then-reserve, commit, and release are
// each atomic with respect to one another.
type Manager struct {
	mu sync.Mutex

	config Config
	clock  Clock
	store  Store
	logger *slog.Logger

	dailySpendUSD    float64
	monthlySpendUSD  float64
	lastDailyReset   time.Time
	lastMonthlyReset time.Time

	// open reservations by id; reservedUSD is their running sum, counted
	// against the caps during CheckAndReserve so concurrent reservations
	// cannot jointly overshoot.
	open        map[string]float64
	reservedUSD float64
}

// NewManager creates a manager, loading any persisted spend snapshot.
//
// clock and logger may be nil (SystemClock and slog.Default are used).
// store may be nil for a purely in-memory ledger.
func NewManager(config Config, store Store, clock Clock, logger *slog.Logger) (*Manager, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = &MemoryStore{}
	}

	now := clock.Now()
	m := &Manager{
		config:           config,
		clock:            clock,
		store:            store,
		logger:           logger,
		lastDailyReset:   now,
		lastMonthlyReset: now,
		open:             make(map[string]float64),
	}

	snap, found, err := store.Load()
	if err != nil {
		return nil, err
	}
	if found {
		m.dailySpendUSD = snap.DailySpendUSD
		m.monthlySpendUSD = snap.MonthlySpendUSD
		m.lastDailyReset = time.UnixMilli(snap.LastDailyReset)
		m.lastMonthlyReset = time.UnixMilli(snap.LastMonthlyReset)
		// Rollover may already be due at startup.
		m.rolloverLocked(now)
	}
	return m, nil
}

// CheckAndReserve atomically checks the caps and holds a provisional
// charge.
//
// # Description
//
// The check counts committed spend plus all open reservations, so two
// concurrent callers cannot jointly exceed a cap. On success the returned
// reservation must be settled exactly once with Commit or Release.
//
// # Inputs
//
//   - costUSD: The declared cost of the upcoming backend call.
//
// # Outputs
//
//   - Reservation: The held charge.
//   - error: ErrBudgetExceeded when either cap would be crossed.
func (m *Manager) CheckAndReserve(costUSD float64) (Reservation, error) {
	if costUSD < 0 {
		return Reservation{}, fmt.Errorf("negative cost %.4f", costUSD)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(m.clock.Now())

	if m.dailySpendUSD+m.reservedUSD+costUSD > m.config.DailyCapUSD ||
		m.monthlySpendUSD+m.reservedUSD+costUSD > m.config.MonthlyCapUSD {
		return Reservation{}, fmt.Errorf("%w: daily %.2f/%.2f monthly %.2f/%.2f reserve %.4f",
			ErrBudgetExceeded,
			m.dailySpendUSD, m.config.DailyCapUSD,
			m.monthlySpendUSD, m.config.MonthlyCapUSD,
			costUSD)
	}

	res := Reservation{id: uuid.NewString(), amountUSD: costUSD}
	m.open[res.id] = costUSD
	m.reservedUSD += costUSD
	return res, nil
}

// Commit settles a reservation as spent.
//
// # Description
//
// actualCostUSD replaces the reserved amount when the provider reports
// metered usage below the declared cost. An actual cost above the
// reservation is clamped to the reserved amount: the cap check only
// covered what was reserved, and the cap invariant wins over provider
// accounting.
func (m *Manager) Commit(res Reservation, actualCostUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.open[res.id]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.open, res.id)
	m.reservedUSD -= held

	charge := actualCostUSD
	if charge < 0 || charge > held {
		charge = held
	}
	m.dailySpendUSD += charge
	m.monthlySpendUSD += charge

	if err := m.persistLocked(); err != nil {
		m.logger.Error("failed to persist budget ledger", "error", err)
	}
	return nil
}

// Release refunds a reservation after a failed, timed-out, or abandoned
// attempt. Spend is unchanged.
func (m *Manager) Release(res Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.open[res.id]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.open, res.id)
	m.reservedUSD -= held
	return nil
}

// Snapshot returns a read-only copy of the spend state for strategy
// selection. Open reservations are not included; the snapshot reflects
// committed spend only.
func (m *Manager) Snapshot() datatypes.BudgetSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(m.clock.Now())

	return datatypes.BudgetSnapshot{
		DailySpendUSD:    m.dailySpendUSD,
		MonthlySpendUSD:  m.monthlySpendUSD,
		DailyCapUSD:      m.config.DailyCapUSD,
		MonthlyCapUSD:    m.config.MonthlyCapUSD,
		LastDailyReset:   m.lastDailyReset.UnixMilli(),
		LastMonthlyReset: m.lastMonthlyReset.UnixMilli(),
	}
}

// Close persists a final snapshot and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	err := m.persistLocked()
	m.mu.Unlock()
	if cerr := m.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// rolloverLocked resets daily and monthly spend on wall-clock boundaries
// (must hold mu).
func (m *Manager) rolloverLocked(now time.Time) {
	ny, nm, nd := now.Date()
	ly, lm, ld := m.lastDailyReset.Date()
	if ny != ly || nm != lm || nd != ld {
		m.dailySpendUSD = 0
		m.lastDailyReset = now
	}
	ly, lm, _ = m.lastMonthlyReset.Date()
	if ny != ly || nm != lm {
		m.monthlySpendUSD = 0
		m.lastMonthlyReset = now
	}
}

// persistLocked writes the current snapshot to the store (must hold mu).
func (m *Manager) persistLocked() error {
	return m.store.Save(ledgerSnapshot{
		DailySpendUSD:    m.dailySpendUSD,
		MonthlySpendUSD:  m.monthlySpendUSD,
		LastDailyReset:   m.lastDailyReset.UnixMilli(),
		LastMonthlyReset: m.lastMonthlyReset.UnixMilli(),
	})
}
