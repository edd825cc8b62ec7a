// Package idempotency deduplicates order submissions by a stable
// fingerprint of the intent, storing a terminal result once one exists.
// Grounded on the map[string]*T + sync.RWMutex shape the teacher uses for
// internal/execution/order_manager.go's ManagedOrder table, generalized
// into an explicit pending -> terminal state machine per spec.md 4.B.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/ployerr"
)

// Fingerprint derives the stable dedup key for an intent. SHA-256 is a
// standard-library hash, not a domain concern any example repo wires a
// third-party library for (see DESIGN.md).
func Fingerprint(agentID, tokenID string, side domain.Side, dir domain.Direction, shares uint64, price decimal.Decimal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s", agentID, tokenID, side, dir, shares, price.String())
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome tells the caller whether check_or_create created a fresh pending
// record or found an existing one.
type Outcome struct {
	New    bool
	Record domain.IdempotencyRecord
}

// Store is a fingerprint-keyed idempotency table.
type Store struct {
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
	// notify is closed and replaced whenever any record transitions,
	// letting PollUntilTerminal's poll loop wake promptly instead of only on
	// its poll interval.
	notify chan struct{}
}

// NewStore builds an empty idempotency store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:  logger.Named("idempotency"),
		records: make(map[string]*domain.IdempotencyRecord),
		notify:  make(chan struct{}),
	}
}

// CheckOrCreate atomically inserts a new pending record for key, or returns
// the existing one. Callers distinguish by Outcome.New.
func (s *Store) CheckOrCreate(key string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		return Outcome{New: false, Record: *existing}
	}

	now := time.Now()
	rec := &domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.IdempotencyPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = rec
	return Outcome{New: true, Record: *rec}
}

// MarkCompleted transitions key to completed. Calling it on a key that has
// already reached a terminal status is a no-op and returns nil.
func (s *Store) MarkCompleted(key, orderID string, result domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ployerr.Wrap(ployerr.ErrInternal, "idempotency key %s not found", key)
	}
	if rec.Status != domain.IdempotencyPending {
		return nil // already terminal; at-most-once transition already happened
	}
	rec.Status = domain.IdempotencyCompleted
	rec.OrderID = &orderID
	rec.Result = &result
	rec.UpdatedAt = time.Now()
	s.wake()
	return nil
}

// MarkFailed transitions key to failed.
func (s *Store) MarkFailed(key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ployerr.Wrap(ployerr.ErrInternal, "idempotency key %s not found", key)
	}
	if rec.Status != domain.IdempotencyPending {
		return nil
	}
	rec.Status = domain.IdempotencyFailed
	rec.ErrorMessage = &reason
	rec.UpdatedAt = time.Now()
	s.wake()
	return nil
}

// wake notifies any blocked PollUntilTerminal callers. Caller must hold mu.
func (s *Store) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// PollUntilTerminal blocks until key reaches a terminal status or timeout
// elapses, returning ErrOrderPending on timeout.
func (s *Store) PollUntilTerminal(ctx context.Context, key string, timeout time.Duration) (domain.IdempotencyRecord, error) {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		rec, ok := s.records[key]
		if !ok {
			s.mu.Unlock()
			return domain.IdempotencyRecord{}, ployerr.Wrap(ployerr.ErrInternal, "idempotency key %s not found", key)
		}
		if rec.Status != domain.IdempotencyPending {
			snapshot := *rec
			s.mu.Unlock()
			return snapshot, nil
		}
		ch := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.IdempotencyRecord{}, ployerr.ErrOrderPending
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return domain.IdempotencyRecord{}, ployerr.ErrOrderPending
		case <-ctx.Done():
			timer.Stop()
			return domain.IdempotencyRecord{}, ctx.Err()
		}
	}
}
