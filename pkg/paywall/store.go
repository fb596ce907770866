package paywall

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists payment records. Every state transition is a single
// conditional operation so that concurrent pollers of the same quote
// agree on exactly one winner.
type Store interface {
	// Insert adds a new record. A clash on quote id or access token
	// returns ErrDuplicate.
	Insert(ctx context.Context, record *PaymentRecord) error

	// ByQuoteID and ByAccessToken return ErrNotFound for unknown keys.
	ByQuoteID(ctx context.Context, quoteID string) (*PaymentRecord, error)
	ByAccessToken(ctx context.Context, accessToken string) (*PaymentRecord, error)

	// MarkPaid flips is_paid from false to true and starts the claim
	// lease at now. It reports whether this call made the transition.
	MarkPaid(ctx context.Context, quoteID string, now time.Time) (bool, error)

	// AcquireClaim takes the claim lease on a paid, unclaimed,
	// not-rejected record whose previous lease started before
	// now-lease (or never). It reports whether the lease was taken.
	AcquireClaim(ctx context.Context, quoteID string, now time.Time, lease time.Duration) (bool, error)

	// CompleteClaim stores the claimed token if none is stored yet.
	CompleteClaim(ctx context.Context, quoteID, token string) (bool, error)

	// FailClaim records a permanent claim rejection.
	FailClaim(ctx context.Context, quoteID, reason string) error

	// PendingClaims lists paid records that still need a claim, oldest
	// first, at most limit.
	PendingClaims(ctx context.Context, limit int) ([]*PaymentRecord, error)

	// Statistics aggregates over all records. ConversionRate is left
	// for the caller.
	Statistics(ctx context.Context, now time.Time) (*Statistics, error)

	// DeleteExpiredBefore removes records with ExpiresAt < cutoff and
	// returns how many were removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is a Store held in process memory. Records are copied in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*PaymentRecord
	byAccess map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*PaymentRecord),
		byAccess: make(map[string]string),
	}
}

// Insert stores a new record.
func (s *MemoryStore) Insert(_ context.Context, record *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.QuoteID]; ok {
		return fmt.Errorf("%w: quote %s", ErrDuplicate, record.QuoteID)
	}
	if _, ok := s.byAccess[record.AccessToken]; ok {
		return fmt.Errorf("%w: access token", ErrDuplicate)
	}
	stored := *record
	s.records[record.QuoteID] = &stored
	s.byAccess[record.AccessToken] = record.QuoteID
	return nil
}

// ByQuoteID retrieves a record by quote id.
func (s *MemoryStore) ByQuoteID(_ context.Context, quoteID string) (*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[quoteID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// ByAccessToken retrieves a record by access token.
func (s *MemoryStore) ByAccessToken(_ context.Context, accessToken string) (*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quoteID, ok := s.byAccess[accessToken]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.records[quoteID]
	return &copied, nil
}

// MarkPaid performs the paid transition.
func (s *MemoryStore) MarkPaid(_ context.Context, quoteID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[quoteID]
	if !ok {
		return false, ErrNotFound
	}
	if record.IsPaid {
		return false, nil
	}
	record.IsPaid = true
	started := now
	record.ClaimStartedAt = &started
	return true, nil
}

// AcquireClaim takes the claim lease.
func (s *MemoryStore) AcquireClaim(_ context.Context, quoteID string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[quoteID]
	if !ok {
		return false, ErrNotFound
	}
	if !record.NeedsClaim() {
		return false, nil
	}
	if record.ClaimStartedAt != nil && !record.ClaimStartedAt.Before(now.Add(-lease)) {
		return false, nil
	}
	started := now
	record.ClaimStartedAt = &started
	return true, nil
}

// CompleteClaim stores the claimed token once.
func (s *MemoryStore) CompleteClaim(_ context.Context, quoteID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[quoteID]
	if !ok {
		return false, ErrNotFound
	}
	if !record.IsPaid || record.ClaimedToken != "" {
		return false, nil
	}
	record.ClaimedToken = token
	return true, nil
}

// FailClaim records a permanent claim rejection.
func (s *MemoryStore) FailClaim(_ context.Context, quoteID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[quoteID]
	if !ok {
		return ErrNotFound
	}
	if record.ClaimedToken == "" {
		record.ClaimError = reason
	}
	return nil
}

// PendingClaims lists paid, unclaimed, not-rejected records.
func (s *MemoryStore) PendingClaims(_ context.Context, limit int) ([]*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*PaymentRecord
	for _, record := range s.records {
		if record.NeedsClaim() {
			copied := *record
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Statistics aggregates counts and revenue.
func (s *MemoryStore) Statistics(_ context.Context, now time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Statistics{RevenueByUnit: []UnitRevenue{}}
	revenue := make(map[string]uint64)
	for _, record := range s.records {
		stats.TotalPayments++
		if !record.IsPaid {
			continue
		}
		stats.PaidPayments++
		revenue[record.Unit] += record.Amount
		if record.IsActive(now) {
			stats.ActiveTokens++
		} else {
			stats.ExpiredTokens++
		}
	}
	for unit, total := range revenue {
		stats.RevenueByUnit = append(stats.RevenueByUnit, UnitRevenue{Unit: unit, Total: total})
	}
	sort.Slice(stats.RevenueByUnit, func(i, j int) bool {
		return stats.RevenueByUnit[i].Unit < stats.RevenueByUnit[j].Unit
	})
	return stats, nil
}

// DeleteExpiredBefore removes records that expired before cutoff.
func (s *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for quoteID, record := range s.records {
		if record.ExpiresAt.Before(cutoff) {
			delete(s.byAccess, record.AccessToken)
			delete(s.records, quoteID)
			removed++
		}
	}
	return removed, nil
}
