// Package storetest runs the behavior every paywall.Store must share
// against a concrete implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

// Epoch is the reference time records are stamped with.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Record returns a pending record for quoteID created at Epoch and valid
// for seven days.
func Record(quoteID string) *paywall.PaymentRecord {
	return &paywall.PaymentRecord{
		QuoteID:        quoteID,
		AccessToken:    "token-" + quoteID,
		CreatedAt:      Epoch,
		ExpiresAt:      Epoch.Add(7 * 24 * time.Hour),
		UserIdentifier: "user-" + quoteID,
		Amount:         21,
		Unit:           "sat",
		Provider:       "cashu",
	}
}

// Run exercises newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) paywall.Store) {
	t.Run("InsertAndLookup", func(t *testing.T) { testInsertAndLookup(t, newStore(t)) })
	t.Run("Duplicates", func(t *testing.T) { testDuplicates(t, newStore(t)) })
	t.Run("MarkPaidOnce", func(t *testing.T) { testMarkPaidOnce(t, newStore(t)) })
	t.Run("MarkPaidConcurrent", func(t *testing.T) { testMarkPaidConcurrent(t, newStore(t)) })
	t.Run("ClaimLifecycle", func(t *testing.T) { testClaimLifecycle(t, newStore(t)) })
	t.Run("FailClaim", func(t *testing.T) { testFailClaim(t, newStore(t)) })
	t.Run("Statistics", func(t *testing.T) { testStatistics(t, newStore(t)) })
	t.Run("DeleteExpiredBefore", func(t *testing.T) { testDeleteExpiredBefore(t, newStore(t)) })
}

func testInsertAndLookup(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	record := Record("q1")
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.ByQuoteID(ctx, "q1")
	if err != nil {
		t.Fatalf("ByQuoteID: %v", err)
	}
	if got.AccessToken != record.AccessToken || got.Amount != 21 || got.Unit != "sat" ||
		got.Provider != "cashu" || got.UserIdentifier != "user-q1" || got.IsPaid {
		t.Errorf("Unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(record.CreatedAt) || !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Errorf("Timestamps changed: created %v expires %v", got.CreatedAt, got.ExpiresAt)
	}

	byToken, err := store.ByAccessToken(ctx, record.AccessToken)
	if err != nil {
		t.Fatalf("ByAccessToken: %v", err)
	}
	if byToken.QuoteID != "q1" {
		t.Errorf("Expected q1, got %s", byToken.QuoteID)
	}

	if _, err := store.ByQuoteID(ctx, "missing"); !errors.Is(err, paywall.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.ByAccessToken(ctx, "missing"); !errors.Is(err, paywall.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testDuplicates(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	if err := store.Insert(ctx, Record("q1")); err != nil {
		t.Fatal(err)
	}

	if err := store.Insert(ctx, Record("q1")); !errors.Is(err, paywall.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for quote id, got %v", err)
	}

	clash := Record("q2")
	clash.AccessToken = "token-q1"
	if err := store.Insert(ctx, clash); !errors.Is(err, paywall.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for access token, got %v", err)
	}
}

func testMarkPaidOnce(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	if err := store.Insert(ctx, Record("q1")); err != nil {
		t.Fatal(err)
	}

	won, err := store.MarkPaid(ctx, "q1", Epoch.Add(time.Minute))
	if err != nil || !won {
		t.Fatalf("First MarkPaid = %v, %v; want true", won, err)
	}
	won, err = store.MarkPaid(ctx, "q1", Epoch.Add(2*time.Minute))
	if err != nil || won {
		t.Fatalf("Second MarkPaid = %v, %v; want false", won, err)
	}

	got, _ := store.ByQuoteID(ctx, "q1")
	if !got.IsPaid {
		t.Error("Record should be paid")
	}
	if got.ClaimStartedAt == nil || !got.ClaimStartedAt.Equal(Epoch.Add(time.Minute)) {
		t.Errorf("Claim lease should start at the winning MarkPaid, got %v", got.ClaimStartedAt)
	}
	if _, err := store.MarkPaid(ctx, "missing", Epoch); !errors.Is(err, paywall.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testMarkPaidConcurrent(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	if err := store.Insert(ctx, Record("q1")); err != nil {
		t.Fatal(err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.MarkPaid(ctx, "q1", Epoch)
			if err != nil {
				t.Errorf("MarkPaid: %v", err)
				return
			}
			if won {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners.Load())
	}
}

func testClaimLifecycle(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	lease := 2 * time.Minute
	if err := store.Insert(ctx, Record("q1")); err != nil {
		t.Fatal(err)
	}

	if ok, _ := store.AcquireClaim(ctx, "q1", Epoch, lease); ok {
		t.Error("Unpaid record must not be claimable")
	}
	if ok, _ := store.CompleteClaim(ctx, "q1", "cashuBxyz"); ok {
		t.Error("Unpaid record must not accept a claimed token")
	}

	if _, err := store.MarkPaid(ctx, "q1", Epoch); err != nil {
		t.Fatal(err)
	}

	pending, err := store.PendingClaims(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].QuoteID != "q1" {
		t.Fatalf("Expected q1 pending, got %+v", pending)
	}

	if ok, _ := store.AcquireClaim(ctx, "q1", Epoch.Add(time.Minute), lease); ok {
		t.Error("Lease taken by MarkPaid should still be held")
	}
	if ok, err := store.AcquireClaim(ctx, "q1", Epoch.Add(3*time.Minute), lease); err != nil || !ok {
		t.Fatalf("Stale lease should be acquirable: %v, %v", ok, err)
	}
	if ok, _ := store.AcquireClaim(ctx, "q1", Epoch.Add(3*time.Minute), lease); ok {
		t.Error("Fresh lease must not be acquired twice")
	}

	if ok, err := store.CompleteClaim(ctx, "q1", "cashuBfirst"); err != nil || !ok {
		t.Fatalf("CompleteClaim = %v, %v", ok, err)
	}
	if ok, _ := store.CompleteClaim(ctx, "q1", "cashuBsecond"); ok {
		t.Error("Claimed token must be set at most once")
	}
	got, _ := store.ByQuoteID(ctx, "q1")
	if got.ClaimedToken != "cashuBfirst" {
		t.Errorf("Expected first token kept, got %q", got.ClaimedToken)
	}

	if ok, _ := store.AcquireClaim(ctx, "q1", Epoch.Add(time.Hour), lease); ok {
		t.Error("Claimed record must not be claimable")
	}
	pending, _ = store.PendingClaims(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("Expected no pending claims, got %d", len(pending))
	}
}

func testFailClaim(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	if err := store.Insert(ctx, Record("q1")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkPaid(ctx, "q1", Epoch); err != nil {
		t.Fatal(err)
	}
	if err := store.FailClaim(ctx, "q1", "tokens already issued"); err != nil {
		t.Fatalf("FailClaim: %v", err)
	}

	got, _ := store.ByQuoteID(ctx, "q1")
	if got.ClaimError != "tokens already issued" || !got.IsPaid {
		t.Errorf("Unexpected record after FailClaim: %+v", got)
	}
	if ok, _ := store.AcquireClaim(ctx, "q1", Epoch.Add(time.Hour), time.Minute); ok {
		t.Error("Rejected claim must not be retried")
	}
	if pending, _ := store.PendingClaims(ctx, 10); len(pending) != 0 {
		t.Errorf("Rejected claim must not be pending, got %d", len(pending))
	}
}

func testStatistics(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	now := Epoch.Add(10 * 24 * time.Hour)

	// q0: unpaid; q1: paid and active; q2: paid and expired; q3: paid usd, active.
	for i, mutate := range []func(*paywall.PaymentRecord){
		func(r *paywall.PaymentRecord) {},
		func(r *paywall.PaymentRecord) { r.ExpiresAt = now.Add(time.Hour) },
		func(r *paywall.PaymentRecord) {},
		func(r *paywall.PaymentRecord) { r.ExpiresAt = now.Add(time.Hour); r.Unit = "usd"; r.Amount = 99 },
	} {
		record := Record(fmt.Sprintf("q%d", i))
		mutate(record)
		if err := store.Insert(ctx, record); err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			if _, err := store.MarkPaid(ctx, record.QuoteID, Epoch); err != nil {
				t.Fatal(err)
			}
		}
	}

	stats, err := store.Statistics(ctx, now)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalPayments != 4 || stats.PaidPayments != 3 || stats.ActiveTokens != 2 || stats.ExpiredTokens != 1 {
		t.Errorf("Unexpected counts: %+v", stats)
	}
	want := []paywall.UnitRevenue{{Unit: "sat", Total: 42}, {Unit: "usd", Total: 99}}
	if len(stats.RevenueByUnit) != len(want) {
		t.Fatalf("Expected revenue %v, got %v", want, stats.RevenueByUnit)
	}
	for i := range want {
		if stats.RevenueByUnit[i] != want[i] {
			t.Errorf("Revenue[%d] = %v, want %v", i, stats.RevenueByUnit[i], want[i])
		}
	}
}

func testDeleteExpiredBefore(t *testing.T, store paywall.Store) {
	ctx := context.Background()
	cutoff := Epoch.Add(30 * 24 * time.Hour)

	old := Record("old")
	old.ExpiresAt = cutoff.Add(-time.Second)
	edge := Record("edge")
	edge.ExpiresAt = cutoff
	fresh := Record("fresh")
	fresh.ExpiresAt = cutoff.Add(time.Hour)
	for _, r := range []*paywall.PaymentRecord{old, edge, fresh} {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteExpiredBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if _, err := store.ByQuoteID(ctx, "old"); !errors.Is(err, paywall.ErrNotFound) {
		t.Error("old should be gone")
	}
	if _, err := store.ByAccessToken(ctx, old.AccessToken); !errors.Is(err, paywall.ErrNotFound) {
		t.Error("old access token should be gone")
	}
	for _, id := range []string{"edge", "fresh"} {
		if _, err := store.ByQuoteID(ctx, id); err != nil {
			t.Errorf("%s should remain: %v", id, err)
		}
	}

	removed, err = store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil || removed != 0 {
		t.Errorf("Second cleanup = %d, %v; want 0", removed, err)
	}
}
