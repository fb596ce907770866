package paywall_test

import (
	"context"
	"testing"

	"github.com/siddimore/mcp-paywall/pkg/paywall"
	"github.com/siddimore/mcp-paywall/pkg/paywall/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) paywall.Store {
		return paywall.NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := paywall.NewMemoryStore()
	ctx := context.Background()
	if err := store.Insert(ctx, storetest.Record("q1")); err != nil {
		t.Fatal(err)
	}

	got, _ := store.ByQuoteID(ctx, "q1")
	got.IsPaid = true
	got.ClaimedToken = "mutated"

	again, _ := store.ByQuoteID(ctx, "q1")
	if again.IsPaid || again.ClaimedToken != "" {
		t.Error("Mutating a returned record must not change the store")
	}
}
