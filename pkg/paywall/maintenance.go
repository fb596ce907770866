package paywall

import (
	"context"
	"fmt"
)

// Statistics summarizes all stored records.
type Statistics struct {
	TotalPayments  int64         `json:"totalPayments"`
	PaidPayments   int64         `json:"paidPayments"`
	ActiveTokens   int64         `json:"activeTokens"`
	ExpiredTokens  int64         `json:"expiredTokens"`
	ConversionRate float64       `json:"conversionRate"`
	RevenueByUnit  []UnitRevenue `json:"revenueByUnit"`
}

// UnitRevenue is the paid total for one unit.
type UnitRevenue struct {
	Unit  string `json:"unit"`
	Total uint64 `json:"total"`
}

// CleanupResponse reports how many records Cleanup removed.
type CleanupResponse struct {
	Cleaned int `json:"cleaned"`
}

// Statistics aggregates the store. ConversionRate is the paid share of
// all invoices as a ratio between 0 and 1.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	stats, err := s.store.Statistics(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("paywall: computing statistics: %w", err)
	}
	if stats.TotalPayments > 0 {
		stats.ConversionRate = float64(stats.PaidPayments) / float64(stats.TotalPayments)
	}
	if stats.RevenueByUnit == nil {
		stats.RevenueByUnit = []UnitRevenue{}
	}
	return stats, nil
}

// Cleanup deletes records that expired more than the retention window
// ago. Running it again without time passing removes nothing.
func (s *Service) Cleanup(ctx context.Context) (*CleanupResponse, error) {
	cutoff := s.clock.Now().Add(-s.retentionWindow)
	removed, err := s.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("paywall: cleaning up records: %w", err)
	}
	if removed > 0 {
		s.logger.Info("expired payment records removed", "count", removed, "cutoff", cutoff)
	}
	return &CleanupResponse{Cleaned: removed}, nil
}
