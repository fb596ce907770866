package paywall

import (
	"context"
	"errors"
	"fmt"
)

const retryClaimsBatch = 100

// claim redeems a paid record whose claim lease the caller holds. It runs
// on a context detached from the caller's, so a client that disconnects
// mid-claim cannot abandon tokens the mint already signed.
func (s *Service) claim(ctx context.Context, record *PaymentRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.claimTimeout)
	defer cancel()

	result, err := s.provider.ClaimToken(ctx, record.QuoteID, record.Amount, record.Unit)
	if err != nil {
		if errors.Is(err, ErrClaimRejected) {
			s.logger.Error("claim rejected permanently",
				"quote_id", record.QuoteID,
				"amount", record.Amount,
				"unit", record.Unit,
				"error", err,
			)
			if failErr := s.store.FailClaim(ctx, record.QuoteID, err.Error()); failErr != nil {
				s.logger.Error("recording claim rejection failed", "quote_id", record.QuoteID, "error", failErr)
			}
			return err
		}
		s.logger.Warn("claim failed, will retry",
			"quote_id", record.QuoteID,
			"error", err,
		)
		return err
	}
	if result == nil || result.Token == "" {
		s.logger.Error("claim returned no token",
			"quote_id", record.QuoteID,
			"amount", record.Amount,
			"unit", record.Unit,
		)
		return fmt.Errorf("%w: provider returned no token for quote %s", ErrClaimFailed, record.QuoteID)
	}

	// The mint has signed by now; a retry would only see the quote as
	// issued. If sealing fails the token is stored in the clear.
	token := result.Token
	sealed := false
	if s.sealer != nil {
		if sealedToken, err := s.sealer.Seal(token); err != nil {
			s.logger.Error("sealing claimed token failed, storing it unsealed",
				"quote_id", record.QuoteID,
				"amount", result.Amount,
				"unit", record.Unit,
				"error", err,
			)
		} else {
			token, sealed = sealedToken, true
		}
	}

	stored, err := s.store.CompleteClaim(ctx, record.QuoteID, token)
	if err != nil {
		s.logger.Error("storing claimed token failed",
			"quote_id", record.QuoteID,
			"amount", result.Amount,
			"unit", record.Unit,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	if !stored {
		s.logger.Warn("claimed token already stored", "quote_id", record.QuoteID)
		return nil
	}

	record.ClaimedToken = token
	s.logger.Info("token claimed",
		"quote_id", record.QuoteID,
		"amount", result.Amount,
		"unit", record.Unit,
		"sealed", sealed,
	)
	return nil
}

// retryClaim re-runs the claim for a paid record if it can take the
// lease. Failures are logged; the caller still answers from the record.
func (s *Service) retryClaim(ctx context.Context, record *PaymentRecord) {
	acquired, err := s.store.AcquireClaim(ctx, record.QuoteID, s.clock.Now(), s.claimLease)
	if err != nil {
		s.logger.Warn("acquiring claim lease failed", "quote_id", record.QuoteID, "error", err)
		return
	}
	if !acquired {
		return
	}
	s.claim(ctx, record)
}

// RetryClaimsResponse summarizes a RetryClaims sweep.
type RetryClaimsResponse struct {
	Attempted int `json:"attempted"`
	Claimed   int `json:"claimed"`
	Failed    int `json:"failed"`
}

// RetryClaims re-runs the claim for paid records that have no token and
// no permanent rejection, skipping those whose lease is still held.
func (s *Service) RetryClaims(ctx context.Context) (*RetryClaimsResponse, error) {
	resp := &RetryClaimsResponse{}
	if !s.provider.ClaimsTokens() {
		return resp, nil
	}

	pending, err := s.store.PendingClaims(ctx, retryClaimsBatch)
	if err != nil {
		return nil, fmt.Errorf("paywall: listing pending claims: %w", err)
	}

	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		acquired, err := s.store.AcquireClaim(ctx, record.QuoteID, s.clock.Now(), s.claimLease)
		if err != nil {
			return resp, fmt.Errorf("paywall: acquiring claim lease for %s: %w", record.QuoteID, err)
		}
		if !acquired {
			continue
		}
		resp.Attempted++
		if err := s.claim(ctx, record); err != nil {
			resp.Failed++
			continue
		}
		resp.Claimed++
	}

	if resp.Attempted > 0 {
		s.logger.Info("claim retry sweep finished",
			"attempted", resp.Attempted,
			"claimed", resp.Claimed,
			"failed", resp.Failed,
		)
	}
	return resp, nil
}
