// Package wallet performs user-initiated Nova redemptions.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrRedemptionInFlight is returned while an earlier redemption at the same
// merchant has not resolved.
var ErrRedemptionInFlight = errors.New("redemption already in flight for merchant")

// Ledger is the backend side of a redemption.
type Ledger interface {
	RedeemReward(ctx context.Context, merchantID string, amount int, idempotencyKey string) (*backend.RedeemResponse, error)
}

// Redeemer issues redemptions, at most one in flight per merchant.
type Redeemer struct {
	ledger Ledger
	logger *logrus.Logger
	newKey func() string

	mu       sync.Mutex
	inFlight map[string]string
}

// NewRedeemer returns a Redeemer backed by ledger.
func NewRedeemer(ledger Ledger, logger *logrus.Logger) *Redeemer {
	return &Redeemer{
		ledger:   ledger,
		logger:   logger,
		newKey:   uuid.NewString,
		inFlight: make(map[string]string),
	}
}

// Redeem spends amount Nova at merchantID. Every call is a new user attempt
// with a fresh idempotency key; the transaction is returned and not retained.
func (r *Redeemer) Redeem(ctx context.Context, merchantID string, amount int) (*domain.RedemptionTransaction, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("redeem: merchant id is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("redeem: amount must be positive, got %d", amount)
	}

	r.mu.Lock()
	if key, busy := r.inFlight[merchantID]; busy {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"merchant_id":     merchantID,
			"idempotency_key": key,
		}).Debug("wallet: redemption already in flight")
		return nil, ErrRedemptionInFlight
	}
	key := r.newKey()
	r.inFlight[merchantID] = key
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, merchantID)
		r.mu.Unlock()
	}()

	log := r.logger.WithFields(logrus.Fields{
		"merchant_id":     merchantID,
		"amount":          amount,
		"idempotency_key": key,
	})

	resp, err := r.ledger.RedeemReward(ctx, merchantID, amount, key)
	if err != nil {
		log.WithError(err).Warn("wallet: redemption failed")
		return nil, err
	}

	log.WithField("transaction_id", resp.TransactionID).Info("wallet: redemption accepted")
	return &domain.RedemptionTransaction{
		IdempotencyKey: key,
		MerchantID:     merchantID,
		NovaAmount:     amount,
		TransactionID:  resp.TransactionID,
		BalanceAfter:   resp.BalanceAfter,
	}, nil
}
