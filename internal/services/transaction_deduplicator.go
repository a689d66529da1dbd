package services

import (
	"context"
	"fmt"

	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// TransactionStore records which merchant transactions already produced a booking.
// Claim must be an atomic check-and-set.
type TransactionStore interface {
	Lookup(ctx context.Context, merchantTransactionID string) (*models.ProcessedTransaction, error)
	Claim(ctx context.Context, merchantTransactionID string) (bool, error)
	Complete(ctx context.Context, merchantTransactionID string, bookingID int64) error
	Release(ctx context.Context, merchantTransactionID string) error
	Evict(ctx context.Context) (int64, error)
}

// ClaimResult describes the dedup check for one delivery
type ClaimResult struct {
	Claimed  bool
	Existing *models.ProcessedTransaction // set when Claimed is false and the entry is still visible
}

// TransactionDeduplicator guards booking creation against gateway redelivery.
// Concurrent deliveries inside this process are collapsed with singleflight;
// deliveries to other instances are stopped by the store's atomic claim.
type TransactionDeduplicator struct {
	store  TransactionStore
	group  singleflight.Group
	logger *logrus.Logger
}

// NewTransactionDeduplicator creates a new deduplicator over store
func NewTransactionDeduplicator(store TransactionStore, logger *logrus.Logger) *TransactionDeduplicator {
	return &TransactionDeduplicator{
		store:  store,
		logger: logger,
	}
}

// Seen reports whether a live entry exists for the transaction
func (d *TransactionDeduplicator) Seen(ctx context.Context, merchantTransactionID string) (bool, error) {
	entry, err := d.store.Lookup(ctx, merchantTransactionID)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Lookup returns the live entry for the transaction, if any
func (d *TransactionDeduplicator) Lookup(ctx context.Context, merchantTransactionID string) (*models.ProcessedTransaction, error) {
	return d.store.Lookup(ctx, merchantTransactionID)
}

// Claim marks the transaction as in flight. When another delivery got there
// first the existing entry is returned so the caller can short-circuit.
func (d *TransactionDeduplicator) Claim(ctx context.Context, merchantTransactionID string) (ClaimResult, error) {
	claimed, err := d.store.Claim(ctx, merchantTransactionID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to claim %s: %w", merchantTransactionID, err)
	}
	if claimed {
		return ClaimResult{Claimed: true}, nil
	}

	existing, err := d.store.Lookup(ctx, merchantTransactionID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to read existing claim for %s: %w", merchantTransactionID, err)
	}
	return ClaimResult{Claimed: false, Existing: existing}, nil
}

// Complete records the booking created for a claimed transaction
func (d *TransactionDeduplicator) Complete(ctx context.Context, merchantTransactionID string, bookingID int64) error {
	return d.store.Complete(ctx, merchantTransactionID, bookingID)
}

// Release frees a claim whose processing produced no booking
func (d *TransactionDeduplicator) Release(ctx context.Context, merchantTransactionID string) error {
	return d.store.Release(ctx, merchantTransactionID)
}

// EvictAll runs the store's eviction sweep
func (d *TransactionDeduplicator) EvictAll(ctx context.Context) (int64, error) {
	evicted, err := d.store.Evict(ctx)
	if err != nil {
		return 0, err
	}
	d.logger.WithField("evicted", evicted).Info("Processed transaction set evicted")
	return evicted, nil
}

// Do runs fn once for all concurrent callers with the same transaction id.
// shared is true when the result came from another caller's run.
func (d *TransactionDeduplicator) Do(merchantTransactionID string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return d.group.Do(merchantTransactionID, fn)
}
