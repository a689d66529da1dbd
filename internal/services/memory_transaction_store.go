package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nibog/payments-backend/internal/models"
)

// MemoryTransactionStore is a process-local TransactionStore.
// It does not survive restarts and is not shared between instances.
type MemoryTransactionStore struct {
	mu      sync.Mutex
	entries map[string]models.ProcessedTransaction
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryTransactionStore creates a store whose entries live for ttl.
// A zero ttl keeps entries until the next Evict.
func NewMemoryTransactionStore(ttl time.Duration) *MemoryTransactionStore {
	return &MemoryTransactionStore{
		entries: make(map[string]models.ProcessedTransaction),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryTransactionStore) live(entry models.ProcessedTransaction) bool {
	return s.ttl == 0 || s.now().Before(entry.ExpiresAt)
}

// Lookup implements TransactionStore
func (s *MemoryTransactionStore) Lookup(ctx context.Context, merchantTransactionID string) (*models.ProcessedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[merchantTransactionID]
	if !ok || !s.live(entry) {
		return nil, nil
	}
	return &entry, nil
}

// Claim implements TransactionStore
func (s *MemoryTransactionStore) Claim(ctx context.Context, merchantTransactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[merchantTransactionID]; ok && s.live(entry) {
		return false, nil
	}

	now := s.now()
	s.entries[merchantTransactionID] = models.ProcessedTransaction{
		MerchantTransactionID: merchantTransactionID,
		Status:                models.TransactionProcessing,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.ttl),
	}
	return true, nil
}

// Complete implements TransactionStore
func (s *MemoryTransactionStore) Complete(ctx context.Context, merchantTransactionID string, bookingID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[merchantTransactionID]
	if !ok {
		return fmt.Errorf("transaction %s was not claimed", merchantTransactionID)
	}
	entry.Status = models.TransactionCompleted
	entry.BookingID = &bookingID
	s.entries[merchantTransactionID] = entry
	return nil
}

// Release implements TransactionStore
func (s *MemoryTransactionStore) Release(ctx context.Context, merchantTransactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[merchantTransactionID]; ok && entry.Status == models.TransactionProcessing {
		delete(s.entries, merchantTransactionID)
	}
	return nil
}

// Evict clears the set wholesale. Claims still in flight are kept so a
// redelivery arriving mid-processing is not let through.
func (s *MemoryTransactionStore) Evict(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int64
	for id, entry := range s.entries {
		if entry.Status == models.TransactionProcessing && s.live(entry) {
			continue
		}
		delete(s.entries, id)
		evicted++
	}
	return evicted, nil
}

// Len returns the number of entries, live or not
func (s *MemoryTransactionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
