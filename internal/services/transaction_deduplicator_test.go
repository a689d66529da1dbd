package services

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMemoryTransactionStore_ClaimIsAtomic(t *testing.T) {
	store := NewMemoryTransactionStore(time.Hour)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(ctx, "NIBOG_42_abc")
			require.NoError(t, err)
			if claimed {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestMemoryTransactionStore_Lifecycle(t *testing.T) {
	store := NewMemoryTransactionStore(time.Hour)
	ctx := context.Background()

	entry, err := store.Lookup(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.Nil(t, entry)

	claimed, err := store.Claim(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, store.Complete(ctx, "NIBOG_42_abc", 901))

	entry, err = store.Lookup(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsCompleted())
	assert.Equal(t, int64(901), *entry.BookingID)

	// Completed entries survive Release
	require.NoError(t, store.Release(ctx, "NIBOG_42_abc"))
	claimed, err = store.Claim(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.False(t, claimed)

	assert.Error(t, store.Complete(ctx, "NIBOG_1_unknown", 1))
}

func TestMemoryTransactionStore_ReleaseAllowsRetry(t *testing.T) {
	store := NewMemoryTransactionStore(time.Hour)
	ctx := context.Background()

	claimed, _ := store.Claim(ctx, "NIBOG_42_abc")
	require.True(t, claimed)
	require.NoError(t, store.Release(ctx, "NIBOG_42_abc"))

	claimed, err := store.Claim(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryTransactionStore_TTL(t *testing.T) {
	store := NewMemoryTransactionStore(time.Hour)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	claimed, _ := store.Claim(ctx, "NIBOG_42_abc")
	require.True(t, claimed)
	require.NoError(t, store.Complete(ctx, "NIBOG_42_abc", 901))

	now = now.Add(59 * time.Minute)
	claimed, _ = store.Claim(ctx, "NIBOG_42_abc")
	assert.False(t, claimed)

	now = now.Add(2 * time.Minute)
	entry, err := store.Lookup(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.Nil(t, entry)

	claimed, _ = store.Claim(ctx, "NIBOG_42_abc")
	assert.True(t, claimed)
}

func TestMemoryTransactionStore_EvictKeepsInFlightClaims(t *testing.T) {
	store := NewMemoryTransactionStore(time.Hour)
	ctx := context.Background()

	_, _ = store.Claim(ctx, "NIBOG_1_done")
	require.NoError(t, store.Complete(ctx, "NIBOG_1_done", 10))
	_, _ = store.Claim(ctx, "NIBOG_2_busy")

	evicted, err := store.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), evicted)
	assert.Equal(t, 1, store.Len())

	claimed, _ := store.Claim(ctx, "NIBOG_1_done")
	assert.True(t, claimed)
	claimed, _ = store.Claim(ctx, "NIBOG_2_busy")
	assert.False(t, claimed)
}

func TestTransactionDeduplicator_Claim(t *testing.T) {
	dedup := NewTransactionDeduplicator(NewMemoryTransactionStore(time.Hour), quietLogger())
	ctx := context.Background()

	first, err := dedup.Claim(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	require.NoError(t, dedup.Complete(ctx, "NIBOG_42_abc", 901))

	second, err := dedup.Claim(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	require.NotNil(t, second.Existing)
	assert.Equal(t, models.TransactionCompleted, second.Existing.Status)

	seen, err := dedup.Seen(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.True(t, seen)

	evicted, err := dedup.EvictAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), evicted)

	seen, err = dedup.Seen(ctx, "NIBOG_42_abc")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestTransactionDeduplicator_DoCollapsesConcurrentCalls(t *testing.T) {
	dedup := NewTransactionDeduplicator(NewMemoryTransactionStore(time.Hour), quietLogger())

	var calls int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]interface{}, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := dedup.Do("NIBOG_42_abc", func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return int64(901), nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, int64(901), v)
	}
}
