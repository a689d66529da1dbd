package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	rateLimitCleanupSchedule = "0 */10 * * * *"
	cronJobTimeout           = 2 * time.Minute
)

// CronService manages scheduled background jobs
type CronService struct {
	cron             *cron.Cron
	dedup            *TransactionDeduplicator
	rateLimitSvc     *RateLimitService
	evictionSchedule string
	logger           *logrus.Logger

	mu           sync.Mutex
	lastEviction time.Time
	lastEvicted  int64
}

// NewCronService creates a new CronService. rateLimitSvc may be nil.
func NewCronService(dedup *TransactionDeduplicator, rateLimitSvc *RateLimitService, evictionSchedule string, logger *logrus.Logger) *CronService {
	// Seconds precision; descriptors such as "@every 1h" also parse
	c := cron.New(cron.WithSeconds())

	if evictionSchedule == "" {
		evictionSchedule = "@every 1h"
	}

	return &CronService{
		cron:             c,
		dedup:            dedup,
		rateLimitSvc:     rateLimitSvc,
		evictionSchedule: evictionSchedule,
		logger:           logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Job 1: clear the processed transaction set
	_, err := s.cron.AddFunc(s.evictionSchedule, s.evictTransactionsJob)
	if err != nil {
		return fmt.Errorf("failed to schedule transaction eviction job: %w", err)
	}
	s.logger.WithField("schedule", s.evictionSchedule).Info("Scheduled: Evict processed transactions")

	// Job 2: drop status-poll rate limit rows outside the window
	if s.rateLimitSvc != nil {
		_, err = s.cron.AddFunc(rateLimitCleanupSchedule, s.cleanupRateLimitsJob)
		if err != nil {
			return fmt.Errorf("failed to schedule rate limit cleanup job: %w", err)
		}
		s.logger.WithField("schedule", rateLimitCleanupSchedule).Info("Scheduled: Cleanup rate limits")
	}

	s.cron.Start()
	s.logger.Info("Cron service started successfully")

	return nil
}

// Stop stops all cron jobs and waits for running ones
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) evictTransactionsJob() {
	if _, err := s.RunEvictionNow(); err != nil {
		s.logger.WithError(err).Error("[CRON] Failed to evict processed transactions")
	}
}

func (s *CronService) cleanupRateLimitsJob() {
	ctx, cancel := context.WithTimeout(context.Background(), cronJobTimeout)
	defer cancel()

	startTime := time.Now()
	deleted, err := s.rateLimitSvc.CleanupExpiredRateLimits(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Failed to cleanup rate limits")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"deleted":  deleted,
		"duration": time.Since(startTime).String(),
	}).Info("[CRON] Rate limits cleaned up")
}

// RunEvictionNow runs the transaction eviction job immediately
func (s *CronService) RunEvictionNow() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cronJobTimeout)
	defer cancel()

	startTime := time.Now()
	evicted, err := s.dedup.EvictAll(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastEviction = startTime
	s.lastEvicted = evicted
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"evicted":  evicted,
		"duration": time.Since(startTime).String(),
	}).Info("[CRON] Processed transactions evicted")

	return evicted, nil
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":           len(entries) > 0,
		"job_count":         len(entries),
		"jobs":              jobs,
		"eviction_schedule": s.evictionSchedule,
		"last_evicted":      s.lastEvicted,
	}
	if !s.lastEviction.IsZero() {
		status["last_eviction"] = s.lastEviction
	}
	return status
}
