package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/database"
	"github.com/sirupsen/logrus"
)

// RateLimitService limits status-poll requests per client IP
type RateLimitService struct {
	db     database.DB
	config config.RateLimitConfig
	logger *logrus.Logger
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(db database.DB, cfg config.RateLimitConfig, logger *logrus.Logger) *RateLimitService {
	return &RateLimitService{
		db:     db,
		config: cfg,
		logger: logger,
	}
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Message    string
	RetryAfter time.Time
	Identifier string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func (s *RateLimitService) window() time.Duration {
	if s.config.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.config.WindowSeconds) * time.Second
}

// AllowStatusPoll checks and records a status poll for ip.
// Storage failures let the request through.
func (s *RateLimitService) AllowStatusPoll(ctx context.Context, ip string) error {
	if ip == "" || s.config.StatusPollRequests <= 0 {
		return nil
	}

	window := s.window()
	count, firstRequest, err := s.getRequestCount(ctx, ip, window)
	if err != nil {
		s.logger.WithError(err).WithField("ip", ip).Warn("Rate limit check failed, allowing request")
		return nil
	}

	if count >= s.config.StatusPollRequests {
		retryAfter := firstRequest.Add(window)
		return &RateLimitError{
			Message:    fmt.Sprintf("Too many status requests. Please try again after %s", retryAfter.Format("15:04:05")),
			RetryAfter: retryAfter,
			Identifier: ip,
		}
	}

	if err := s.recordRequest(ctx, ip); err != nil {
		s.logger.WithError(err).WithField("ip", ip).Warn("Failed to record status poll")
	}
	return nil
}

// getRequestCount gets the number of requests within the time window
func (s *RateLimitService) getRequestCount(ctx context.Context, ip string, window time.Duration) (int, time.Time, error) {
	windowStart := time.Now().Add(-window)

	query := `
		SELECT COUNT(*), COALESCE(MIN(created_at), NOW())
		FROM status_poll_rate_limits
		WHERE identifier = $1
		  AND created_at > $2
	`

	var count int
	var firstRequest time.Time

	err := s.db.QueryRowContext(ctx, query, ip, windowStart).Scan(&count, &firstRequest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, err
	}

	return count, firstRequest, nil
}

// recordRequest inserts a rate limit record
func (s *RateLimitService) recordRequest(ctx context.Context, ip string) error {
	query := `
		INSERT INTO status_poll_rate_limits (identifier, created_at)
		VALUES ($1, NOW())
	`

	_, err := s.db.ExecContext(ctx, query, ip)
	return err
}

// CleanupExpiredRateLimits removes records older than the window
func (s *RateLimitService) CleanupExpiredRateLimits(ctx context.Context) (int64, error) {
	cutoffTime := time.Now().Add(-s.window())

	query := `
		DELETE FROM status_poll_rate_limits
		WHERE created_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup rate limits: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
