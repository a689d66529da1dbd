package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBookingAPIConfig_WorstCaseDuration(t *testing.T) {
	tests := []struct {
		name     string
		config   BookingAPIConfig
		expected time.Duration
	}{
		{
			name:     "defaults",
			config:   BookingAPIConfig{RequestTimeout: 15 * time.Second, MaxRetries: 3, RetryBackoff: time.Second},
			expected: 96 * time.Second, // 4 attempts + 1s+2s+3s backoff + payment + status update
		},
		{
			name:     "no retries",
			config:   BookingAPIConfig{RequestTimeout: 10 * time.Second, RetryBackoff: time.Second},
			expected: 30 * time.Second,
		},
		{
			name:     "negative retries treated as none",
			config:   BookingAPIConfig{RequestTimeout: 10 * time.Second, MaxRetries: -2, RetryBackoff: time.Second},
			expected: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.WorstCaseDuration())
		})
	}
}

func TestConfig_HandlerWriteTimeoutCoversPipeline(t *testing.T) {
	cfg := &Config{
		PhonePe:    PhonePeConfig{StatusTimeout: 15 * time.Second},
		BookingAPI: BookingAPIConfig{RequestTimeout: 15 * time.Second, MaxRetries: 3, RetryBackoff: time.Second},
	}

	timeout := cfg.HandlerWriteTimeout()

	assert.Equal(t, 121*time.Second, timeout)
	assert.Greater(t, timeout, cfg.PhonePe.StatusTimeout+cfg.BookingAPI.WorstCaseDuration())
}
