package messenger

import (
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// RetryConfig is the per-criticality retry policy, grounded on
// original_source/src/lora/retry_policy.h's RetryConfig table.
type RetryConfig struct {
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	MaxAttempts        uint8
	ExponentialBackoff bool
	InfiniteRetry      bool
}

// retryConfigs is the per-criticality retry policy table.
var retryConfigs = map[protocol.Criticality]RetryConfig{
	protocol.BestEffort: {},
	protocol.Reliable: {
		BaseDelay:          time.Second,
		MaxDelay:           5 * time.Second,
		MaxAttempts:        3,
		ExponentialBackoff: true,
	},
	protocol.Critical: {
		BaseDelay:          2 * time.Second,
		MaxDelay:           30 * time.Second,
		MaxAttempts:        10,
		ExponentialBackoff: true,
		InfiniteRetry:      true,
	},
}

// retryConfigFor returns the retry policy for a criticality level.
func retryConfigFor(c protocol.Criticality) RetryConfig {
	return retryConfigs[c]
}

// calculateDelay computes the delay before retry attempt n (n >= 1):
// min(base * 2^(n-1), max). Ported from RetryPolicy::calculateDelay.
func calculateDelay(cfg RetryConfig, attempt uint8) time.Duration {
	if attempt == 0 || cfg.BaseDelay == 0 {
		return cfg.BaseDelay
	}
	delay := cfg.BaseDelay
	if cfg.ExponentialBackoff {
		delay = cfg.BaseDelay << (attempt - 1)
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// shouldRetry reports whether another attempt should be made after the given
// attempt count. Critical messages continue indefinitely at MaxDelay once
// MaxAttempts is reached; others terminate.
func shouldRetry(cfg RetryConfig, attempt uint8) bool {
	if cfg.InfiniteRetry && attempt >= cfg.MaxAttempts {
		return true
	}
	return attempt < cfg.MaxAttempts
}
