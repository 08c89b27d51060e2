package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds the exponential backoff applied to transient failures.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used when the configuration leaves retry settings empty.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 500, MaxMs: 30000, MaxJitterMs: 250, MaxAttempts: 5}
}

// ComputeBackoff returns the delay before attempt n (0-based) of the operation
// identified by key. Jitter is derived from the key so schedules are reproducible.
func ComputeBackoff(key string, attempt int, policy Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs || delay < 0 {
		delay = policy.MaxMs
	}

	return time.Duration(delay+ComputeDeterministicJitter(key, attempt, policy)) * time.Millisecond
}

// ComputeDeterministicJitter derives a jitter in [0, MaxJitterMs) from key and attempt.
func ComputeDeterministicJitter(key string, attempt int, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}
