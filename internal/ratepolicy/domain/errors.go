package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited     = errors.New("rate_limited")
	ErrInvalidActivity = errors.New("invalid_activity_type")
	ErrInvalidBaseRate = errors.New("invalid_base_rate")
	ErrInvalidMaxDaily = errors.New("invalid_max_daily")
	ErrInvalidCooldown = errors.New("invalid_cooldown")
	ErrNotFound        = errors.New("not_found")
)

const (
	ReasonPolicyDisabled = "policy_disabled"
	ReasonCooldown       = "cooldown"
	ReasonDailyCap       = "daily_cap"
	ReasonBurst          = "burst"
)

// RateLimitedError carries why an earn was refused and when it may succeed.
// errors.Is(err, ErrRateLimited) holds for every RateLimitedError.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", ErrRateLimited, e.Reason, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s", ErrRateLimited, e.Reason)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
