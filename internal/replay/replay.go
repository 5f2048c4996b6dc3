// Package replay holds the short-lived state used to reject duplicated
// webhook deliveries: claimed signatures, claimed nonces and per-token
// request counters. Memory and redis implementations share one contract so
// multi-instance deployments can switch backends by config alone.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClaimStore records keys for a fixed retention window.
type ClaimStore interface {
	// Claim atomically checks and records key. It returns true when the key
	// had not been seen within the retention window and is now recorded.
	Claim(ctx context.Context, key string) (bool, error)
}

// RateCounter enforces a fixed-window request ceiling per fingerprint.
type RateCounter interface {
	Allow(ctx context.Context, fingerprint string) (bool, error)
}

// Rate is a request ceiling per window, e.g. 10 per minute.
type Rate struct {
	Count int
	Per   time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Per)
}

var ErrInvalidRate = errors.New("invalid rate")

// ParseRate parses "<count>/<unit>" where unit is second, minute, hour or
// day (plural forms accepted).
func ParseRate(s string) (Rate, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	var per time.Duration
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(parts[1])), "s") {
	case "second", "sec":
		per = time.Second
	case "minute", "min":
		per = time.Minute
	case "hour":
		per = time.Hour
	case "day":
		per = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidRate, s)
	}
	return Rate{Count: n, Per: per}, nil
}
