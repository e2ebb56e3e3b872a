package rate

import (
	"context"
	"time"
)

// Limiter gates order placement per user. Returns whether the call is
// allowed and, when it is not, how long to wait before retrying.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
