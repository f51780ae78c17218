package bootload

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/davejbax/cyflash/internal/protocol"
)

// RetryConfig controls per-row retries. A row that fails with a timeout or a
// corrupt response is retried after resynchronizing the bootloader's packet
// state, with exponential backoff and jitter between attempts.
type RetryConfig struct {
	// Attempts is the total number of tries per row; 1 or less disables
	// retries
	Attempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       1,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// retryable reports whether an error is worth retrying: the device may simply
// have missed the command, or the response was mangled on the wire. Status
// errors are real answers from the device and are never retried.
func retryable(err error) bool {
	return errors.Is(err, protocol.ErrTimeout) || errors.Is(err, protocol.ErrInvalidPacket)
}

func (r *RetryConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := time.Duration(float64(r.InitialBackoff) * math.Pow(r.Multiplier, float64(attempt-1)))
	if backoff < 0 || backoff > r.MaxBackoff {
		backoff = r.MaxBackoff
	}

	if r.Jitter > 0 {
		jitter := time.Duration(float64(backoff) * r.Jitter * rand.Float64())
		if backoff+jitter > r.MaxBackoff {
			backoff = r.MaxBackoff
		} else {
			backoff += jitter
		}
	}

	return backoff
}

func (r *RetryConfig) wait(ctx context.Context, attempt int) error {
	select {
	case <-time.After(r.backoff(attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
