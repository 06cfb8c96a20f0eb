package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrAllCandidatesFailed is returned by Rotation.Run when no candidate succeeded.
var ErrAllCandidatesFailed = eris.New("all candidates failed")

// Rotation is a retry strategy over an ordered list of interchangeable
// endpoints (mirrors). Each Run shuffles the candidates, gives each one
// AttemptsPerCandidate tries, backs off after retryable statuses, and moves
// on immediately after any other failure.
type Rotation struct {
	Candidates           []string
	AttemptsPerCandidate int

	// Backoff returns the delay after a retryable failure on the given
	// 1-based attempt.
	Backoff func(attempt int) time.Duration

	// Retryable reports whether an HTTP status warrants a backoff and another
	// attempt. Statuses it rejects (and non-HTTP failures) skip to the next
	// candidate without waiting.
	Retryable func(statusCode int) bool

	// Shuffle reorders candidates in place; nil uses math/rand.
	Shuffle func(candidates []string)

	// Sleep waits between attempts; nil uses Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// MirrorRetryableStatus is the default Retryable predicate: rate limiting and
// gateway/availability errors.
func MirrorRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// LinearJitterBackoff returns base*attempt plus up to jitter of random delay.
func LinearJitterBackoff(base, jitter time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base * time.Duration(attempt)
		if jitter > 0 {
			d += time.Duration(rand.Int64N(int64(jitter)))
		}
		return d
	}
}

// Run calls fn against candidates until one succeeds and returns the
// candidate that served the request. When all fail, the returned error wraps
// ErrAllCandidatesFailed and carries the last failure.
func (r Rotation) Run(ctx context.Context, fn func(ctx context.Context, candidate string) error) (string, error) {
	if len(r.Candidates) == 0 {
		return "", eris.Wrap(ErrAllCandidatesFailed, "rotation: no candidates configured")
	}

	order := make([]string, len(r.Candidates))
	copy(order, r.Candidates)
	if r.Shuffle != nil {
		r.Shuffle(order)
	} else {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	attempts := r.AttemptsPerCandidate
	if attempts <= 0 {
		attempts = 1
	}
	retryable := r.Retryable
	if retryable == nil {
		retryable = MirrorRetryableStatus
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for _, candidate := range order {
		for attempt := 1; attempt <= attempts; attempt++ {
			err := fn(ctx, candidate)
			if err == nil {
				return candidate, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return "", eris.Wrap(ctx.Err(), "rotation: cancelled")
			}

			status := StatusCode(err)
			if !retryable(status) {
				zap.L().Debug("rotation: candidate failed, moving on",
					zap.String("candidate", candidate),
					zap.Int("status", status),
					zap.Error(err),
				)
				break
			}

			var delay time.Duration
			if r.Backoff != nil {
				delay = r.Backoff(attempt)
			}
			zap.L().Debug("rotation: retryable status, backing off",
				zap.String("candidate", candidate),
				zap.Int("status", status),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return "", eris.Wrap(err, "rotation: cancelled during backoff")
			}
		}
	}

	return "", eris.Wrapf(ErrAllCandidatesFailed, "rotation: %d candidates exhausted: %v", len(order), lastErr)
}
