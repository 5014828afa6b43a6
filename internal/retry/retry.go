// Package retry holds the executor retry policy: the attempt limit, the
// backoff schedule between attempts, and the pure classifier that decides
// whether a backend failure is worth another attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/seantiz/genhub/internal/backend"
)

// Class is the retry classification of a backend failure.
type Class int

const (
	// Permanent failures end the job immediately.
	Permanent Class = iota
	// Transient failures are retried with backoff until attempts run out.
	Transient
	// Timeout means the overall job budget elapsed.
	Timeout
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Timeout:
		return "timeout"
	default:
		return "permanent"
	}
}

// Classify maps a raw adapter error to a retry class. The adapter's own
// markers win, so a per-request deadline it marked transient stays transient.
// Unmarked errors are permanent unless they are network failures, which
// usually mean the instance is restarting.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Permanent
	case errors.Is(err, backend.ErrPermanent):
		return Permanent
	case errors.Is(err, backend.ErrTransient):
		return Transient
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Permanent
}

// Backoff names a delay schedule between attempts.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
	BackoffConstant    Backoff = "constant"
)

// Valid reports whether b is a known schedule. The empty value means exponential.
func (b Backoff) Valid() bool {
	switch b {
	case BackoffExponential, BackoffLinear, BackoffConstant, "":
		return true
	}
	return false
}

// Policy bounds how long and how often a job is attempted.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

// DefaultPolicy is used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Timeout:     15 * time.Minute,
	}
}

// Attempts returns the attempt limit, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before starting the next one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffConstant:
		d = p.BaseDelay
	case BackoffLinear:
		d = time.Duration(attempt) * p.BaseDelay
	default:
		factor := math.Pow(2, float64(attempt-1))
		d = time.Duration(factor * float64(p.BaseDelay))
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
