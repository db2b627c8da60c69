package retry

import (
	"fmt"
	"time"
)

// Backoff is the shape of the delay between attempts.
type Backoff string

const (
	BackoffFlat        Backoff = "flat"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff parses a backoff name. The empty string means flat.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(s) {
	case "", BackoffFlat:
		return BackoffFlat, nil
	case BackoffExponential:
		return BackoffExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff %q", s)
	}
}

// Policy decides whether and when a failed attempt is retried.
type Policy struct {
	// Delay before the first retry, and between retries for flat backoff.
	Delay time.Duration
	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration
	// MaxAttempts is the number of retries allowed. Zero means unlimited.
	MaxAttempts int
	Backoff     Backoff
}

// DefaultPolicy retries every 10 seconds, forever.
func DefaultPolicy() Policy {
	return Policy{Delay: 10 * time.Second, Backoff: BackoffFlat}
}

// NextDelay returns the delay before retry number attempt (1-based) and false
// when no more retries are allowed.
func (p Policy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	d := p.Delay
	if p.Backoff == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
			// overflow guard for very long outages
			if d <= 0 {
				d = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}
