// Package reconnect re-establishes a client's session after transport loss:
// an explicit backoff policy with an attempt cap, and a client that replays
// auth and join_room after every reconnect.
package reconnect

import (
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// ErrGaveUp is the terminal state of a Policy whose attempts are exhausted.
var ErrGaveUp = errors.New("reconnect: gave up after max attempts")

type PolicyOptions struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// MaxAttempts counts consecutive failures. Zero means unlimited.
	MaxAttempts int
	Jitter      bool
}

func (o PolicyOptions) withDefaults() PolicyOptions {
	if o.Base <= 0 {
		o.Base = time.Second
	}
	if o.Max <= 0 {
		o.Max = 30 * time.Second
	}
	if o.Factor <= 1 {
		o.Factor = 2
	}
	return o
}

// Policy yields the delays between reconnect attempts. It is not safe for
// concurrent use.
type Policy struct {
	b           backoff.Backoff
	maxAttempts int
	attempts    int
}

func NewPolicy(opts PolicyOptions) *Policy {
	opts = opts.withDefaults()
	return &Policy{
		b: backoff.Backoff{
			Min:    opts.Base,
			Max:    opts.Max,
			Factor: opts.Factor,
			Jitter: opts.Jitter,
		},
		maxAttempts: opts.MaxAttempts,
	}
}

// NextDelay records a failed attempt and returns how long to wait before the
// next one, or ErrGaveUp once the cap is reached.
func (p *Policy) NextDelay() (time.Duration, error) {
	if p.GaveUp() {
		return 0, ErrGaveUp
	}
	p.attempts++
	return p.b.Duration(), nil
}

// Attempt is the number of consecutive failures recorded so far.
func (p *Policy) Attempt() int { return p.attempts }

func (p *Policy) GaveUp() bool {
	return p.maxAttempts > 0 && p.attempts >= p.maxAttempts
}

// Reset is called once a session is re-established.
func (p *Policy) Reset() {
	p.attempts = 0
	p.b.Reset()
}
