package queue

import (
	"errors"
	"math/rand"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks a locally produced error as not retryable.
func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanentErr(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// backoff computes the delay before the given retry (1-based):
// exponential from the base, capped, with jitter over the upper half so
// parallel clients don't thunder in lockstep.
func (q *ActionQueue) backoff(retry int) time.Duration {
	d := q.backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.backoffCap {
			d = q.backoffCap
			break
		}
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
