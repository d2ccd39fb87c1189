package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Wait when the condition did not hold in time.
var ErrTimeout = errors.New("transport: wait timed out")

// Wait polls cond every poll interval until it reports true, returns an
// error, timeout elapses or ctx is done. cond is evaluated once immediately.
// This is the only blocking wait used by the backends.
func Wait(ctx context.Context, timeout, poll time.Duration, cond func() (bool, error)) error {
	if poll <= 0 {
		poll = time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// last look so a condition that became true at the deadline counts
			if ok, err := cond(); err != nil || ok {
				return err
			}
			return ErrTimeout
		case <-ticker.C:
		}
	}
}
