package reconcile

import "time"

type nowFunc func() time.Time

func defaultNow() time.Time { return time.Now().UTC() }

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNow overrides the clock, used by tests to pin tracker due dates.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}
