package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// Probe reports nil when the checked dependency is usable.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe with a constant outcome. An empty reason on a
// failing probe reads "unhealthy".
func Fixed(ok bool, reason string) CheckFunc {
	var err error
	if !ok {
		if reason == "" {
			reason = "unhealthy"
		}
		err = xerrors.New(reason)
	}
	return func(context.Context) error { return err }
}

// All runs every non-nil probe and joins the failures, so a readiness body
// lists each dependency that is down rather than just the first.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p != nil {
				if err := p.Check(ctx); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	}
}

// WithTimeout bounds p by d and prefixes a failure with name.
func WithTimeout(name string, d time.Duration, p Probe) CheckFunc {
	if p == nil {
		return Fixed(true, "")
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// Drain fails readiness once shutdown begins. The zero value is ready.
type Drain struct {
	mu     sync.RWMutex
	active bool
	reason string
}

// Begin marks the instance as draining.
func (d *Drain) Begin(reason string) {
	if reason == "" {
		reason = "draining"
	}
	d.mu.Lock()
	d.active, d.reason = true, reason
	d.mu.Unlock()
}

// Cancel makes the instance ready again.
func (d *Drain) Cancel() {
	d.mu.Lock()
	d.active, d.reason = false, ""
	d.mu.Unlock()
}

// Active reports whether Begin has been called without a later Cancel.
func (d *Drain) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

func (d *Drain) Probe() CheckFunc {
	return func(context.Context) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if !d.active {
			return nil
		}
		return xerrors.New(d.reason)
	}
}
