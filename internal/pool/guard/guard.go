// Package guard returns reserved accounts to the pool once a test is done
// with them, on every exit path.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/accountpool/internal/audit"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/dmitrijs2005/accountpool/internal/pool/store"
)

// Outcome is how a test left the account.
type Outcome struct {
	suspect bool
	reason  string
}

// Clean means the credentials are known to be intact.
func Clean() Outcome { return Outcome{} }

// Suspect means the test may have changed the credentials.
func Suspect(reason string) Outcome {
	return Outcome{suspect: true, reason: reason}
}

func (o Outcome) IsSuspect() bool { return o.suspect }

func (o Outcome) Reason() string { return o.reason }

func (o Outcome) String() string {
	if o.suspect {
		return "suspect: " + o.reason
	}
	return "clean"
}

type Guard struct {
	store   store.Store
	clock   clock.Clock
	journal audit.Recorder
	log     logging.Logger
}

func New(s store.Store, c clock.Clock, j audit.Recorder, l logging.Logger) *Guard {
	return &Guard{
		store:   s,
		clock:   clock.OrReal(c),
		journal: audit.OrNop(j),
		log:     logging.OrDiscard(l).With("component", "guard"),
	}
}

// Release frees the record and applies the outcome. A record that no longer
// exists, or whose lease was taken over by another checkout, is logged and
// left alone; neither is an error. Store failures are returned.
func (g *Guard) Release(ctx context.Context, rec models.AccountRecord, outcome Outcome) error {
	var (
		missing bool
		stale   string
	)
	err := g.store.WithPool(ctx, func(p *models.Pool) error {
		i := p.Find(rec.Username)
		if i < 0 {
			missing = true
			return nil
		}
		r := &p.Records[i]
		if rec.LeaseID != "" && r.LeaseID != "" && r.LeaseID != rec.LeaseID {
			stale = r.LeaseID
			return nil
		}

		r.Reservation = models.Free
		r.LeaseID = ""
		if outcome.suspect {
			r.Validity = models.Suspect
			r.SuspectReason = outcome.reason
		}
		r.Touch(g.clock.Now())
		return nil
	})
	if err != nil {
		g.log.Error(ctx, "release failed", "username", rec.Username, "error", err)
		return fmt.Errorf("release %s: %w", rec.Username, err)
	}

	switch {
	case missing:
		g.log.Warn(ctx, "released record not in pool", "username", rec.Username, "error", common.ErrRecordNotFound)
		return nil
	case stale != "":
		g.log.Warn(ctx, "lease superseded, record left untouched",
			"username", rec.Username, "lease", rec.LeaseID, "current_lease", stale)
		return nil
	}

	g.log.Info(ctx, "account released", "username", rec.Username, "outcome", outcome.String())
	audit.Emit(ctx, g.journal, g.log, audit.Event{
		Action:   audit.ActionRelease,
		Username: rec.Username,
		LeaseID:  rec.LeaseID,
		Detail:   outcome.String(),
	})
	return nil
}

// CheckoutFunc reserves one account, typically allocator.Allocator.Checkout
// bound to a timeout.
type CheckoutFunc func(ctx context.Context) (models.AccountRecord, error)

// Scope checks out an account, runs fn with it and always releases it: clean
// when fn succeeds or fails with a Harmless error, suspect otherwise. A panic
// in fn releases the account as suspect and is re-raised.
func (g *Guard) Scope(ctx context.Context, checkout CheckoutFunc, fn func(ctx context.Context, rec models.AccountRecord) error) (err error) {
	rec, err := checkout(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if v := recover(); v != nil {
			if rerr := g.Release(context.WithoutCancel(ctx), rec, Suspect(fmt.Sprintf("panic: %v", v))); rerr != nil {
				g.log.Error(ctx, "release after panic failed", "username", rec.Username, "error", rerr)
			}
			panic(v)
		}
	}()

	ferr := fn(ctx, rec)

	outcome := Clean()
	if ferr != nil && !IsHarmless(ferr) {
		outcome = Suspect(ferr.Error())
	}
	if rerr := g.Release(context.WithoutCancel(ctx), rec, outcome); rerr != nil {
		return errors.Join(ferr, rerr)
	}
	return ferr
}

type harmlessError struct{ err error }

func (h *harmlessError) Error() string { return h.err.Error() }

func (h *harmlessError) Unwrap() error { return h.err }

// Harmless marks err as one that cannot have changed the account, so Scope
// releases it clean while still returning err.
func Harmless(err error) error {
	if err == nil {
		return nil
	}
	return &harmlessError{err: err}
}

func IsHarmless(err error) bool {
	var h *harmlessError
	return errors.As(err, &h)
}
