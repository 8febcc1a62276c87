// Package allocator hands out accounts: it reserves exactly one free, valid
// record per checkout, growing the pool or backing off when none is left.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/audit"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/generator"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/dmitrijs2005/accountpool/internal/pool/store"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Strategy selects the delay sequence between attempts.
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyExponential Strategy = "exponential"
)

const fallbackInterval = 100 * time.Millisecond

// NoRetry as maxRetries makes Checkout try exactly once.
const NoRetry = -1

// Config tunes the retry policy. Timeouts and retry counts come from the
// checkout call or, when zero, from the pool's persisted configuration.
type Config struct {
	Strategy Strategy
	// MaxInterval caps exponential growth; zero means uncapped.
	MaxInterval time.Duration
}

func DefaultConfig() Config {
	return Config{Strategy: StrategyConstant}
}

// Allocator reserves records. It keeps no pool snapshot between calls.
type Allocator struct {
	store   store.Store
	gen     *generator.Generator
	clock   clock.Clock
	config  Config
	journal audit.Recorder
	log     logging.Logger
}

// New builds an Allocator. gen may be nil, which disables auto-grow even
// when the pool asks for it.
func New(s store.Store, gen *generator.Generator, c clock.Clock, cfg Config, j audit.Recorder, l logging.Logger) *Allocator {
	return &Allocator{
		store:   s,
		gen:     gen,
		clock:   clock.OrReal(c),
		config:  cfg,
		journal: audit.OrNop(j),
		log:     logging.OrDiscard(l).With("component", "allocator"),
	}
}

// attempt is the outcome of one locked scan.
type attempt struct {
	record models.AccountRecord
	found  bool
	grown  []models.AccountRecord
	cfg    models.PoolConfig
}

// Checkout reserves the first free, valid record in pool order and returns a
// copy stamped with a fresh lease. timeout bounds the total wait across all
// retries, lock waits included; zero takes the pool's wait timeout, and a
// non-positive pool value leaves only maxRetries as the bound. maxRetries
// counts retries after the first attempt: zero takes the pool's value and a
// negative value (NoRetry) allows none. When nothing is available, or the
// store lock cannot be taken in time, common.ErrPoolExhausted is returned
// and the caller decides whether to skip, fail or grow the pool.
func (a *Allocator) Checkout(ctx context.Context, timeout time.Duration, maxRetries int) (models.AccountRecord, error) {
	start := a.clock.Now()
	allowGrow := true
	var backoff retry.Backoff

	for n := 0; ; n++ {
		res, err := a.tryReserveWithin(ctx, start, timeout, allowGrow)
		if err != nil {
			elapsed := a.clock.Now().Sub(start)
			switch {
			case ctx.Err() != nil:
				return models.AccountRecord{}, fmt.Errorf("checkout interrupted after %d attempts: %w: %w", n+1, common.ErrPoolExhausted, ctx.Err())
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, common.ErrLockTimeout):
				return models.AccountRecord{}, a.exhausted(ctx, n+1, elapsed, err)
			}
			return models.AccountRecord{}, err
		}
		if len(res.grown) > 0 {
			allowGrow = false
			a.log.Info(ctx, "pool grown on exhaustion", "added", len(res.grown))
			audit.Emit(ctx, a.journal, a.log, audit.Event{
				Action: audit.ActionGrow,
				Detail: fmt.Sprintf("added %d records from %s", len(res.grown), res.grown[0].Username),
			})
		}
		if res.found {
			a.log.Info(ctx, "account reserved", "username", res.record.Username, "lease", res.record.LeaseID, "attempt", n+1)
			audit.Emit(ctx, a.journal, a.log, audit.Event{
				Action:   audit.ActionCheckout,
				Username: res.record.Username,
				LeaseID:  res.record.LeaseID,
			})
			return res.record, nil
		}

		if n == 0 {
			if timeout == 0 {
				timeout = res.cfg.WaitTimeout
			}
			if maxRetries == 0 {
				maxRetries = res.cfg.MaxRetries
			}
			if maxRetries < 0 {
				maxRetries = 0
			}
			backoff = a.newBackoff(res.cfg.RetryInterval)
		}

		elapsed := a.clock.Now().Sub(start)
		if n >= maxRetries {
			return models.AccountRecord{}, a.exhausted(ctx, n+1, elapsed, nil)
		}
		delay, stop := backoff.Next()
		if stop {
			return models.AccountRecord{}, a.exhausted(ctx, n+1, elapsed, nil)
		}
		if timeout > 0 {
			remaining := timeout - elapsed
			if remaining <= 0 {
				return models.AccountRecord{}, a.exhausted(ctx, n+1, elapsed, nil)
			}
			if delay > remaining {
				delay = remaining
			}
		}

		a.log.Debug(ctx, "no eligible account, backing off", "attempt", n+1, "delay", delay)
		if err := a.clock.Sleep(ctx, delay); err != nil {
			return models.AccountRecord{}, fmt.Errorf("checkout interrupted after %d attempts: %w: %w", n+1, common.ErrPoolExhausted, err)
		}
	}
}

// tryReserveWithin runs one attempt, bounding the store lock wait by what is
// left of timeout. The budget is measured on the allocator clock.
func (a *Allocator) tryReserveWithin(ctx context.Context, start time.Time, timeout time.Duration, allowGrow bool) (attempt, error) {
	if timeout <= 0 {
		return a.tryReserve(ctx, allowGrow)
	}
	actx, cancel := context.WithTimeout(ctx, timeout-a.clock.Now().Sub(start))
	defer cancel()
	return a.tryReserve(actx, allowGrow)
}

func (a *Allocator) tryReserve(ctx context.Context, allowGrow bool) (attempt, error) {
	var res attempt
	err := a.store.WithPool(ctx, func(p *models.Pool) error {
		res = attempt{cfg: p.Config}

		if reserve(p, a.clock.Now(), &res) {
			return nil
		}
		if !allowGrow || !p.Config.AutoGrow || a.gen == nil {
			return nil
		}

		growBy := p.Config.GrowBy
		if growBy <= 0 {
			growBy = 1
		}
		created, err := a.gen.Generate(p, growBy, p.Config.Prefix)
		if err != nil {
			return fmt.Errorf("grow pool: %w", err)
		}
		res.grown = created
		reserve(p, a.clock.Now(), &res)
		return nil
	})
	return res, err
}

// reserve marks the first eligible record in p as Reserved.
func reserve(p *models.Pool, now time.Time, res *attempt) bool {
	for i := range p.Records {
		r := &p.Records[i]
		if !r.Eligible() {
			continue
		}
		r.Reservation = models.Reserved
		r.LeaseID = uuid.NewString()
		r.Touch(now)
		res.record = *r
		res.found = true
		return true
	}
	return false
}

func (a *Allocator) newBackoff(interval time.Duration) retry.Backoff {
	if interval <= 0 {
		interval = fallbackInterval
	}
	var b retry.Backoff
	switch a.config.Strategy {
	case StrategyExponential:
		b = retry.NewExponential(interval)
	default:
		b = retry.NewConstant(interval)
	}
	if a.config.MaxInterval > 0 {
		b = retry.WithCappedDuration(a.config.MaxInterval, b)
	}
	return b
}

// exhausted builds the PoolExhausted error. cause, when set, is the lock
// failure that ended the wait and stays matchable with errors.Is.
func (a *Allocator) exhausted(ctx context.Context, attempts int, elapsed time.Duration, cause error) error {
	a.log.Warn(ctx, "pool exhausted", "attempts", attempts, "waited", elapsed, "cause", cause)
	if cause != nil {
		return fmt.Errorf("checkout after %d attempts in %s: %w: %w", attempts, elapsed, common.ErrPoolExhausted, cause)
	}
	return fmt.Errorf("checkout after %d attempts in %s: %w", attempts, elapsed, common.ErrPoolExhausted)
}
