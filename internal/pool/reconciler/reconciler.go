// Package reconciler holds the administrative recovery operations: freeing
// reservations left behind by crashed workers and managing suspect flags.
package reconciler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/audit"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/dmitrijs2005/accountpool/internal/pool/store"
)

// StaleReason is recorded on records UnlockStuck marks suspect.
const StaleReason = "stale reservation"

// snapshotRounds bounds how often a snapshot is retaken because the pool
// moved on while it was uploaded. After that the upload runs under the lock.
const snapshotRounds = 3

// Snapshotter saves a copy of the pool and returns where it went. It is
// called without the pool lock held unless the pool keeps changing under it.
type Snapshotter interface {
	Snapshot(ctx context.Context, p *models.Pool) (string, error)
}

// Report describes what one operation changed.
type Report struct {
	Before   models.Counts
	After    models.Counts
	Changed  []string
	NotFound []string
	// Backup is the snapshot location, empty when none was taken.
	Backup string
}

type Reconciler struct {
	store    store.Store
	clock    clock.Clock
	snapshot Snapshotter
	journal  audit.Recorder
	log      logging.Logger
}

type Option func(*Reconciler)

// WithSnapshotter makes destructive operations back the pool up first.
func WithSnapshotter(s Snapshotter) Option {
	return func(r *Reconciler) { r.snapshot = s }
}

func WithJournal(j audit.Recorder) Option {
	return func(r *Reconciler) { r.journal = j }
}

func WithLogger(l logging.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func New(s store.Store, c clock.Clock, opts ...Option) *Reconciler {
	r := &Reconciler{store: s, clock: clock.OrReal(c)}
	for _, o := range opts {
		o(r)
	}
	r.journal = audit.OrNop(r.journal)
	r.log = logging.OrDiscard(r.log).With("component", "reconciler")
	return r
}

func (r *Reconciler) Status(ctx context.Context) (models.Counts, error) {
	p, err := r.store.Load(ctx)
	if err != nil {
		return models.Counts{}, err
	}
	return p.Counts(), nil
}

// UnlockAll makes every record free and valid. last_used is left alone so
// repeated runs write nothing.
func (r *Reconciler) UnlockAll(ctx context.Context) (Report, error) {
	rep, err := r.mutate(ctx, true, func(p *models.Pool) []int {
		var idx []int
		for i := range p.Records {
			rec := &p.Records[i]
			if rec.Reservation != models.Free || rec.Validity != models.Valid || rec.SuspectReason != "" || rec.LeaseID != "" {
				idx = append(idx, i)
			}
		}
		return idx
	}, func(rec *models.AccountRecord) {
		r.log.Info(ctx, "unlocking record", "username", rec.Username,
			"reservation", string(rec.Reservation), "validity", string(rec.Validity))
		rec.Reservation = models.Free
		rec.Validity = models.Valid
		rec.SuspectReason = ""
		rec.LeaseID = ""
	})
	if err != nil {
		return rep, fmt.Errorf("unlock all: %w", err)
	}
	r.emit(ctx, audit.ActionUnlockAll, "", rep)
	return rep, nil
}

// UnlockStuck frees reservations whose last_used is more than maxAge ago,
// optionally marking them suspect since the holder may have died mid-test.
func (r *Reconciler) UnlockStuck(ctx context.Context, maxAge time.Duration, markSuspect bool) (Report, error) {
	now := r.clock.Now()
	rep, err := r.mutate(ctx, true, func(p *models.Pool) []int {
		var idx []int
		for i := range p.Records {
			rec := &p.Records[i]
			if rec.Reservation == models.Reserved && now.Sub(rec.LastUsed) > maxAge {
				idx = append(idx, i)
			}
		}
		return idx
	}, func(rec *models.AccountRecord) {
		r.log.Info(ctx, "freeing stuck reservation", "username", rec.Username,
			"held_for", now.Sub(rec.LastUsed).Round(time.Second), "lease", rec.LeaseID)
		rec.Reservation = models.Free
		rec.LeaseID = ""
		if markSuspect {
			rec.Validity = models.Suspect
			rec.SuspectReason = StaleReason
		}
	})
	if err != nil {
		return rep, fmt.Errorf("unlock stuck: %w", err)
	}
	r.emit(ctx, audit.ActionUnlockStuck, fmt.Sprintf("max_age=%s suspect=%t", maxAge, markSuspect), rep)
	return rep, nil
}

// ClearSuspect marks the named records valid again. Unknown names are
// reported, not treated as errors.
func (r *Reconciler) ClearSuspect(ctx context.Context, usernames ...string) (Report, error) {
	var notFound []string
	rep, err := r.mutate(ctx, false, func(p *models.Pool) []int {
		notFound = notFound[:0]
		var idx []int
		for _, name := range usernames {
			i := p.Find(name)
			if i < 0 {
				notFound = append(notFound, name)
				continue
			}
			if p.Records[i].Validity == models.Suspect {
				idx = append(idx, i)
			}
		}
		return idx
	}, func(rec *models.AccountRecord) {
		r.log.Info(ctx, "clearing suspect flag", "username", rec.Username, "reason", rec.SuspectReason)
		rec.Validity = models.Valid
		rec.SuspectReason = ""
	})
	rep.NotFound = notFound
	for _, name := range notFound {
		r.log.Warn(ctx, "record not in pool", "username", name)
	}
	if err != nil {
		return rep, fmt.Errorf("clear suspect: %w", err)
	}
	r.emit(ctx, audit.ActionClearSuspect, "", rep)
	return rep, nil
}

// MarkSuspect quarantines one record. Its reservation is left as is.
func (r *Reconciler) MarkSuspect(ctx context.Context, username, reason string) (Report, error) {
	missing := false
	rep, err := r.mutate(ctx, false, func(p *models.Pool) []int {
		i := p.Find(username)
		if i < 0 {
			missing = true
			return nil
		}
		rec := p.Records[i]
		if rec.Validity == models.Suspect && rec.SuspectReason == reason {
			return nil
		}
		return []int{i}
	}, func(rec *models.AccountRecord) {
		r.log.Info(ctx, "marking record suspect", "username", rec.Username, "reason", reason)
		rec.Validity = models.Suspect
		rec.SuspectReason = reason
	})
	if err != nil {
		return rep, fmt.Errorf("mark suspect: %w", err)
	}
	if missing {
		return rep, fmt.Errorf("mark suspect %s: %w", username, common.ErrRecordNotFound)
	}
	r.emit(ctx, audit.ActionMarkSuspect, reason, rep)
	return rep, nil
}

// Restore replaces the whole pool with snapshot, backing up the current
// contents first. Reservations in the snapshot are kept as they were.
func (r *Reconciler) Restore(ctx context.Context, snapshot *models.Pool) (Report, error) {
	rep, err := r.guarded(ctx, true, func(*models.Pool) bool { return true }, func(p *models.Pool, rep *Report) {
		restored := snapshot.Clone()
		p.Records = restored.Records
		p.Config = restored.Config
		for _, rec := range p.Records {
			rep.Changed = append(rep.Changed, rec.Username)
		}
	})
	if err != nil {
		return rep, fmt.Errorf("restore: %w", err)
	}
	r.log.Info(ctx, "pool restored", "records", len(rep.Changed), "backup", rep.Backup)
	audit.Emit(ctx, r.journal, r.log, audit.Event{
		Action: audit.ActionRestore,
		Detail: fmt.Sprintf("records=%d backup=%s", len(rep.Changed), rep.Backup),
	})
	return rep, nil
}

// mutate changes the records sel picks with apply. Destructive changes are
// preceded by a snapshot when one is configured.
func (r *Reconciler) mutate(ctx context.Context, destructive bool, sel func(p *models.Pool) []int, apply func(rec *models.AccountRecord)) (Report, error) {
	return r.guarded(ctx, destructive, func(p *models.Pool) bool {
		return len(sel(p)) > 0
	}, func(p *models.Pool, rep *Report) {
		for _, i := range sel(p) {
			apply(&p.Records[i])
			rep.Changed = append(rep.Changed, p.Records[i].Username)
		}
	})
}

// guarded runs edit in one locked section. When a snapshot is due it is
// taken from an unlocked read and uploaded with the lock released; edit then
// runs only if the pool is still byte for byte what was uploaded, so the
// backup always matches the pre-change state. An upload error aborts the
// change.
func (r *Reconciler) guarded(ctx context.Context, destructive bool, changes func(p *models.Pool) bool, edit func(p *models.Pool, rep *Report)) (Report, error) {
	if !destructive || r.snapshot == nil {
		rep, _, err := r.section(ctx, nil, "", false, changes, edit)
		return rep, err
	}

	for round := 1; round <= snapshotRounds; round++ {
		p, err := r.store.Load(ctx)
		if err != nil {
			return Report{}, err
		}
		if !changes(p) {
			// still snapshot under the lock if something turns up meanwhile
			rep, _, err := r.section(ctx, nil, "", true, changes, edit)
			return rep, err
		}
		pre, err := models.Encode(p)
		if err != nil {
			return Report{}, err
		}
		key, err := r.snapshot.Snapshot(ctx, p)
		if err != nil {
			return Report{}, fmt.Errorf("snapshot before change: %w", err)
		}
		r.log.Info(ctx, "pool snapshot taken", "location", key)

		rep, stale, err := r.section(ctx, pre, key, false, changes, edit)
		if !stale {
			return rep, err
		}
		r.log.Info(ctx, "pool changed during snapshot upload", "round", round)
	}

	rep, _, err := r.section(ctx, nil, "", true, changes, edit)
	return rep, err
}

// section is one WithPool call. With pre set it does nothing and reports
// stale when the pool no longer encodes to pre. With lockedSnapshot it takes
// the snapshot inside the section before edit.
func (r *Reconciler) section(ctx context.Context, pre []byte, key string, lockedSnapshot bool, changes func(p *models.Pool) bool, edit func(p *models.Pool, rep *Report)) (Report, bool, error) {
	var (
		rep   Report
		stale bool
	)
	err := r.store.WithPool(ctx, func(p *models.Pool) error {
		if pre != nil {
			cur, err := models.Encode(p)
			if err != nil {
				return err
			}
			if !bytes.Equal(cur, pre) {
				stale = true
				return nil
			}
		}
		if !changes(p) {
			rep = Report{Before: p.Counts(), After: p.Counts()}
			return nil
		}
		rep = Report{Before: p.Counts(), Backup: key}
		if lockedSnapshot {
			k, err := r.snapshot.Snapshot(ctx, p.Clone())
			if err != nil {
				return fmt.Errorf("snapshot before change: %w", err)
			}
			rep.Backup = k
			r.log.Info(ctx, "pool snapshot taken under lock", "location", k)
		}
		edit(p, &rep)
		rep.After = p.Counts()
		return nil
	})
	return rep, stale, err
}

func (r *Reconciler) emit(ctx context.Context, action audit.Action, detail string, rep Report) {
	if len(rep.Changed) == 0 {
		return
	}
	parts := []string{fmt.Sprintf("changed=%s", strings.Join(rep.Changed, ","))}
	if detail != "" {
		parts = append(parts, detail)
	}
	if rep.Backup != "" {
		parts = append(parts, "backup="+rep.Backup)
	}
	audit.Emit(ctx, r.journal, r.log, audit.Event{
		Action:   action,
		Username: singleName(rep.Changed),
		Detail:   strings.Join(parts, " "),
	})
}

func singleName(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return ""
}
