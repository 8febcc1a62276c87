// Package services wires the pool components into PoolService, the one
// object test harnesses and poolctl talk to.
package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/audit"
	"github.com/dmitrijs2005/accountpool/internal/backup"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/config"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/allocator"
	"github.com/dmitrijs2005/accountpool/internal/pool/generator"
	"github.com/dmitrijs2005/accountpool/internal/pool/guard"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/dmitrijs2005/accountpool/internal/pool/reconciler"
	"github.com/dmitrijs2005/accountpool/internal/pool/store"
)

// Deps are the optional collaborators of a PoolService. Nil members are
// replaced by the real clock, no journal, no backups and a discard logger.
type Deps struct {
	Clock   clock.Clock
	Journal audit.Journal
	Backup  reconciler.Snapshotter
	Logger  logging.Logger
}

type PoolService struct {
	cfg     *config.Config
	store   *store.FileStore
	alloc   *allocator.Allocator
	guard   *guard.Guard
	recon   *reconciler.Reconciler
	gen     *generator.Service
	journal audit.Journal
	backup  reconciler.Snapshotter
	log     logging.Logger
}

// NewPoolService builds a service over the pool file named in cfg.
func NewPoolService(cfg *config.Config, d Deps) *PoolService {
	log := logging.OrDiscard(d.Logger)
	c := clock.OrReal(d.Clock)

	var rec audit.Recorder
	if d.Journal != nil {
		rec = d.Journal
	}

	st := store.NewFileStore(cfg.StorePath, store.WithLockTimeout(cfg.LockTimeout), store.WithLogger(log))
	gen := generator.New(cfg.Secret, generator.SecretPolicy(cfg.SecretPolicy), cfg.EmailDomain, c)

	opts := []reconciler.Option{reconciler.WithJournal(rec), reconciler.WithLogger(log)}
	if d.Backup != nil {
		opts = append(opts, reconciler.WithSnapshotter(d.Backup))
	}

	return &PoolService{
		cfg:     cfg,
		store:   st,
		alloc:   allocator.New(st, gen, c, allocator.Config{Strategy: allocator.Strategy(cfg.Backoff), MaxInterval: cfg.MaxInterval}, rec, log),
		guard:   guard.New(st, c, rec, log),
		recon:   reconciler.New(st, c, opts...),
		gen:     generator.NewService(st, gen, log).WithJournal(rec),
		journal: d.Journal,
		backup:  d.Backup,
		log:     log,
	}
}

// Open builds a PoolService and connects the journal and backup target the
// configuration asks for. Disabled ones are skipped.
func Open(ctx context.Context, cfg *config.Config, log logging.Logger) (*PoolService, error) {
	d := Deps{Logger: log}

	j, err := audit.Open(ctx, cfg.AuditDriver, cfg.AuditDSN)
	switch {
	case errors.Is(err, common.ErrAuditDisabled):
	case err != nil:
		return nil, fmt.Errorf("open audit journal: %w", err)
	default:
		d.Journal = j
	}

	b, err := backup.NewFromSettings(ctx, cfg.BackupSettings(), nil, log)
	switch {
	case errors.Is(err, common.ErrBackupDisabled):
	case err != nil:
		if d.Journal != nil {
			_ = d.Journal.Close()
		}
		return nil, fmt.Errorf("open backup target: %w", err)
	default:
		d.Backup = b
	}

	return NewPoolService(cfg, d), nil
}

func (s *PoolService) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

func (s *PoolService) StorePath() string { return s.store.Path() }

// Checkout reserves an account using the pool's persisted wait policy.
func (s *PoolService) Checkout(ctx context.Context) (models.AccountRecord, error) {
	return s.alloc.Checkout(ctx, 0, 0)
}

// CheckoutWithin reserves an account waiting at most timeout over at most
// maxRetries retries. Zero values take the pool's settings;
// allocator.NoRetry as maxRetries makes a single attempt.
func (s *PoolService) CheckoutWithin(ctx context.Context, timeout time.Duration, maxRetries int) (models.AccountRecord, error) {
	return s.alloc.Checkout(ctx, timeout, maxRetries)
}

func (s *PoolService) Release(ctx context.Context, rec models.AccountRecord, outcome guard.Outcome) error {
	return s.guard.Release(ctx, rec, outcome)
}

// WithAccount runs fn with a checked-out account and releases it on every
// exit path. See guard.Scope for how the outcome is chosen.
func (s *PoolService) WithAccount(ctx context.Context, fn func(ctx context.Context, rec models.AccountRecord) error) error {
	return s.guard.Scope(ctx, s.Checkout, fn)
}

// Init creates an empty pool carrying the configured pool settings when the
// file is missing.
func (s *PoolService) Init(ctx context.Context) (bool, error) {
	created, err := s.store.Init(ctx, s.cfg.PoolConfig())
	if err != nil {
		return false, err
	}
	if created {
		s.log.Info(ctx, "pool created", "path", s.store.Path())
	}
	return created, nil
}

// Generate seeds count accounts, creating the pool first if needed.
func (s *PoolService) Generate(ctx context.Context, count int, prefix string) (reconciler.Report, error) {
	if count <= 0 {
		return reconciler.Report{}, fmt.Errorf("generate %d: %w", count, common.ErrInvalidCount)
	}
	return s.grow(ctx, func() ([]models.AccountRecord, error) {
		return s.gen.Generate(ctx, count, prefix)
	})
}

// Refill adds records until the pool's configured size is available for
// checkout, creating the pool first when it is missing.
func (s *PoolService) Refill(ctx context.Context, prefix string) (reconciler.Report, error) {
	return s.grow(ctx, func() ([]models.AccountRecord, error) {
		return s.gen.Refill(ctx, prefix)
	})
}

func (s *PoolService) grow(ctx context.Context, add func() ([]models.AccountRecord, error)) (reconciler.Report, error) {
	if _, err := s.Init(ctx); err != nil {
		return reconciler.Report{}, err
	}
	before, err := s.recon.Status(ctx)
	if err != nil {
		return reconciler.Report{}, err
	}
	created, err := add()
	if err != nil {
		return reconciler.Report{Before: before, After: before}, err
	}
	after, err := s.recon.Status(ctx)
	if err != nil {
		return reconciler.Report{}, err
	}
	rep := reconciler.Report{Before: before, After: after}
	for _, r := range created {
		rep.Changed = append(rep.Changed, r.Username)
	}
	return rep, nil
}

func (s *PoolService) Status(ctx context.Context) (models.Counts, error) {
	return s.recon.Status(ctx)
}

// Pool returns the current document for read-only display.
func (s *PoolService) Pool(ctx context.Context) (*models.Pool, error) {
	return s.store.Load(ctx)
}

func (s *PoolService) UnlockAll(ctx context.Context) (reconciler.Report, error) {
	return s.recon.UnlockAll(ctx)
}

// UnlockStuck frees reservations older than maxAge; zero uses the
// configured stuck age.
func (s *PoolService) UnlockStuck(ctx context.Context, maxAge time.Duration, markSuspect bool) (reconciler.Report, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.StuckAge
	}
	return s.recon.UnlockStuck(ctx, maxAge, markSuspect)
}

func (s *PoolService) ClearSuspect(ctx context.Context, usernames ...string) (reconciler.Report, error) {
	return s.recon.ClearSuspect(ctx, usernames...)
}

func (s *PoolService) MarkSuspect(ctx context.Context, username, reason string) (reconciler.Report, error) {
	return s.recon.MarkSuspect(ctx, username, reason)
}

// Backup uploads a snapshot of the pool. Saves replace the file atomically,
// so the unlocked read is a consistent state and checkouts are not held up
// by the upload.
func (s *PoolService) Backup(ctx context.Context) (string, error) {
	if s.backup == nil {
		return "", common.ErrBackupDisabled
	}
	p, err := s.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	uri, err := s.backup.Snapshot(ctx, p)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if s.journal != nil {
		audit.Emit(ctx, s.journal, s.log, audit.Event{Action: audit.ActionBackup, Detail: uri})
	}
	return uri, nil
}

// Restore replaces the pool with the snapshot file at path, sealed or
// plain. The current pool is backed up first when backups are configured.
func (s *PoolService) Restore(ctx context.Context, path string) (reconciler.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return reconciler.Report{}, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := backup.ReadSnapshot(data, s.cfg.BackupPassphrase)
	if err != nil {
		return reconciler.Report{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	if _, err := s.Init(ctx); err != nil {
		return reconciler.Report{}, err
	}
	return s.recon.Restore(ctx, snap)
}

// History returns the newest limit journal events.
func (s *PoolService) History(ctx context.Context, limit int) ([]audit.Event, error) {
	if s.journal == nil {
		return nil, common.ErrAuditDisabled
	}
	return s.journal.Recent(ctx, limit)
}
