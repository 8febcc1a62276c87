// Package store is the single source of truth for the account pool. It keeps
// the pool as one JSON document and serialises every load-mutate-save cycle
// across processes with an advisory lock on a sibling ".lock" file.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/filex"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
)

// Store is the contract the pool components depend on.
type Store interface {
	// Load reads the current pool. It does not take the lock; use it only
	// for read-only views.
	Load(ctx context.Context) (*models.Pool, error)
	// Save replaces the persisted pool atomically.
	Save(ctx context.Context, p *models.Pool) error
	// WithPool loads the pool, applies fn and saves the result, all under
	// the cross-process lock. Nothing is written when fn fails.
	WithPool(ctx context.Context, fn func(p *models.Pool) error) error
}

const (
	defaultLockTimeout = 10 * time.Second
	lockPollInterval   = 10 * time.Millisecond
	filePerm           = 0o660
)

// FileStore keeps the pool in a JSON file.
type FileStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         logging.Logger
}

var _ Store = (*FileStore)(nil)

type Option func(*FileStore)

// WithLockTimeout bounds how long WithPool waits for the lock. Zero or
// negative means wait until the context is done.
func WithLockTimeout(d time.Duration) Option {
	return func(s *FileStore) { s.lockTimeout = d }
}

func WithLogger(l logging.Logger) Option {
	return func(s *FileStore) { s.log = l }
}

func NewFileStore(path string, opts ...Option) *FileStore {
	s := &FileStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: defaultLockTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.OrDiscard(s.log).With("store", path)
	return s
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*models.Pool, error) {
	p, _, err := s.read()
	return p, err
}

func (s *FileStore) read() (*models.Pool, []byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load pool %s: %w", s.path, common.ErrStoreMissing)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load pool %s: %w", s.path, err)
	}
	p, err := models.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("load pool %s: %w", s.path, err)
	}
	return p, data, nil
}

func (s *FileStore) Save(ctx context.Context, p *models.Pool) error {
	data, err := models.Encode(p)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *FileStore) write(data []byte) error {
	if err := filex.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("save pool %s: %w", s.path, err)
	}
	if err := filex.WriteFileAtomic(s.path, data, filePerm); err != nil {
		return fmt.Errorf("save pool %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) WithPool(ctx context.Context, fn func(p *models.Pool) error) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	p, raw, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}

	data, err := models.Encode(p)
	if err != nil {
		return err
	}
	if bytes.Equal(raw, data) {
		return nil
	}
	return s.write(data)
}

// Init creates an empty pool with cfg when the store file is absent. It
// reports whether a pool was created; an existing pool is left untouched.
func (s *FileStore) Init(ctx context.Context, cfg models.PoolConfig) (bool, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat pool %s: %w", s.path, err)
	}

	p := &models.Pool{SchemaVersion: common.SchemaVersion, Config: cfg, Records: []models.AccountRecord{}}
	if err := s.Save(ctx, p); err != nil {
		return false, err
	}
	s.log.Info(ctx, "seeded empty pool", "prefix", cfg.Prefix, "size", cfg.Size)
	return true, nil
}

// lock takes the exclusive advisory lock, polling until it is free, the
// lock timeout passes, or ctx is done.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	if err := filex.EnsureParentDir(s.lockPath); err != nil {
		return nil, fmt.Errorf("lock pool %s: %w", s.path, err)
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", s.lockPath, err)
	}

	var deadline <-chan time.Time
	if s.lockTimeout > 0 {
		t := time.NewTimer(s.lockTimeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", s.lockPath, err)
		}
		if ok {
			return func() {
				if err := unlockFile(f); err != nil {
					s.log.Error(context.Background(), "unlock failed", "error", err)
				}
				_ = f.Close()
			}, nil
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", s.lockPath, ctx.Err())
		case <-deadline:
			_ = f.Close()
			return nil, fmt.Errorf("lock %s after %s: %w", s.lockPath, s.lockTimeout, common.ErrLockTimeout)
		case <-ticker.C:
		}
	}
}
