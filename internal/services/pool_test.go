package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/audit"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/config"
	"github.com/dmitrijs2005/accountpool/internal/cryptox"
	"github.com/dmitrijs2005/accountpool/internal/pool/guard"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type memSnapshotter struct{ pools []*models.Pool }

func (m *memSnapshotter) Snapshot(ctx context.Context, p *models.Pool) (string, error) {
	m.pools = append(m.pools, p)
	return "mem://snap", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.StorePath = filepath.Join(t.TempDir(), "pool", "pool.json")
	cfg.Prefix = "qa_"
	cfg.MaxRetries = 1
	cfg.RetryInterval = time.Second
	return cfg
}

func newService(t *testing.T) (*PoolService, *clock.Fake, *audit.MemoryJournal, *memSnapshotter) {
	t.Helper()
	c := clock.NewFake(t0)
	j := audit.NewMemoryJournal()
	snap := &memSnapshotter{}
	return NewPoolService(testConfig(t), Deps{Clock: c, Journal: j, Backup: snap}), c, j, snap
}

func TestGenerate_CreatesPoolWhenMissing(t *testing.T) {
	s, _, j, _ := newService(t)
	ctx := context.Background()

	rep, err := s.Generate(ctx, 3, "")
	require.NoError(t, err)

	assert.Equal(t, models.Counts{}, rep.Before)
	assert.Equal(t, models.Counts{Total: 3, Free: 3, Available: 3}, rep.After)
	assert.Equal(t, []string{"qa_001", "qa_002", "qa_003"}, rep.Changed)

	p, err := s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "qa_", p.Config.Prefix)
	assert.Equal(t, 1, p.Config.MaxRetries)
	assert.Equal(t, "TestPass123!", p.Records[0].Password)
	assert.Contains(t, j.Actions(), audit.ActionGenerate)
}

func TestRefill_SeedsMissingPoolToConfiguredSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolSize = 4
	s := NewPoolService(cfg, Deps{Clock: clock.NewFake(t0)})
	ctx := context.Background()

	rep, err := s.Refill(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, models.Counts{}, rep.Before)
	assert.Equal(t, []string{"qa_001", "qa_002", "qa_003", "qa_004"}, rep.Changed)
	assert.Equal(t, 4, rep.After.Available)

	_, err = s.Checkout(ctx)
	require.NoError(t, err)

	rep, err = s.Refill(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"qa_005"}, rep.Changed)
	assert.Equal(t, models.Counts{Total: 5, Free: 4, Reserved: 1, Available: 4}, rep.After)
}

func TestGenerate_InvalidCount(t *testing.T) {
	s, _, _, _ := newService(t)

	_, err := s.Generate(context.Background(), 0, "")
	require.ErrorIs(t, err, common.ErrInvalidCount)

	_, err = s.Status(context.Background())
	assert.ErrorIs(t, err, common.ErrStoreMissing, "rejected generate must not create the pool")
}

func TestCheckout_ExponentialBackoffUsesConfiguredCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backoff = "exponential"
	cfg.MaxInterval = 2 * time.Second
	c := clock.NewFake(t0)
	s := NewPoolService(cfg, Deps{Clock: c})
	ctx := context.Background()
	_, err := s.Generate(ctx, 1, "")
	require.NoError(t, err)
	_, err = s.Checkout(ctx)
	require.NoError(t, err)

	_, err = s.CheckoutWithin(ctx, time.Hour, 4)
	require.ErrorIs(t, err, common.ErrPoolExhausted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, c.Sleeps())
}

func TestCheckoutRelease_RoundTrip(t *testing.T) {
	s, _, j, _ := newService(t)
	ctx := context.Background()
	_, err := s.Generate(ctx, 2, "")
	require.NoError(t, err)

	a, err := s.Checkout(ctx)
	require.NoError(t, err)
	b, err := s.CheckoutWithin(ctx, time.Second, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Username, b.Username)

	_, err = s.Checkout(ctx)
	require.ErrorIs(t, err, common.ErrPoolExhausted)

	require.NoError(t, s.Release(ctx, a, guard.Clean()))
	require.NoError(t, s.Release(ctx, b, guard.Suspect("password rotated")))

	c, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Counts{Total: 2, Free: 2, Suspect: 1, Available: 1}, c)
	assert.Equal(t, []audit.Action{
		audit.ActionGenerate, audit.ActionCheckout, audit.ActionCheckout,
		audit.ActionRelease, audit.ActionRelease,
	}, j.Actions())
}

func TestWithAccount(t *testing.T) {
	s, _, _, _ := newService(t)
	ctx := context.Background()
	_, err := s.Generate(ctx, 1, "")
	require.NoError(t, err)

	boom := errors.New("login page changed")
	err = s.WithAccount(ctx, func(ctx context.Context, rec models.AccountRecord) error {
		assert.Equal(t, "qa_001", rec.Username)
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Counts{Total: 1, Free: 1, Suspect: 1}, c)
}

func TestUnlockStuck_DefaultsToConfiguredAge(t *testing.T) {
	s, c, _, snap := newService(t)
	ctx := context.Background()
	_, err := s.Generate(ctx, 2, "")
	require.NoError(t, err)
	_, err = s.Checkout(ctx)
	require.NoError(t, err)

	c.Advance(20 * time.Minute)
	rep, err := s.UnlockStuck(ctx, 0, false)
	require.NoError(t, err)
	assert.Empty(t, rep.Changed)

	c.Advance(15 * time.Minute)
	rep, err = s.UnlockStuck(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"qa_001"}, rep.Changed)
	assert.Equal(t, "mem://snap", rep.Backup)
	require.Len(t, snap.pools, 1)
	assert.Equal(t, models.Reserved, snap.pools[0].Records[0].Reservation)
}

func TestAdminOperations(t *testing.T) {
	s, _, _, _ := newService(t)
	ctx := context.Background()
	_, err := s.Generate(ctx, 2, "")
	require.NoError(t, err)

	_, err = s.MarkSuspect(ctx, "qa_002", "manual")
	require.NoError(t, err)
	rep, err := s.ClearSuspect(ctx, "qa_002", "nobody")
	require.NoError(t, err)
	assert.Equal(t, []string{"qa_002"}, rep.Changed)
	assert.Equal(t, []string{"nobody"}, rep.NotFound)

	_, err = s.Checkout(ctx)
	require.NoError(t, err)
	rep, err = s.UnlockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Before.Reserved)
	assert.Equal(t, 0, rep.After.Reserved)
}

func TestBackupAndHistory(t *testing.T) {
	s, _, j, snap := newService(t)
	ctx := context.Background()
	_, err := s.Generate(ctx, 1, "")
	require.NoError(t, err)

	uri, err := s.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mem://snap", uri)
	require.Len(t, snap.pools, 1)

	events, err := s.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionBackup, events[0].Action)
	assert.Len(t, j.Actions(), 2)
	assert.NoError(t, s.Close())
}

func TestDisabledCollaborators(t *testing.T) {
	s := NewPoolService(testConfig(t), Deps{})
	ctx := context.Background()

	_, err := s.Backup(ctx)
	assert.ErrorIs(t, err, common.ErrBackupDisabled)
	_, err = s.History(ctx, 10)
	assert.ErrorIs(t, err, common.ErrAuditDisabled)
	assert.NoError(t, s.Close())
}

func TestOpen_SQLiteJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuditDSN = filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	s, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Generate(ctx, 1, "")
	require.NoError(t, err)

	events, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionGenerate, events[0].Action)
}

func TestOpen_BadAuditDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuditDriver = "mongo"
	cfg.AuditDSN = "x"

	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRestore_SealedSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupPassphrase = "pp"
	s := NewPoolService(cfg, Deps{Clock: clock.NewFake(t0)})
	ctx := context.Background()
	_, err := s.Generate(ctx, 2, "")
	require.NoError(t, err)

	p, err := s.Pool(ctx)
	require.NoError(t, err)
	data, err := models.Encode(p)
	require.NoError(t, err)
	sealed, err := cryptox.Seal(data, []byte("pp"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "snap.json.sealed")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	_, err = s.UnlockAll(ctx)
	require.NoError(t, err)
	_, err = s.Generate(ctx, 4, "")
	require.NoError(t, err)

	rep, err := s.Restore(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Before.Total)
	assert.Equal(t, 2, rep.After.Total)

	cfg.BackupPassphrase = "wrong"
	_, err = s.Restore(ctx, path)
	assert.ErrorIs(t, err, cryptox.ErrBadPassphrase)
}
