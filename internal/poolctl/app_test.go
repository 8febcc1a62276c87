package poolctl

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitrijs2005/accountpool/internal/config"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type run struct {
	code int
	out  string
	err  string
}

func poolctl(t *testing.T, stdin string, args ...string) run {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Main(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return run{code: code, out: out.String(), err: errOut.String()}
}

func paths(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		"-f", filepath.Join(dir, "pool.json"),
		"-d", filepath.Join(dir, "audit.db"),
		"-prefix", "qa_",
		"-log-level", "error",
	}
}

func TestMain_Usage(t *testing.T) {
	r := poolctl(t, "")
	assert.Equal(t, ExitUsage, r.code)
	assert.Contains(t, r.err, "usage: poolctl")

	r = poolctl(t, "", "help")
	assert.Equal(t, ExitOK, r.code)
	assert.Contains(t, r.out, "unlock-stuck")

	r = poolctl(t, "", "frobnicate")
	assert.Equal(t, ExitUsage, r.code)
	assert.Contains(t, r.err, `unknown command "frobnicate"`)

	r = poolctl(t, "", append(paths(t), "generate", "many")...)
	assert.Equal(t, ExitUsage, r.code)
	assert.Contains(t, r.err, "count must be a positive integer")

	r = poolctl(t, "", "status", "-backoff", "linear")
	assert.Equal(t, ExitUsage, r.code)
	assert.Contains(t, r.err, "config:")
}

func TestMain_StatusOnMissingPool(t *testing.T) {
	r := poolctl(t, "", append(paths(t), "status")...)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.err, "pool store missing")
	assert.Contains(t, r.err, "poolctl generate")
}

func TestMain_GenerateThenStatus(t *testing.T) {
	p := paths(t)

	r := poolctl(t, "", append(p, "generate", "3")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Equal(t, strings.Join([]string{
		"before: free=0 reserved=0 suspect=0 total=0",
		"  added qa_001",
		"  added qa_002",
		"  added qa_003",
		"after: free=3 reserved=0 suspect=0 total=3",
		"",
	}, "\n"), r.out)

	r = poolctl(t, "", append(p, "generate", "2", "alt_")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "added alt_001")

	r = poolctl(t, "", append(p, "status", "-v")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "free=5 reserved=0 suspect=0 total=5 available=5")
	assert.Contains(t, r.out, "USERNAME")
	assert.Contains(t, r.out, "alt_002")
}

func TestMain_Refill(t *testing.T) {
	p := append(paths(t), "-size", "2")

	r := poolctl(t, "", append(p, "refill")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Equal(t, strings.Join([]string{
		"before: free=0 reserved=0 suspect=0 total=0",
		"  added qa_001",
		"  added qa_002",
		"after: free=2 reserved=0 suspect=0 total=2",
		"",
	}, "\n"), r.out)

	r = poolctl(t, "", append(p, "refill")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.NotContains(t, r.out, "added")

	r = poolctl(t, "", append(p, "refill", "a_", "b_")...)
	assert.Equal(t, ExitUsage, r.code)
}

func TestMain_RecoveryCommands(t *testing.T) {
	p := paths(t)
	require.Equal(t, ExitOK, poolctl(t, "", append(p, "generate", "2")...).code)

	r := poolctl(t, "", append(p, "quarantine", "qa_001", "password", "changed")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "quarantined qa_001")
	assert.Contains(t, r.out, "after: free=2 reserved=0 suspect=1 total=2")

	r = poolctl(t, "", append(p, "quarantine", "ghost", "x")...)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.err, "record not found")

	r = poolctl(t, "", append(p, "clear", "qa_001", "ghost")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "cleared qa_001")
	assert.Contains(t, r.out, "not found ghost")

	r = poolctl(t, "", append(p, "unlock-stuck", "-suspect")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "before: free=2 reserved=0 suspect=0 total=2")

	r = poolctl(t, "", append(p, "unlock-stuck", "0s")...)
	assert.Equal(t, ExitUsage, r.code)

	r = poolctl(t, "", append(p, "unlock-all")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "after: free=2 reserved=0 suspect=0 total=2")

	// unlock-stuck and unlock-all changed nothing, so the journal ends with
	// generate, mark-suspect, clear-suspect
	r = poolctl(t, "", append(p, "history", "2")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "clear-suspect")
	assert.Contains(t, r.out, "mark-suspect")
	assert.NotContains(t, r.out, "generate")
}

func TestMain_BackupDisabled(t *testing.T) {
	p := paths(t)
	require.Equal(t, ExitOK, poolctl(t, "", append(p, "generate", "1")...).code)

	r := poolctl(t, "", append(p, "backup")...)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.err, "backup disabled")
}

func TestMain_OpenFailure(t *testing.T) {
	orig := openService
	t.Cleanup(func() { openService = orig })
	openService = func(ctx context.Context, cfg *config.Config, log logging.Logger) (*services.PoolService, error) {
		return nil, errors.New("db unreachable")
	}

	r := poolctl(t, "", "status")
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.err, "db unreachable")
}

func newTestApp(t *testing.T, stdin string) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.StorePath = filepath.Join(t.TempDir(), "pool.json")
	svc := services.NewPoolService(cfg, services.Deps{})
	var out bytes.Buffer
	return NewApp(cfg, svc, strings.NewReader(stdin), &out), &out
}

func TestUnlockAll_ConfirmationOnTerminal(t *testing.T) {
	orig := isTerminal
	t.Cleanup(func() { isTerminal = orig })
	isTerminal = func(fd int) bool { return true }
	ctx := context.Background()

	app, out := newTestApp(t, "n\n")
	app.stdinFd = 0
	require.NoError(t, app.Run(ctx, []string{"generate", "1"}))
	_, err := app.svc.Checkout(ctx)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"unlock-all"}))
	assert.Contains(t, out.String(), "Free all 1 records")
	assert.Contains(t, out.String(), "aborted")
	c, err := app.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Reserved)

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"unlock-all", "-y"}))
	assert.NotContains(t, out.String(), "[y/N]")
	assert.Contains(t, out.String(), "unlocked")
}

func TestUnlockAll_ConfirmYes(t *testing.T) {
	orig := isTerminal
	t.Cleanup(func() { isTerminal = orig })
	isTerminal = func(fd int) bool { return true }
	ctx := context.Background()

	app, out := newTestApp(t, "yes\n")
	app.stdinFd = 0
	require.NoError(t, app.Run(ctx, []string{"generate", "1"}))
	_, err := app.svc.Checkout(ctx)
	require.NoError(t, err)

	require.NoError(t, app.Run(ctx, []string{"unlock-all"}))
	assert.Contains(t, out.String(), "after: free=1 reserved=0")
}

func TestRun_UsageErrors(t *testing.T) {
	app, _ := newTestApp(t, "")
	ctx := context.Background()

	for _, args := range [][]string{
		{},
		{"status", "extra"},
		{"generate"},
		{"generate", "-3"},
		{"unlock-all", "now"},
		{"unlock-stuck", "1h", "2h"},
		{"clear"},
		{"quarantine", "qa_001"},
		{"backup", "x"},
		{"history", "1", "2"},
	} {
		var ue *usageError
		assert.ErrorAs(t, app.Run(ctx, args), &ue, "args %v", args)
	}
}

func TestParseAge(t *testing.T) {
	d, err := parseAge("45")
	require.NoError(t, err)
	assert.Equal(t, "45m0s", d.String())

	d, err = parseAge("2h")
	require.NoError(t, err)
	assert.Equal(t, "2h0m0s", d.String())

	_, err = parseAge("-1h")
	assert.Error(t, err)
}

func TestMain_Restore(t *testing.T) {
	p := paths(t)
	require.Equal(t, ExitOK, poolctl(t, "", append(p, "generate", "3")...).code)

	snapshot := filepath.Join(t.TempDir(), "snap.json")
	data, err := os.ReadFile(p[1])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshot, data, 0o600))

	require.Equal(t, ExitOK, poolctl(t, "", append(p, "generate", "2")...).code)

	r := poolctl(t, "", append(p, "restore", snapshot, "-y")...)
	require.Equal(t, ExitOK, r.code, r.err)
	assert.Contains(t, r.out, "before: free=5 reserved=0 suspect=0 total=5")
	assert.Contains(t, r.out, "restored 3 records")
	assert.Contains(t, r.out, "after: free=3 reserved=0 suspect=0 total=3")

	r = poolctl(t, "", append(p, "restore", filepath.Join(t.TempDir(), "none.json"))...)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.err, "read snapshot")
}
