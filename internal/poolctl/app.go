// Package poolctl implements the administrative command line for the account
// pool: inspection, seeding and recovery of a pool shared by test runs.
package poolctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/config"
	"github.com/dmitrijs2005/accountpool/internal/flagx"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/services"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

const usage = `usage: poolctl [flags] <command> [args]

commands:
  status [-v]                      show counts, -v lists every record
  generate <N> [prefix]            add N accounts, creating the pool if missing
  refill [prefix]                  add accounts until pool_size are available
  unlock-all [-y]                  free every record and clear suspect flags
  unlock-stuck [max-age] [-suspect] free reservations older than max-age
  clear <username>...              clear the suspect flag of named records
  quarantine <username> <reason...> mark one record suspect
  backup                           upload a pool snapshot to S3
  history [N]                      show the last N audit events
  restore <file> [-y]              replace the pool with a snapshot file
  help                             show this text

flags: -c <file> loads JSON config; see the config package for the rest.
`

// usageError marks errors caused by the command line itself.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

var openService = services.Open

type App struct {
	cfg *config.Config
	svc *services.PoolService
	in  *bufio.Reader
	out io.Writer
	// stdinFd is the terminal candidate for confirmation prompts, -1 if none.
	stdinFd int
}

func NewApp(cfg *config.Config, svc *services.PoolService, in io.Reader, out io.Writer) *App {
	fd := -1
	if f, ok := in.(*os.File); ok {
		fd = int(f.Fd())
	}
	return &App{cfg: cfg, svc: svc, in: bufio.NewReader(in), out: out, stdinFd: fd}
}

// Main runs one poolctl invocation and returns its exit code.
func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	words := flagx.Positional(args, config.ValueFlags)
	if len(words) == 0 {
		fmt.Fprint(errOut, usage)
		return ExitUsage
	}
	if words[0] == "help" {
		fmt.Fprint(out, usage)
		return ExitOK
	}
	if _, ok := commands[words[0]]; !ok {
		fmt.Fprintf(errOut, "unknown command %q\n\n%s", words[0], usage)
		return ExitUsage
	}

	cfg, err := config.LoadConfig(args)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return ExitUsage
	}
	log := logging.NewTextLogger(errOut, cfg.LogLevel)

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return ExitFailure
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn(ctx, "close failed", "error", err)
		}
	}()

	app := NewApp(cfg, svc, in, out)
	return app.report(errOut, app.Run(ctx, args))
}

// Run dispatches the command named by the first positional word of args.
func (a *App) Run(ctx context.Context, args []string) error {
	words := flagx.Positional(args, config.ValueFlags)
	if len(words) == 0 {
		return usagef("no command given")
	}
	cmd, ok := commands[words[0]]
	if !ok {
		return usagef("unknown command %q", words[0])
	}
	return cmd(a, ctx, words[1:], args)
}

func (a *App) report(errOut io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(errOut, "%v\n\n%s", err, usage)
		return ExitUsage
	}
	fmt.Fprintf(errOut, "error: %v\n", err)
	if errors.Is(err, common.ErrStoreMissing) {
		fmt.Fprintln(errOut, "hint: create the pool with 'poolctl generate <N>'")
	}
	return ExitFailure
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, usagef("count must be a positive integer, got %q", s)
	}
	return n, nil
}
