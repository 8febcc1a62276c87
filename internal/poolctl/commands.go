package poolctl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/flagx"
	"github.com/dmitrijs2005/accountpool/internal/pool/reconciler"
)

type command func(a *App, ctx context.Context, words, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"status":       (*App).status,
		"generate":     (*App).generate,
		"refill":       (*App).refill,
		"unlock-all":   (*App).unlockAll,
		"unlock-stuck": (*App).unlockStuck,
		"clear":        (*App).clear,
		"quarantine":   (*App).quarantine,
		"backup":       (*App).backup,
		"history":      (*App).history,
		"restore":      (*App).restore,
	}
}

func (a *App) status(ctx context.Context, words, args []string) error {
	if len(words) > 0 {
		return usagef("status takes no arguments")
	}
	p, err := a.svc.Pool(ctx)
	if err != nil {
		return err
	}
	c := p.Counts()
	fmt.Fprintf(a.out, "pool: %s\n", a.svc.StorePath())
	fmt.Fprintf(a.out, "%s available=%d\n", c, c.Available)

	if !flagx.HasFlag(args, "-v", "--verbose") {
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tRESERVATION\tVALIDITY\tLAST USED\tREASON")
	for _, r := range p.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Username, r.Reservation, r.Validity,
			r.LastUsed.Format(time.RFC3339), r.SuspectReason)
	}
	return tw.Flush()
}

func (a *App) generate(ctx context.Context, words, args []string) error {
	if len(words) < 1 || len(words) > 2 {
		return usagef("generate needs <N> [prefix]")
	}
	n, err := parseCount(words[0])
	if err != nil {
		return err
	}
	prefix := ""
	if len(words) == 2 {
		prefix = words[1]
	}
	rep, err := a.svc.Generate(ctx, n, prefix)
	if err != nil {
		return err
	}
	a.printReport("added", rep)
	return nil
}

func (a *App) refill(ctx context.Context, words, args []string) error {
	if len(words) > 1 {
		return usagef("refill takes at most one prefix")
	}
	prefix := ""
	if len(words) == 1 {
		prefix = words[0]
	}
	rep, err := a.svc.Refill(ctx, prefix)
	if err != nil {
		return err
	}
	a.printReport("added", rep)
	return nil
}

func (a *App) unlockAll(ctx context.Context, words, args []string) error {
	if len(words) > 0 {
		return usagef("unlock-all takes no arguments")
	}
	c, err := a.svc.Status(ctx)
	if err != nil {
		return err
	}
	ok, err := a.confirm(args, fmt.Sprintf("Free all %d records and clear every suspect flag?", c.Total))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.out, "aborted")
		return nil
	}
	rep, err := a.svc.UnlockAll(ctx)
	if err != nil {
		return err
	}
	a.printReport("unlocked", rep)
	return nil
}

func (a *App) unlockStuck(ctx context.Context, words, args []string) error {
	if len(words) > 1 {
		return usagef("unlock-stuck takes at most one max-age")
	}
	var maxAge time.Duration
	if len(words) == 1 {
		d, err := parseAge(words[0])
		if err != nil {
			return err
		}
		maxAge = d
	}
	rep, err := a.svc.UnlockStuck(ctx, maxAge, flagx.HasFlag(args, "-suspect", "--suspect"))
	if err != nil {
		return err
	}
	a.printReport("freed", rep)
	return nil
}

func (a *App) clear(ctx context.Context, words, args []string) error {
	if len(words) == 0 {
		return usagef("clear needs at least one username")
	}
	rep, err := a.svc.ClearSuspect(ctx, words...)
	if err != nil {
		return err
	}
	a.printReport("cleared", rep)
	return nil
}

func (a *App) quarantine(ctx context.Context, words, args []string) error {
	if len(words) < 2 {
		return usagef("quarantine needs <username> <reason...>")
	}
	rep, err := a.svc.MarkSuspect(ctx, words[0], strings.Join(words[1:], " "))
	if err != nil {
		return err
	}
	a.printReport("quarantined", rep)
	return nil
}

func (a *App) backup(ctx context.Context, words, args []string) error {
	if len(words) > 0 {
		return usagef("backup takes no arguments")
	}
	uri, err := a.svc.Backup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "backup: %s\n", uri)
	return nil
}

func (a *App) restore(ctx context.Context, words, args []string) error {
	if len(words) != 1 {
		return usagef("restore needs <snapshot-file>")
	}
	ok, err := a.confirm(args, fmt.Sprintf("Replace the pool at %s with %s?", a.svc.StorePath(), words[0]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.out, "aborted")
		return nil
	}
	rep, err := a.svc.Restore(ctx, words[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "before: %s\n", rep.Before)
	if rep.Backup != "" {
		fmt.Fprintf(a.out, "backup: %s\n", rep.Backup)
	}
	fmt.Fprintf(a.out, "restored %d records\n", len(rep.Changed))
	fmt.Fprintf(a.out, "after: %s\n", rep.After)
	return nil
}

func (a *App) history(ctx context.Context, words, args []string) error {
	limit := 20
	switch len(words) {
	case 0:
	case 1:
		n, err := parseCount(words[0])
		if err != nil {
			return err
		}
		limit = n
	default:
		return usagef("history takes at most one count")
	}
	events, err := a.svc.History(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tUSERNAME\tLEASE\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Action, e.Username, e.LeaseID, e.Detail)
	}
	return tw.Flush()
}

// printReport writes the before/after counts around the list of changes.
func (a *App) printReport(verb string, rep reconciler.Report) {
	fmt.Fprintf(a.out, "before: %s\n", rep.Before)
	for _, name := range rep.Changed {
		fmt.Fprintf(a.out, "  %s %s\n", verb, name)
	}
	for _, name := range rep.NotFound {
		fmt.Fprintf(a.out, "  not found %s\n", name)
	}
	if rep.Backup != "" {
		fmt.Fprintf(a.out, "backup: %s\n", rep.Backup)
	}
	fmt.Fprintf(a.out, "after: %s\n", rep.After)
}

// parseAge accepts a Go duration ("45m") or a bare number of minutes.
func parseAge(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, usagef("max-age must be a positive duration like 30m, got %q", s)
	}
	return d, nil
}
