package poolctl

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/accountpool/internal/flagx"
	"golang.org/x/term"
)

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// confirm asks prompt on an interactive terminal. -y skips the question, and
// so does non-interactive input, where nobody could answer.
func (a *App) confirm(args []string, prompt string) (bool, error) {
	if flagx.HasFlag(args, "-y", "--yes") {
		return true, nil
	}
	if a.stdinFd < 0 || !isTerminal(a.stdinFd) {
		return true, nil
	}

	if _, err := fmt.Fprintf(a.out, "%s [y/N] ", prompt); err != nil {
		return false, err
	}
	line, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
