// Package audit keeps an append-only journal of pool activity: checkouts,
// releases and every administrative action, so operators can reconstruct who
// held an account and what a recovery command changed.
package audit

import (
	"context"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/google/uuid"
)

type Action string

const (
	ActionCheckout     Action = "checkout"
	ActionRelease      Action = "release"
	ActionGrow         Action = "grow"
	ActionGenerate     Action = "generate"
	ActionUnlockAll    Action = "unlock-all"
	ActionUnlockStuck  Action = "unlock-stuck"
	ActionClearSuspect Action = "clear-suspect"
	ActionMarkSuspect  Action = "mark-suspect"
	ActionBackup       Action = "backup"
	ActionRestore      Action = "restore"
)

// Event is one journal entry. Username is empty for pool-wide actions.
type Event struct {
	ID       string
	At       time.Time
	Action   Action
	Username string
	LeaseID  string
	Detail   string
}

// Recorder accepts events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Journal is a Recorder that can also be read back.
type Journal interface {
	Recorder
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

type nop struct{}

func (nop) Record(context.Context, Event) error { return nil }

// Nop returns a Recorder that drops events.
func Nop() Recorder { return nop{} }

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}

// Emit fills in the ID and timestamp and records e. A journal failure is
// logged and swallowed: auditing must never fail a checkout or release.
func Emit(ctx context.Context, r Recorder, log logging.Logger, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := OrNop(r).Record(ctx, e); err != nil {
		logging.OrDiscard(log).Warn(ctx, "audit record failed", "action", string(e.Action), "username", e.Username, "error", err)
	}
}
