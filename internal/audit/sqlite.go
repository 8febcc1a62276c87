package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/dbx"
	"github.com/dmitrijs2005/accountpool/internal/filex"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournal stores events in a local SQLite file, typically next to the
// pool file.
type SQLiteJournal struct {
	db    dbx.DBTX
	close func() error
}

var _ Journal = (*SQLiteJournal)(nil)

func NewSQLiteJournal(db dbx.DBTX) *SQLiteJournal {
	return &SQLiteJournal{db: db, close: func() error { return nil }}
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteJournal, error) {
	if err := filex.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := RunMigrations(ctx, db, "sqlite3", "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db, close: db.Close}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, e Event) error {
	return dbx.ExecOne(ctx, j.db, `
		INSERT INTO audit_events (id, at, action, username, lease_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UTC().Format(sqliteTimeLayout), string(e.Action), e.Username, e.LeaseID, e.Detail)
}

func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at, action, username, lease_id, detail
		FROM audit_events ORDER BY seq DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			at     string
			action string
		)
		if err := rows.Scan(&e.ID, &at, &action, &e.Username, &e.LeaseID, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.At, err = time.Parse(sqliteTimeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("audit event %s time %q: %w", e.ID, at, err)
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return out, nil
}

func (j *SQLiteJournal) Close() error { return j.close() }

// limitOrAll maps a non-positive limit to SQL "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
