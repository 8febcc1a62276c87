package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/accountpool/internal/dbx"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresJournal stores events in a shared database so runs on different
// CI hosts land in one history.
type PostgresJournal struct {
	db    dbx.DBTX
	close func() error
}

var _ Journal = (*PostgresJournal)(nil)

func NewPostgresJournal(db dbx.DBTX) *PostgresJournal {
	return &PostgresJournal{db: db, close: func() error { return nil }}
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := RunMigrations(ctx, db, "postgres", "postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresJournal{db: db, close: db.Close}, nil
}

func (j *PostgresJournal) Record(ctx context.Context, e Event) error {
	return dbx.ExecOne(ctx, j.db, `
		INSERT INTO audit_events (id, at, action, username, lease_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.At.UTC(), string(e.Action), e.Username, e.LeaseID, e.Detail)
}

func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]Event, error) {
	query := `SELECT id, at, action, username, lease_id, detail FROM audit_events ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			action string
		)
		if err := rows.Scan(&e.ID, &e.At, &action, &e.Username, &e.LeaseID, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.At = e.At.UTC()
		e.Action = Action(action)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return out, nil
}

func (j *PostgresJournal) Close() error { return j.close() }
