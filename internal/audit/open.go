package audit

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/accountpool/internal/common"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects the journal named by driver. An empty dsn means auditing is
// off and common.ErrAuditDisabled is returned.
func Open(ctx context.Context, driver, dsn string) (Journal, error) {
	if dsn == "" {
		return nil, common.ErrAuditDisabled
	}
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, dsn)
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", driver)
	}
}
