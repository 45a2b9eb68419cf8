package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the Backend selected by driver, migrated to the latest schema.
func Open(ctx context.Context, driver, dsn string, maxConns int, logger *slog.Logger) (Backend, error) {
	switch driver {
	case DriverSQLite, "":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, dsn, maxConns, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
