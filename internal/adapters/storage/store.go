// Package storage persists the records the engine owns (write audit rows,
// activation states) and sinks markets and canonical prices for the
// read-serving layer. Two drivers implement ports.Store: SQLite (default,
// pure Go) and PostgreSQL (pgx pool).
package storage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// New opens the store selected by driver. DSN is a file path for sqlite or
// a connection string for postgres.
func New(ctx context.Context, driver, dsn string) (ports.Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("storage.New: unknown driver %q", driver)
	}
}

// parseTime decodes the timestamp formats the sqlite driver hands back when
// scanning DATETIME into a string. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseBigInt decodes a decimal TEXT column; malformed values yield zero
// rather than a nil that callers would have to guard everywhere.
func parseBigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
