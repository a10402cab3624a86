// Package directory answers whether patients and staff referenced by a
// prescription exist.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/pharmacy/internal/platform/db"
)

// Kind selects a population in person_directory.
type Kind string

const (
	KindPatient Kind = "patient"
	KindStaff   Kind = "staff"
)

// Checker is satisfied by every directory in this package.
type Checker interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGDirectory looks people up in the tenant's person_directory table.
// Inactive entries do not exist.
type PGDirectory struct {
	pool *pgxpool.Pool
	kind Kind
}

func NewPGDirectory(pool *pgxpool.Pool, kind Kind) *PGDirectory {
	return &PGDirectory{pool: pool, kind: kind}
}

func (d *PGDirectory) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return d.pool
}

func (d *PGDirectory) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := d.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM person_directory WHERE kind = $1 AND id = $2 AND active)`,
		string(d.kind), id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("directory lookup %s %s: %w", d.kind, id, err)
	}
	return ok, nil
}

// redisClient is the subset of *redis.Client the cache needs.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedDirectory remembers positive answers in Redis for ttl. Negative
// answers always go to next so newly registered people are seen at once.
// A Redis failure falls through to next.
type CachedDirectory struct {
	next   Checker
	client redisClient
	kind   Kind
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedDirectory(next Checker, client redisClient, kind Kind, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{
		next:   next,
		client: client,
		kind:   kind,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

func (d *CachedDirectory) key(ctx context.Context, id uuid.UUID) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("pharmacy:directory:%s:%s:%s", tenant, d.kind, id)
}

func (d *CachedDirectory) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	key := d.key(ctx, id)
	val, err := d.client.Get(ctx, key).Result()
	switch {
	case err == nil && val == "1":
		return true, nil
	case err != nil && !errors.Is(err, redis.Nil):
		d.logger.Warn().Err(err).Str("key", key).Msg("directory cache read failed")
	}

	ok, err := d.next.Exists(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if err := d.client.Set(ctx, key, "1", d.ttl).Err(); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("directory cache write failed")
	}
	return true, nil
}
