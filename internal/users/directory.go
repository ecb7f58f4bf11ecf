// Package users reads the user population the periodic job sweeps. The
// profile store is owned by another service; this package never writes.
package users

import (
	"context"
	"fmt"
	"sort"

	"github.com/franzego/habitpush/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type User struct {
	ID        string
	Verified  bool
	Anonymous bool
}

// Directory pages through users ordered by id. An empty page ends the
// iteration.
type Directory interface {
	ListUsers(ctx context.Context, afterID string, limit int) ([]User, error)
}

const listUsersQuery = `
SELECT id, email_verified, is_anonymous
FROM users
WHERE id > $1 AND deleted_at IS NULL
ORDER BY id
LIMIT $2`

type PostgresDirectory struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgresDirectory(ctx context.Context, cfg config.PostgresConfig, log *zap.Logger) (*PostgresDirectory, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse postgres url: %w", err)
	}
	if cfg.PoolSize > 0 {
		pcfg.MaxConns = cfg.PoolSize
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach postgres: %w", err)
	}
	return &PostgresDirectory{pool: pool, log: log.Named("users")}, nil
}

func (d *PostgresDirectory) ListUsers(ctx context.Context, afterID string, limit int) ([]User, error) {
	rows, err := d.pool.Query(ctx, listUsersQuery, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot list users: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		err := row.Scan(&u.ID, &u.Verified, &u.Anonymous)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("cannot scan users: %w", err)
	}
	return out, nil
}

func (d *PostgresDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *PostgresDirectory) Close() {
	d.pool.Close()
}

// StaticDirectory serves a fixed population. It backs mock mode and tests.
type StaticDirectory struct {
	users []User
}

func NewStaticDirectory(users ...User) *StaticDirectory {
	sorted := append([]User(nil), users...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &StaticDirectory{users: sorted}
}

func (d *StaticDirectory) ListUsers(ctx context.Context, afterID string, limit int) ([]User, error) {
	i := sort.Search(len(d.users), func(i int) bool { return d.users[i].ID > afterID })
	end := i + limit
	if end > len(d.users) {
		end = len(d.users)
	}
	return d.users[i:end], nil
}
