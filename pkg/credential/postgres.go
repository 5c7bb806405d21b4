package credential

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresBackend shares credentials between several proxy instances.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, err
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Debug("credential migrations applied", "version", version, "dirty", dirty)
	return nil
}

func (b *PostgresBackend) Close() {
	if b != nil && b.pool != nil {
		b.pool.Close()
	}
}

func (b *PostgresBackend) Load(ctx context.Context, provider string) ([]byte, error) {
	var blob []byte
	err := b.pool.QueryRow(ctx, `SELECT blob FROM provider_credentials WHERE provider = $1`, provider).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return blob, nil
}

func (b *PostgresBackend) Save(ctx context.Context, provider string, blob []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO provider_credentials (provider, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (provider) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`,
		provider, blob)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, provider string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM provider_credentials WHERE provider = $1`, provider); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT provider FROM provider_credentials ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return names, nil
}
