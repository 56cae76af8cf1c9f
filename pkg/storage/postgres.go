package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ouka/pkg/types"
)

// provisioningLock is the advisory lock key serializing account transactions.
const provisioningLock = 0x6f756b61

const queryTimeout = 10 * time.Second

const accountColumns = `id, uid, userpart, email, public_key, private_key, admin, gone, frozen, created_at, updated_at`

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		uid TEXT NOT NULL,
		userpart TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL DEFAULT '',
		admin BOOLEAN NOT NULL DEFAULT FALSE,
		gone BOOLEAN NOT NULL DEFAULT FALSE,
		frozen BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_userpart ON accounts (lower(userpart))`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_uid ON accounts (uid)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts (lower(email))`,
	`CREATE TABLE IF NOT EXISTS actor_cache (
		key TEXT PRIMARY KEY,
		profile BYTEA NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL
	)`,
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is an account store and actor cache backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates the schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) GetByID(ctx context.Context, id types.AccountID) (*types.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id)))
}

func (p *Postgres) GetByUserpart(ctx context.Context, userpart string) (*types.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(userpart) = lower($1)`, userpart))
}

// Transact runs fn in a transaction holding the provisioning advisory lock,
// so concurrent provisioning of the same user is serialized.
func (p *Postgres) Transact(ctx context.Context, fn func(tx AccountTx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, provisioningLock); err != nil {
		return fmt.Errorf("failed to acquire provisioning lock: %w", err)
	}

	if err := fn(&postgresTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTx struct {
	q querier
}

func (t *postgresTx) ByUID(ctx context.Context, uid types.UserID) ([]types.Account, error) {
	rows, err := t.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE uid = $1 ORDER BY created_at FOR UPDATE`, string(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	return out, nil
}

func (t *postgresTx) ByEmail(ctx context.Context, email string) (*types.Account, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	return scanAccount(t.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1) LIMIT 1 FOR UPDATE`, email))
}

func (t *postgresTx) ByUserpart(ctx context.Context, userpart string) (*types.Account, error) {
	return scanAccount(t.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(userpart) = lower($1) FOR UPDATE`, userpart))
}

func (t *postgresTx) Save(ctx context.Context, a *types.Account) error {
	const q = `INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			uid = EXCLUDED.uid,
			userpart = EXCLUDED.userpart,
			email = EXCLUDED.email,
			public_key = EXCLUDED.public_key,
			private_key = EXCLUDED.private_key,
			admin = EXCLUDED.admin,
			gone = EXCLUDED.gone,
			frozen = EXCLUDED.frozen,
			updated_at = EXCLUDED.updated_at`

	_, err := t.q.Exec(ctx, q,
		string(a.ID), string(a.UID), a.Userpart, a.Email,
		a.Keyring.Public, a.Keyring.Private,
		a.Attributes.Admin, a.Attributes.Gone, a.Attributes.Frozen,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUserpartTaken
		}
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*types.Account, error) {
	var (
		a       types.Account
		id, uid string
	)
	err := row.Scan(&id, &uid, &a.Userpart, &a.Email,
		&a.Keyring.Public, &a.Keyring.Private,
		&a.Attributes.Admin, &a.Attributes.Gone, &a.Attributes.Frozen,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.ID = types.AccountID(id)
	a.UID = types.UserID(uid)
	return &a, nil
}

// Get implements the actor cache.
func (p *Postgres) Get(ctx context.Context, key string) (types.CachedActor, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		profile   []byte
		fetchedAt time.Time
	)
	err := p.pool.QueryRow(ctx, `SELECT profile, fetched_at FROM actor_cache WHERE key = $1`, key).
		Scan(&profile, &fetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.CachedActor{}, false, nil
		}
		return types.CachedActor{}, false, fmt.Errorf("failed to read actor cache: %w", err)
	}
	return types.CachedActor{Profile: profile, FetchedAt: fetchedAt}, true, nil
}

// Put implements the actor cache as a full-value upsert.
func (p *Postgres) Put(ctx context.Context, key string, entry types.CachedActor) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := p.pool.Exec(ctx, `INSERT INTO actor_cache (key, profile, fetched_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET profile = EXCLUDED.profile, fetched_at = EXCLUDED.fetched_at`,
		key, []byte(entry.Profile), entry.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to write actor cache: %w", err)
	}
	return nil
}
