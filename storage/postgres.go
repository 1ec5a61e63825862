package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"jokenpo/configs"
)

// SQLStore keeps the shared game state in a single versioned kv table. CAS
// commits re-check the watched versions under row locks inside one database
// transaction.
type SQLStore struct {
	ctx  context.Context
	pool *pgxpool.Pool
}

func NewSQLStore() (*SQLStore, error) {
	c := &SQLStore{ctx: context.Background()}
	cfg, err := pgxpool.ParseConfig(configs.PostgreSQLLink)
	if err != nil {
		return nil, err
	}
	c.pool, err = pgxpool.ConnectConfig(c.ctx, cfg)
	if err != nil {
		return nil, ErrUnavailable
	}
	_, err = c.pool.Exec(c.ctx,
		"CREATE TABLE IF NOT EXISTS jokenpo_kv (key VARCHAR(255) PRIMARY KEY, value BYTEA, version BIGINT NOT NULL)")
	if err != nil {
		return nil, ErrUnavailable
	}
	return c, nil
}

func (c *SQLStore) Watch(ctx context.Context, keys ...string) (Snapshot, error) {
	snap := make(Snapshot, len(keys))
	for _, k := range keys {
		snap[k] = Entry{}
	}
	rows, err := c.pool.Query(ctx, "SELECT key, value, version FROM jokenpo_kv WHERE key = ANY($1)", keys)
	if err != nil {
		return nil, ErrUnavailable
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var e Entry
		if err := rows.Scan(&key, &e.Value, &e.Version); err != nil {
			return nil, ErrUnavailable
		}
		snap[key] = e
	}
	return snap, nil
}

func (c *SQLStore) Commit(ctx context.Context, snap Snapshot, muts []Mutation) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ErrUnavailable
	}
	defer tx.Rollback(ctx)

	for k, observed := range snap {
		var version uint64
		err := tx.QueryRow(ctx, "SELECT version FROM jokenpo_kv WHERE key = $1 FOR UPDATE", k).Scan(&version)
		if err == pgx.ErrNoRows {
			version = 0
		} else if err != nil {
			return ErrUnavailable
		}
		if version != observed.Version {
			return ErrCASConflict
		}
	}
	for _, m := range muts {
		if m.Delete {
			if _, err := tx.Exec(ctx, "DELETE FROM jokenpo_kv WHERE key = $1", m.Key); err != nil {
				return ErrUnavailable
			}
			continue
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO jokenpo_kv (key, value, version) VALUES ($1, $2, 1) "+
				"ON CONFLICT (key) DO UPDATE SET value = $2, version = jokenpo_kv.version + 1",
			m.Key, m.Value)
		if err != nil {
			return ErrUnavailable
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (c *SQLStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	var value []byte
	var version uint64
	err := c.pool.QueryRow(ctx, "SELECT value, version FROM jokenpo_kv WHERE key = $1", key).Scan(&value, &version)
	if err == pgx.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, ErrUnavailable
	}
	return value, version, nil
}

func (c *SQLStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	pattern := strings.ReplaceAll(strings.ReplaceAll(prefix, "%", "\\%"), "_", "\\_") + "%"
	rows, err := c.pool.Query(ctx, "SELECT key, value FROM jokenpo_kv WHERE key LIKE $1", pattern)
	if err != nil {
		return nil, ErrUnavailable
	}
	defer rows.Close()
	res := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, ErrUnavailable
		}
		res[key] = value
	}
	return res, nil
}

func (c *SQLStore) Close() error {
	c.pool.Close()
	return nil
}
