// Package pgcat is a catalog stored in Postgres.
package pgcat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/partition"
)

const schema = `
CREATE TABLE IF NOT EXISTS tablesink_partitions (
	db_name    TEXT NOT NULL,
	table_name TEXT NOT NULL,
	spec       TEXT NOT NULL,
	location   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (db_name, table_name, spec)
);`

type Catalog struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Catalog, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres catalog schema: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

func (c *Catalog) GetPartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec) (catalog.Partition, error) {
	p := catalog.Partition{Table: table, Spec: spec}
	err := c.pool.QueryRow(ctx,
		`SELECT location, created_at, updated_at FROM tablesink_partitions WHERE db_name = $1 AND table_name = $2 AND spec = $3`,
		table.Database, table.Table, spec.Path(),
	).Scan(&p.Location, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Partition{}, fmt.Errorf("%s %s: %w", table, spec, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Partition{}, err
	}
	return p, nil
}

func (c *Catalog) CreatePartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec, location string) error {
	tag, err := c.pool.Exec(ctx,
		`INSERT INTO tablesink_partitions (db_name, table_name, spec, location) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		table.Database, table.Table, spec.Path(), location)
	if err != nil {
		return fmt.Errorf("create partition %s of %s: %w", spec, table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", table, spec, catalog.ErrAlreadyExists)
	}
	return nil
}

func (c *Catalog) AlterPartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec, location string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE tablesink_partitions SET location = $1, updated_at = now() WHERE db_name = $2 AND table_name = $3 AND spec = $4`,
		location, table.Database, table.Table, spec.Path())
	if err != nil {
		return fmt.Errorf("alter partition %s of %s: %w", spec, table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", table, spec, catalog.ErrNotFound)
	}
	return nil
}

func (c *Catalog) ListPartitions(ctx context.Context, table catalog.TableIdentifier) ([]catalog.Partition, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT spec, location, created_at, updated_at FROM tablesink_partitions WHERE db_name = $1 AND table_name = $2 ORDER BY spec`,
		table.Database, table.Table)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var partitions []catalog.Partition
	for rows.Next() {
		var specPath string
		p := catalog.Partition{Table: table}
		if err := rows.Scan(&specPath, &p.Location, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if p.Spec, err = partition.ParsePath(specPath); err != nil {
			return nil, err
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

func (c *Catalog) Close() error {
	c.pool.Close()
	return nil
}

var _ catalog.Catalog = (*Catalog)(nil)

// Truncate removes every registered partition of every table.
func (c *Catalog) Truncate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `TRUNCATE tablesink_partitions`)
	return err
}
