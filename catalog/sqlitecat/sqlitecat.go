// Package sqlitecat is a catalog stored in an embedded SQLite database.
package sqlitecat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/partition"
)

const schema = `
CREATE TABLE IF NOT EXISTS partitions (
	db_name    TEXT NOT NULL,
	table_name TEXT NOT NULL,
	spec       TEXT NOT NULL,
	location   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (db_name, table_name, spec)
);`

type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the catalog at path. ":memory:" creates a private
// in-memory catalog.
func Open(path string) (*Catalog, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite catalog %s: %w", path, err)
	}
	// Each connection to :memory: is a separate database and SQLite allows a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite catalog schema: %w", err)
	}
	return &Catalog{db: db, now: time.Now}, nil
}

func (c *Catalog) GetPartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec) (catalog.Partition, error) {
	var location string
	var created, updated int64
	err := c.db.QueryRowContext(ctx,
		`SELECT location, created_at, updated_at FROM partitions WHERE db_name = ? AND table_name = ? AND spec = ?`,
		table.Database, table.Table, spec.Path(),
	).Scan(&location, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Partition{}, fmt.Errorf("%s %s: %w", table, spec, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Partition{}, err
	}
	return catalog.Partition{
		Table:     table,
		Spec:      spec,
		Location:  location,
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

func (c *Catalog) CreatePartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec, location string) error {
	now := c.now().UnixMilli()
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO partitions (db_name, table_name, spec, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		table.Database, table.Table, spec.Path(), location, now, now)
	if err != nil {
		return fmt.Errorf("create partition %s of %s: %w", spec, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, spec, catalog.ErrAlreadyExists)
	}
	return nil
}

func (c *Catalog) AlterPartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec, location string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE partitions SET location = ?, updated_at = ? WHERE db_name = ? AND table_name = ? AND spec = ?`,
		location, c.now().UnixMilli(), table.Database, table.Table, spec.Path())
	if err != nil {
		return fmt.Errorf("alter partition %s of %s: %w", spec, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, spec, catalog.ErrNotFound)
	}
	return nil
}

func (c *Catalog) ListPartitions(ctx context.Context, table catalog.TableIdentifier) ([]catalog.Partition, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT spec, location, created_at, updated_at FROM partitions WHERE db_name = ? AND table_name = ? ORDER BY spec`,
		table.Database, table.Table)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var partitions []catalog.Partition
	for rows.Next() {
		var specPath, location string
		var created, updated int64
		if err := rows.Scan(&specPath, &location, &created, &updated); err != nil {
			return nil, err
		}
		spec, err := partition.ParsePath(specPath)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, catalog.Partition{
			Table:     table,
			Spec:      spec,
			Location:  location,
			CreatedAt: time.UnixMilli(created).UTC(),
			UpdatedAt: time.UnixMilli(updated).UTC(),
		})
	}
	return partitions, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

var _ catalog.Catalog = (*Catalog)(nil)
