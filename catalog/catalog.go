// Package catalog is the narrow metastore interface the sink registers
// committed partitions with.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reduction.dev/tablesink/partition"
)

var (
	ErrNotFound      = errors.New("partition not found")
	ErrAlreadyExists = errors.New("partition already exists")
)

type TableIdentifier struct {
	Database string
	Table    string
}

// ParseTableIdentifier reads "db.table". A bare table name uses the "default"
// database.
func ParseTableIdentifier(s string) (TableIdentifier, error) {
	db, tbl, ok := strings.Cut(s, ".")
	if !ok {
		db, tbl = "default", s
	}
	if db == "" || tbl == "" || strings.Contains(tbl, ".") {
		return TableIdentifier{}, fmt.Errorf("invalid table identifier %q, expected db.table", s)
	}
	return TableIdentifier{Database: db, Table: tbl}, nil
}

func (t TableIdentifier) String() string {
	return t.Database + "." + t.Table
}

type Partition struct {
	Table     TableIdentifier
	Spec      partition.Spec
	Location  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Catalog interface {
	GetPartition(ctx context.Context, table TableIdentifier, spec partition.Spec) (Partition, error)
	// CreatePartition returns ErrAlreadyExists if the partition is registered.
	CreatePartition(ctx context.Context, table TableIdentifier, spec partition.Spec, location string) error
	// AlterPartition returns ErrNotFound if the partition isn't registered.
	AlterPartition(ctx context.Context, table TableIdentifier, spec partition.Spec, location string) error
	ListPartitions(ctx context.Context, table TableIdentifier) ([]Partition, error)
	Close() error
}

// Upsert registers a partition or points an existing one at location. A
// concurrent create that wins the race counts as success.
func Upsert(ctx context.Context, c Catalog, table TableIdentifier, spec partition.Spec, location string) error {
	existing, err := c.GetPartition(ctx, table, spec)
	switch {
	case err == nil:
		if existing.Location == location {
			return nil
		}
		return c.AlterPartition(ctx, table, spec, location)
	case errors.Is(err, ErrNotFound):
		err = c.CreatePartition(ctx, table, spec, location)
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("get partition %s of %s: %w", spec, table, err)
	}
}
