// Package catalogtest runs the same behavior checks against every catalog
// implementation.
package catalogtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/partition"
)

func RunSuite(t *testing.T, newCatalog func(t *testing.T) catalog.Catalog) {
	table := catalog.TableIdentifier{Database: "db", Table: "sink_table"}
	spec := partition.MustSpec("d", "2020-05-03", "e", "7")

	t.Run("CreateThenGet", func(t *testing.T) {
		c := newCatalog(t)
		require.NoError(t, c.CreatePartition(t.Context(), table, spec, "/warehouse/t/d=2020-05-03/e=7"))

		p, err := c.GetPartition(t.Context(), table, spec)
		require.NoError(t, err)
		assert.True(t, spec.Equal(p.Spec))
		assert.Equal(t, "/warehouse/t/d=2020-05-03/e=7", p.Location)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := newCatalog(t).GetPartition(t.Context(), table, spec)
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		c := newCatalog(t)
		require.NoError(t, c.CreatePartition(t.Context(), table, spec, "loc"))
		err := c.CreatePartition(t.Context(), table, spec, "loc")
		assert.ErrorIs(t, err, catalog.ErrAlreadyExists)
	})

	t.Run("AlterMissing", func(t *testing.T) {
		err := newCatalog(t).AlterPartition(t.Context(), table, spec, "loc")
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		c := newCatalog(t)
		for range 3 {
			require.NoError(t, catalog.Upsert(t.Context(), c, table, spec, "loc-1"))
		}
		require.NoError(t, catalog.Upsert(t.Context(), c, table, spec, "loc-2"))

		partitions, err := c.ListPartitions(t.Context(), table)
		require.NoError(t, err)
		require.Len(t, partitions, 1, "repeated upserts register the partition once")
		assert.Equal(t, "loc-2", partitions[0].Location, "upsert moves the partition to the new location")
	})

	t.Run("ListIsScopedToTable", func(t *testing.T) {
		c := newCatalog(t)
		other := catalog.TableIdentifier{Database: "db", Table: "other"}
		require.NoError(t, c.CreatePartition(t.Context(), table, partition.MustSpec("d", "2020-05-03", "e", "8"), "b"))
		require.NoError(t, c.CreatePartition(t.Context(), table, spec, "a"))
		require.NoError(t, c.CreatePartition(t.Context(), other, spec, "c"))

		partitions, err := c.ListPartitions(t.Context(), table)
		require.NoError(t, err)
		require.Len(t, partitions, 2)
		assert.Equal(t, "d=2020-05-03/e=7", partitions[0].Spec.Path())
		assert.Equal(t, "d=2020-05-03/e=8", partitions[1].Spec.Path())
	})
}

// FailingCatalog wraps a catalog and fails writes while Fail is set.
type FailingCatalog struct {
	catalog.Catalog
	Fail  bool
	Calls int
}

var ErrUnavailable = errors.New("catalog unavailable")

func (f *FailingCatalog) CreatePartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec, location string) error {
	f.Calls++
	if f.Fail {
		return ErrUnavailable
	}
	return f.Catalog.CreatePartition(ctx, table, spec, location)
}

func (f *FailingCatalog) AlterPartition(ctx context.Context, table catalog.TableIdentifier, spec partition.Spec, location string) error {
	f.Calls++
	if f.Fail {
		return ErrUnavailable
	}
	return f.Catalog.AlterPartition(ctx, table, spec, location)
}
