package scan_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/catalog/sqlitecat"
	"reduction.dev/tablesink/formats"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/scan"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/table"
)

func writeTextFile(t *testing.T, loc locations.StorageLocation, name string, schema *table.Schema, rows ...[]any) {
	w, err := formats.Text{}.Open(schema.DataColumns(), nil)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.Append(r))
	}
	data, err := w.Close()
	require.NoError(t, err)
	_, err = loc.Write(name, bytes.NewReader(data))
	require.NoError(t, err)
}

func TestTable_SkipsHiddenFilesAndAttachesPartitionValues(t *testing.T) {
	schema, err := table.NewSchema([]table.Column{
		{Name: "x", Type: table.TypeInt64},
		{Name: "d", Type: table.TypeString},
	}, []string{"d"})
	require.NoError(t, err)
	loc := locations.NewLocalDirectory(t.TempDir())

	writeTextFile(t, loc, "d=2020-05-03/part-a.txt", schema, []any{int64(1)}, []any{int64(2)})
	writeTextFile(t, loc, "d=2020-05-04/part-b.txt", schema, []any{int64(3)})
	writeTextFile(t, loc, "d=2020-05-04/.part-c.inprogress", schema, []any{int64(4)})
	writeTextFile(t, loc, "d=2020-05-04/.part-d.txt", schema, []any{int64(5)})
	writeTextFile(t, loc, "_checkpoints/d=x/part-e.txt", schema, []any{int64(6)})
	_, err = loc.Write("d=2020-05-03/_SUCCESS", bytes.NewReader(nil))
	require.NoError(t, err)

	rows, err := scan.Table(t.Context(), loc, schema, scan.Options{})
	require.NoError(t, err)
	assert.Equal(t, []table.Row{
		{int64(1), "2020-05-03"},
		{int64(2), "2020-05-03"},
		{int64(3), "2020-05-04"},
	}, rows)
}

func TestTable_OnlyReadsCatalogPartitions(t *testing.T) {
	schema, err := table.NewSchema([]table.Column{
		{Name: "x", Type: table.TypeInt64},
		{Name: "d", Type: table.TypeString},
	}, []string{"d"})
	require.NoError(t, err)
	loc := locations.NewLocalDirectory(t.TempDir())
	writeTextFile(t, loc, "d=2020-05-03/part-a.txt", schema, []any{int64(1)})
	writeTextFile(t, loc, "d=2020-05-04/part-b.txt", schema, []any{int64(2)})

	cat, err := sqlitecat.Open(":memory:")
	require.NoError(t, err)
	defer cat.Close()
	tableID := catalog.TableIdentifier{Database: "db", Table: "t"}
	require.NoError(t, catalog.Upsert(t.Context(), cat, tableID, partition.MustSpec("d", "2020-05-04"), "loc"))

	rows, err := scan.Table(t.Context(), loc, schema, scan.Options{Catalog: cat, Table: tableID})
	require.NoError(t, err)
	assert.Equal(t, []table.Row{{int64(2), "2020-05-04"}}, rows)
}
