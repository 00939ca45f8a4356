package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/catalog"
)

func TestParseTableIdentifier(t *testing.T) {
	id, err := catalog.ParseTableIdentifier("db.sink_table")
	require.NoError(t, err)
	assert.Equal(t, catalog.TableIdentifier{Database: "db", Table: "sink_table"}, id)
	assert.Equal(t, "db.sink_table", id.String())

	id, err = catalog.ParseTableIdentifier("events")
	require.NoError(t, err)
	assert.Equal(t, "default.events", id.String())

	for _, bad := range []string{"", ".t", "db.", "a.b.c"} {
		_, err := catalog.ParseTableIdentifier(bad)
		assert.Error(t, err, "%q is invalid", bad)
	}
}
