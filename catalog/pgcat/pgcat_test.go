package pgcat_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/catalog/catalogtest"
	"reduction.dev/tablesink/catalog/pgcat"
)

// Set TABLESINK_TEST_POSTGRES_URL to run against a disposable database. Every
// subtest starts by truncating the partitions table.
func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("TABLESINK_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TABLESINK_TEST_POSTGRES_URL not set")
	}

	catalogtest.RunSuite(t, func(t *testing.T) catalog.Catalog {
		c, err := pgcat.Open(t.Context(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })

		require.NoError(t, c.Truncate(t.Context()))
		return c
	})
}
