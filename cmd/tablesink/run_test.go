package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/clocks"
	"reduction.dev/tablesink/config"
)

func loadTestConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tablesink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
table:
  name: db.events
  location: `+filepath.Join(dir, "events")+`
  columns:
    - {name: id, type: int64}
    - {name: msg, type: string}
    - {name: dt, type: string}
  partition-keys: [dt]
sink:
  parallelism: 2
  writer:
    backend: `+backend+`
  partition-commit:
    policy:
      kind: [metastore, success-file]
catalog:
  kind: sqlite
  dsn: `+filepath.Join(dir, "catalog.db")+`
`), 0o644))

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	return cfg
}

func TestWriteScanPartitions(t *testing.T) {
	for _, backend := range []string{"row", "columnar"} {
		t.Run(backend, func(t *testing.T) {
			cfg := loadTestConfig(t, backend)

			input := strings.Join([]string{
				`[1, "a", "2020-05-03"]`,
				`[2, "b", "2020-05-03"]`,
				``,
				`{"watermark": "2020-05-04T00:00:00Z"}`,
				`[3, "c", "2020-05-04"]`,
			}, "\n")
			err := runWrite(t.Context(), cfg, writeOptions{
				Clock: clocks.NewFrozenClockAt(time.Date(2020, 5, 4, 1, 0, 0, 0, time.UTC)),
			}, strings.NewReader(input))
			require.NoError(t, err)

			assert.FileExists(t, filepath.Join(cfg.Table.Location, "dt=2020-05-03", "_SUCCESS"))
			assert.FileExists(t, filepath.Join(cfg.Table.Location, "dt=2020-05-04", "_SUCCESS"))

			var out bytes.Buffer
			require.NoError(t, runScan(t.Context(), cfg, &out))
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			assert.ElementsMatch(t, []string{
				`[1,"a","2020-05-03"]`,
				`[2,"b","2020-05-03"]`,
				`[3,"c","2020-05-04"]`,
			}, lines)

			out.Reset()
			require.NoError(t, runPartitions(t.Context(), cfg, &out))
			assert.Contains(t, out.String(), "dt=2020-05-03\t"+cfg.Table.Location+"/dt=2020-05-03\t")
			assert.Contains(t, out.String(), "dt=2020-05-04\t"+cfg.Table.Location+"/dt=2020-05-04\t")
		})
	}
}

func TestWriteRejectsMalformedRow(t *testing.T) {
	cfg := loadTestConfig(t, "row")

	err := runWrite(t.Context(), cfg, writeOptions{Clock: clocks.NewFrozenClock()},
		strings.NewReader("[1, \"a\", \"2020-05-03\"]\n[1, \"a\"]\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestPartitionsRequiresCatalog(t *testing.T) {
	cfg := loadTestConfig(t, "row")
	cfg.Catalog = config.CatalogConfig{}

	err := runPartitions(t.Context(), cfg, &bytes.Buffer{})
	assert.ErrorContains(t, err, "requires catalog.kind")
}

func TestWriteKeepsLargeIntegers(t *testing.T) {
	cfg := loadTestConfig(t, "row")

	err := runWrite(t.Context(), cfg, writeOptions{Clock: clocks.NewFrozenClock()},
		strings.NewReader(`[9007199254740993, "a", "2020-05-03"]`+"\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runScan(t.Context(), cfg, &out))
	assert.Equal(t, `[9007199254740993,"a","2020-05-03"]`+"\n", out.String())
}

func TestWriteRejectsOutOfRangeIntegers(t *testing.T) {
	cfg := loadTestConfig(t, "row")

	err := runWrite(t.Context(), cfg, writeOptions{Clock: clocks.NewFrozenClock()},
		strings.NewReader(`[1e19, "a", "2020-05-03"]`+"\n"))
	assert.ErrorContains(t, err, "line 1")
}
