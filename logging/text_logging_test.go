package logging_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/logging"
)

func TestTextHandlerInstanceIDAndAttrs(t *testing.T) {
	logging.SetLevel(slog.LevelInfo)
	var out bytes.Buffer
	log := slog.New(logging.NewTextHandlerWriter(&out)).With("instanceID", "coordinator", "table", "db.t")

	log.Info("committed partition", "partition", "d=2020-05-03/e=7", "files", 2)
	log.Debug("hidden below the global level")

	line := out.String()
	assert.Contains(t, line, "INFO [coordinator] committed partition")
	assert.Contains(t, line, "table=db.t")
	assert.Contains(t, line, `partition="d=2020-05-03/e=7"`)
	assert.Contains(t, line, "files=2")
	assert.NotContains(t, line, "hidden")
}

func TestTextHandlerQuotesValues(t *testing.T) {
	var out bytes.Buffer
	slog.New(logging.NewTextHandlerWriter(&out)).Info("msg", "err", "catalog unavailable")
	assert.Contains(t, out.String(), `err="catalog unavailable"`)
}

func TestParseLevel(t *testing.T) {
	level, err := logging.ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = logging.ParseLevel("chatty")
	assert.Error(t, err)
}
