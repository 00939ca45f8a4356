// Package formats holds the file back ends a sink can write. Both back ends
// share the Format contract so that a sink behaves the same regardless of
// which one is configured.
package formats

import (
	"errors"
	"fmt"
	"strings"

	"reduction.dev/tablesink/table"
)

var ErrNotResumable = errors.New("format cannot resume partially written files")

// FileWriter accumulates the rows of one data file.
type FileWriter interface {
	// Append adds one row of data column values.
	Append(values []any) error
	// Size is the approximate size of the file if it were closed now.
	Size() int64
	// Persist returns the bytes written so far. The result is a valid file that
	// Open can resume from. Formats that aren't resumable return
	// ErrNotResumable.
	Persist() ([]byte, error)
	// Close finishes the file and returns its content.
	Close() ([]byte, error)
}

type Format interface {
	Name() string
	Extension() string
	// Resumable formats can continue a file across checkpoints. Other formats
	// must roll every open file when a checkpoint is taken.
	Resumable() bool
	// Open starts a file for the columns. A resumable format continues from
	// existing content when it isn't nil.
	Open(columns []table.Column, existing []byte) (FileWriter, error)
	// Read decodes every row of a file.
	Read(data []byte, columns []table.Column) ([][]any, error)
}

const (
	BackendColumnar = "columnar"
	BackendRow      = "row"
)

// ForBackend selects the format for a configured writer back end.
func ForBackend(backend string) (Format, error) {
	switch backend {
	case BackendColumnar, "", ParquetName:
		return Parquet{}, nil
	case BackendRow, TextName:
		return Text{}, nil
	default:
		return nil, fmt.Errorf("unknown writer backend %q", backend)
	}
}

// ForFile picks the format that wrote a data file by its extension.
func ForFile(path string) (Format, bool) {
	for _, f := range []Format{Parquet{}, Text{}} {
		if strings.HasSuffix(path, f.Extension()) {
			return f, true
		}
	}
	return nil, false
}
