package formats

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/parquet-go/parquet-go"
	"reduction.dev/tablesink/table"
)

const ParquetName = "parquet"

// Parquet is the columnar back end. Parquet files have their footer written on
// close so an open file can't be resumed.
type Parquet struct{}

func (Parquet) Name() string      { return ParquetName }
func (Parquet) Extension() string { return ".parquet" }
func (Parquet) Resumable() bool   { return false }

func (Parquet) Open(columns []table.Column, existing []byte) (FileWriter, error) {
	if existing != nil {
		return nil, ErrNotResumable
	}
	schema, leaves := parquetSchema(columns)
	buf := &bytes.Buffer{}
	return &parquetWriter{
		buf:    buf,
		writer: parquet.NewWriter(buf, schema),
		leaves: leaves,
		row:    make(parquet.Row, len(columns)),
	}, nil
}

func (Parquet) Read(data []byte, columns []table.Column) ([][]any, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	// Map file leaf columns back to table columns by name.
	fields := file.Schema().Fields()
	target := make([]int, len(fields))
	for i, f := range fields {
		target[i] = slices.IndexFunc(columns, func(c table.Column) bool { return c.Name == f.Name() })
	}

	var rows [][]any
	buf := make([]parquet.Row, 64)
	for _, rg := range file.RowGroups() {
		reader := rg.Rows()
		for {
			n, err := reader.ReadRows(buf)
			for _, prow := range buf[:n] {
				values := make([]any, len(columns))
				for _, v := range prow {
					idx := target[v.Column()]
					if idx < 0 || v.IsNull() {
						continue
					}
					values[idx] = fromParquetValue(columns[idx].Type, v)
				}
				rows = append(rows, values)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				reader.Close()
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
		}
		if err := reader.Close(); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// parquetSchema builds a flat schema of optional columns. Group fields are
// ordered by name so leaves maps each table column to its leaf index.
func parquetSchema(columns []table.Column) (*parquet.Schema, []int) {
	group := parquet.Group{}
	names := make([]string, len(columns))
	for i, c := range columns {
		group[c.Name] = parquet.Optional(parquetNode(c.Type))
		names[i] = c.Name
	}
	sorted := slices.Sorted(slices.Values(names))

	leaves := make([]int, len(columns))
	for i, name := range names {
		leaves[i] = slices.Index(sorted, name)
	}
	return parquet.NewSchema("row", group), leaves
}

func parquetNode(t table.Type) parquet.Node {
	switch t {
	case table.TypeInt64:
		return parquet.Int(64)
	case table.TypeFloat64:
		return parquet.Leaf(parquet.DoubleType)
	case table.TypeBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func fromParquetValue(t table.Type, v parquet.Value) any {
	switch t {
	case table.TypeInt64:
		return v.Int64()
	case table.TypeFloat64:
		return v.Double()
	case table.TypeBool:
		return v.Boolean()
	default:
		return string(v.ByteArray())
	}
}

type parquetWriter struct {
	buf     *bytes.Buffer
	writer  *parquet.Writer
	leaves  []int
	row     parquet.Row
	rawSize int64
	closed  bool
}

func (w *parquetWriter) Append(values []any) error {
	if w.closed {
		return errors.New("append to closed parquet file")
	}
	if len(values) != len(w.leaves) {
		return fmt.Errorf("parquet file expects %d values but got %d", len(w.leaves), len(values))
	}
	for i, v := range values {
		leaf := w.leaves[i]
		if v == nil {
			w.row[leaf] = parquet.Value{}.Level(0, 0, leaf)
			continue
		}
		w.row[leaf] = parquet.ValueOf(v).Level(0, 1, leaf)
		w.rawSize += rawSize(v)
	}
	if _, err := w.writer.WriteRows([]parquet.Row{w.row}); err != nil {
		return fmt.Errorf("write parquet row: %w", err)
	}
	return nil
}

// Size estimates from the raw value sizes since rows are buffered in memory
// until the row group is flushed.
func (w *parquetWriter) Size() int64 {
	return max(int64(w.buf.Len()), w.rawSize)
}

func (w *parquetWriter) Persist() ([]byte, error) {
	return nil, ErrNotResumable
}

func (w *parquetWriter) Close() ([]byte, error) {
	if !w.closed {
		w.closed = true
		if err := w.writer.Close(); err != nil {
			return nil, fmt.Errorf("close parquet file: %w", err)
		}
	}
	return w.buf.Bytes(), nil
}

func rawSize(v any) int64 {
	switch t := v.(type) {
	case string:
		return int64(len(t)) + 4
	case bool:
		return 1
	default:
		return 8
	}
}
