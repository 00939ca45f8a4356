package formats

import (
	"bytes"
	"fmt"
	"strings"

	"reduction.dev/tablesink/table"
)

const TextName = "text"

const (
	textFieldDelimiter = '\x01'
	textNull           = `\N`
)

// Text is the row-oriented fallback back end using a delimited textfile layout:
// one line per row, fields separated by \x01, nulls written as \N. Every
// complete line is a valid file prefix so open files can be resumed.
type Text struct{}

func (Text) Name() string      { return TextName }
func (Text) Extension() string { return ".txt" }
func (Text) Resumable() bool   { return true }

func (Text) Open(columns []table.Column, existing []byte) (FileWriter, error) {
	w := &textWriter{columns: columns}
	if len(existing) > 0 {
		if existing[len(existing)-1] != '\n' {
			return nil, fmt.Errorf("resumed text file ends with a partial row")
		}
		w.buf.Write(existing)
	}
	return w, nil
}

func (Text) Read(data []byte, columns []table.Column) ([][]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// Every line is a row, including empty ones: a single string column
	// holding "" encodes as a bare newline.
	var rows [][]any
	for i, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		fields := strings.Split(line, string(textFieldDelimiter))
		if len(fields) != len(columns) {
			return nil, fmt.Errorf("text line %d has %d fields but expected %d", i+1, len(fields), len(columns))
		}
		values := make([]any, len(columns))
		for j, f := range fields {
			if f == textNull {
				continue
			}
			raw := unescapeText(f)
			if columns[j].Type == table.TypeString {
				values[j] = raw
				continue
			}
			v, err := table.ParseValue(columns[j].Type, raw)
			if err != nil {
				return nil, fmt.Errorf("text line %d column %q: %w", i+1, columns[j].Name, err)
			}
			values[j] = v
		}
		rows = append(rows, values)
	}
	return rows, nil
}

type textWriter struct {
	columns []table.Column
	buf     bytes.Buffer
}

func (w *textWriter) Append(values []any) error {
	if len(values) != len(w.columns) {
		return fmt.Errorf("text file expects %d values but got %d", len(w.columns), len(values))
	}
	for i, v := range values {
		if i > 0 {
			w.buf.WriteByte(textFieldDelimiter)
		}
		if v == nil {
			w.buf.WriteString(textNull)
			continue
		}
		w.buf.WriteString(escapeText(table.FormatValue(v)))
	}
	w.buf.WriteByte('\n')
	return nil
}

func (w *textWriter) Size() int64 {
	return int64(w.buf.Len())
}

func (w *textWriter) Persist() ([]byte, error) {
	return bytes.Clone(w.buf.Bytes()), nil
}

func (w *textWriter) Close() ([]byte, error) {
	return w.buf.Bytes(), nil
}

var (
	textEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "\x01", `\1`)
	textUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r", `\1`, "\x01")
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
