// Package table describes the rows a sink writes: typed columns and the
// ordered subset of columns that partition the table.
package table

import (
	"errors"
	"fmt"
	"slices"

	"reduction.dev/tablesink/partition"
)

type Type string

const (
	TypeInt64   Type = "int64"
	TypeString  Type = "string"
	TypeFloat64 Type = "float64"
	TypeBool    Type = "bool"
)

func (t Type) Valid() bool {
	switch t {
	case TypeInt64, TypeString, TypeFloat64, TypeBool:
		return true
	}
	return false
}

type Column struct {
	Name string
	Type Type
}

// Row holds one value per schema column, in schema order. Nil values are
// nulls.
type Row []any

type Schema struct {
	Columns       []Column
	PartitionKeys []string

	dataColumns []Column
	dataIndex   []int
	keyIndex    []int
}

func NewSchema(columns []Column, partitionKeys []string) (*Schema, error) {
	var err error
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		if c.Name == "" {
			err = errors.Join(err, errors.New("column name is empty"))
		}
		if slices.Contains(names, c.Name) {
			err = errors.Join(err, fmt.Errorf("duplicate column %q", c.Name))
		}
		if !c.Type.Valid() {
			err = errors.Join(err, fmt.Errorf("column %q has unknown type %q", c.Name, c.Type))
		}
		names = append(names, c.Name)
	}

	s := &Schema{
		Columns:       slices.Clone(columns),
		PartitionKeys: slices.Clone(partitionKeys),
	}
	for _, k := range partitionKeys {
		i := slices.Index(names, k)
		if i < 0 {
			err = errors.Join(err, fmt.Errorf("partition key %q is not a column", k))
			continue
		}
		s.keyIndex = append(s.keyIndex, i)
	}
	for i, c := range columns {
		if !slices.Contains(partitionKeys, c.Name) {
			s.dataColumns = append(s.dataColumns, c)
			s.dataIndex = append(s.dataIndex, i)
		}
	}
	if len(s.dataColumns) == 0 {
		err = errors.Join(err, errors.New("table needs at least one non-partition column"))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DataColumns are the columns stored inside data files. Partition columns are
// encoded in directory names instead.
func (s *Schema) DataColumns() []Column {
	return s.dataColumns
}

func (s *Schema) PartitionSpec(row Row) (partition.Spec, error) {
	if len(row) != len(s.Columns) {
		return partition.Spec{}, fmt.Errorf("row has %d values but table has %d columns", len(row), len(s.Columns))
	}
	values := make([]string, len(s.keyIndex))
	for i, idx := range s.keyIndex {
		values[i] = FormatValue(row[idx])
	}
	return partition.NewSpec(s.PartitionKeys, values)
}

func (s *Schema) DataValues(row Row) []any {
	values := make([]any, len(s.dataIndex))
	for i, idx := range s.dataIndex {
		values[i] = row[idx]
	}
	return values
}

// Assemble rebuilds a full row from values read out of a data file and the
// partition the file was found in.
func (s *Schema) Assemble(data []any, spec partition.Spec) (Row, error) {
	if len(data) != len(s.dataIndex) {
		return nil, fmt.Errorf("data file row has %d values but table has %d data columns", len(data), len(s.dataIndex))
	}
	row := make(Row, len(s.Columns))
	for i, idx := range s.dataIndex {
		row[idx] = data[i]
	}
	for _, idx := range s.keyIndex {
		col := s.Columns[idx]
		raw, ok := spec.Get(col.Name)
		if !ok {
			return nil, fmt.Errorf("partition %s is missing key %q", spec, col.Name)
		}
		v, err := ParseValue(col.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", spec, err)
		}
		row[idx] = v
	}
	return row, nil
}

// Conform coerces loosely typed values, e.g. decoded JSON, into a row of the
// schema's types.
func (s *Schema) Conform(values []any) (Row, error) {
	if len(values) != len(s.Columns) {
		return nil, fmt.Errorf("row has %d values but table has %d columns", len(values), len(s.Columns))
	}
	row := make(Row, len(values))
	for i, v := range values {
		cv, err := convert(s.Columns[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", s.Columns[i].Name, err)
		}
		row[i] = cv
	}
	return row, nil
}
