// Package scan reads the committed rows of a partitioned table the way a batch
// reader would: hidden files are invisible and partition values come from the
// directory names.
package scan

import (
	"context"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/formats"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/table"
)

type Options struct {
	// When set, only partitions registered in the catalog are read.
	Catalog catalog.Catalog
	Table   catalog.TableIdentifier
	// Maximum number of files read at once. Defaults to 8.
	Concurrency int
}

// File is a visible data file of the table.
type File struct {
	Path   string
	Spec   partition.Spec
	Format formats.Format
}

// Files lists the visible data files of the table in path order.
func Files(ctx context.Context, loc locations.StorageLocation, opts Options) ([]File, error) {
	var registered map[string]bool
	if opts.Catalog != nil {
		partitions, err := opts.Catalog.ListPartitions(ctx, opts.Table)
		if err != nil {
			return nil, fmt.Errorf("list partitions of %s: %w", opts.Table, err)
		}
		registered = make(map[string]bool, len(partitions))
		for _, p := range partitions {
			registered[p.Spec.Path()] = true
		}
	}

	var files []File
	for p, err := range loc.List() {
		if err != nil {
			return nil, err
		}
		if hidden(p) {
			continue
		}
		format, ok := formats.ForFile(p)
		if !ok {
			continue
		}
		spec, err := partition.ParsePath(path.Dir(p))
		if err != nil {
			return nil, err
		}
		if registered != nil && !registered[spec.Path()] {
			continue
		}
		files = append(files, File{Path: p, Spec: spec, Format: format})
	}
	return files, nil
}

// Table reads every row of the table's visible data files.
func Table(ctx context.Context, loc locations.StorageLocation, schema *table.Schema, opts Options) ([]table.Row, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}

	files, err := Files(ctx, loc, opts)
	if err != nil {
		return nil, err
	}

	results := make([][]table.Row, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := readFile(loc, schema, f)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []table.Row
	for _, r := range results {
		rows = append(rows, r...)
	}
	return rows, nil
}

func readFile(loc locations.StorageLocation, schema *table.Schema, f File) ([]table.Row, error) {
	data, err := loc.Read(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	values, err := f.Format.Read(data, schema.DataColumns())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	rows := make([]table.Row, 0, len(values))
	for _, v := range values {
		row, err := schema.Assemble(v, f.Spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// hidden reports whether any segment of p starts with "." or "_". Staging
// files, success markers, and checkpoints are all hidden.
func hidden(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") || strings.HasPrefix(segment, "_") {
			return true
		}
	}
	return false
}
