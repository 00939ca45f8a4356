package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/catalog/pgcat"
	"reduction.dev/tablesink/catalog/sqlitecat"
	"reduction.dev/tablesink/clocks"
	"reduction.dev/tablesink/commit"
	"reduction.dev/tablesink/commit/amqpbus"
	"reduction.dev/tablesink/config"
	"reduction.dev/tablesink/jobs"
	"reduction.dev/tablesink/scan"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/table"
	"reduction.dev/tablesink/telemetry"
)

const (
	maxLineSize          = 16 << 20
	checkpointRetryDelay = 5 * time.Second
)

type writeOptions struct {
	MetricsAddr  string
	SavepointURI string
	// Drives periodic checkpoints. Defaults to the system clock.
	Clock clocks.Clock
}

// tableResources are the table's location and optional catalog.
type tableResources struct {
	id       catalog.TableIdentifier
	location locations.StorageLocation
	catalog  catalog.Catalog
	closers  []func() error
}

func (r *tableResources) Close() error {
	var err error
	for _, c := range r.closers {
		err = errors.Join(err, c())
	}
	return err
}

func openTable(ctx context.Context, cfg *config.Config) (*tableResources, error) {
	id, err := cfg.TableIdentifier()
	if err != nil {
		return nil, err
	}
	loc, err := locations.New(cfg.Table.Location)
	if err != nil {
		return nil, err
	}
	res := &tableResources{id: id, location: loc}

	switch cfg.Catalog.Kind {
	case config.CatalogSQLite:
		cat, err := sqlitecat.Open(cfg.Catalog.DSN)
		if err != nil {
			return nil, err
		}
		res.catalog = cat
		res.closers = append(res.closers, cat.Close)
	case config.CatalogPostgres:
		cat, err := pgcat.Open(ctx, cfg.Catalog.DSN)
		if err != nil {
			return nil, err
		}
		res.catalog = cat
		res.closers = append(res.closers, cat.Close)
	}
	return res, nil
}

func openBus(cfg *config.Config) (commit.Bus, error) {
	if cfg.Commit.Bus == config.BusAMQP {
		bus, err := amqpbus.Dial(cfg.Commit.AMQPURL, cfg.Commit.AMQPQueue)
		if err != nil {
			return nil, err
		}
		return bus, nil
	}
	return commit.NewChannelBus(cfg.Sink.Parallelism), nil
}

func runWrite(ctx context.Context, cfg *config.Config, opts writeOptions, in io.Reader) error {
	if opts.Clock == nil {
		opts.Clock = clocks.NewSystemClock()
	}

	schema, err := cfg.Schema()
	if err != nil {
		return err
	}
	format, err := cfg.Format()
	if err != nil {
		return err
	}
	trigger, err := cfg.Trigger(schema)
	if err != nil {
		return err
	}

	res, err := openTable(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	policies, err := commit.NewChain(cfg.Sink.PartitionCommit.Policy.Kind, commit.ChainDeps{
		Table:           res.id,
		TableLocation:   cfg.Table.Location,
		Location:        res.location,
		Catalog:         res.catalog,
		SuccessFileName: cfg.Sink.PartitionCommit.SuccessFile.Name,
	})
	if err != nil {
		return err
	}

	checkpointStore, err := locations.New(cfg.CheckpointLocation())
	if err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		l, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		go func() {
			if err := telemetry.Serve(ctx, l); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
		slog.Info("serving metrics", "addr", l.Addr().String())
	}

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}

	job, err := jobs.New(ctx, &jobs.NewParams{
		TableName:       res.id.String(),
		Schema:          schema,
		Location:        res.location,
		Format:          format,
		Parallelism:     cfg.Sink.Parallelism,
		Rolling:         cfg.RollingPolicy(),
		Trigger:         trigger,
		Policies:        policies,
		Bus:             bus,
		CheckpointStore: checkpointStore,
		CheckpointsPath: "checkpoints",
		SavepointsPath:  "savepoints",
		SavepointURI:    opts.SavepointURI,
		Clock:           opts.Clock,
	})
	if err != nil {
		bus.Close()
		return err
	}
	defer job.Close()

	ticker := opts.Clock.Every(cfg.Sink.Checkpoint.Interval, func(ec *clocks.EveryContext) {
		records, err := job.Checkpoint(ctx)
		if err != nil {
			slog.Warn("checkpoint failed", "err", err, "retryIn", checkpointRetryDelay)
			if ctx.Err() == nil && job.Status() == jobs.StatusRunning.String() {
				ec.RetryIn(checkpointRetryDelay)
			}
			return
		}
		logCommitted(records)
	}, "checkpoint")

	err = readRows(ctx, in, schema, job)
	ticker.Stop()

	// Interrupted runs keep their open files in a checkpoint so that the next
	// run continues them.
	if ctx.Err() != nil {
		slog.Info("interrupted, taking final checkpoint")
		records, cpErr := job.Checkpoint(context.WithoutCancel(ctx))
		logCommitted(records)
		return errors.Join(cpErr, ctx.Err())
	}
	if err != nil {
		return err
	}

	records, err := job.Finish(ctx)
	if err != nil {
		return err
	}
	logCommitted(records)
	logUsage(res.location)
	return nil
}

// readRows writes each JSON array line as a row. A line like
// {"watermark": "2020-05-03T08:00:00Z"} advances the event time watermark.
func readRows(ctx context.Context, in io.Reader, schema *table.Schema, job *jobs.Job) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for lineNum := 1; scanner.Scan(); lineNum++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if line[0] == '{' {
			var mark struct {
				Watermark time.Time `json:"watermark"`
			}
			if err := json.Unmarshal(line, &mark); err != nil {
				return fmt.Errorf("line %d: %w", lineNum, err)
			}
			job.AdvanceWatermark(mark.Watermark)
			continue
		}

		// Numbers stay json.Number so int64 columns keep their full range.
		var values []any
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		row, err := schema.Conform(values)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if err := job.Write(row); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func logCommitted(records []commit.Record) {
	for _, r := range records {
		slog.Info("committed partition", "partition", r.Spec.Path(), "files", len(r.Files), "checkpoint", r.CheckpointID)
	}
}

func logUsage(loc locations.StorageLocation) {
	s3Loc, ok := loc.(*locations.S3Location)
	if !ok {
		return
	}
	if usage, ok := s3Loc.Usage(); ok {
		cheap, expensive := usage.Requests()
		slog.Info("s3 usage", "cheapRequests", cheap, "expensiveRequests", expensive, "cost", usage.TotalCost())
	}
}

func runScan(ctx context.Context, cfg *config.Config, out io.Writer) error {
	schema, err := cfg.Schema()
	if err != nil {
		return err
	}
	res, err := openTable(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	rows, err := scan.Table(ctx, res.location, schema, scan.Options{
		Catalog: res.catalog,
		Table:   res.id,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, row := range rows {
		if err := enc.Encode([]any(row)); err != nil {
			return err
		}
	}
	return nil
}

func runPartitions(ctx context.Context, cfg *config.Config, out io.Writer) error {
	res, err := openTable(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	if res.catalog == nil {
		return errors.New("listing partitions requires catalog.kind")
	}
	parts, err := res.catalog.ListPartitions(ctx, res.id)
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Fprintf(out, "%s\t%s\t%s\n", p.Spec.Path(), p.Location, p.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
