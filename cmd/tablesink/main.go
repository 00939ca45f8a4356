package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"reduction.dev/tablesink/config"
	"reduction.dev/tablesink/config/jsontemplate"
	"reduction.dev/tablesink/logging"
)

func main() {
	configFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"c"},
			Usage:    "path to the table sink YAML or JSON config",
			EnvVars:  []string{"TABLESINK_CONFIG"},
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "param",
			Usage: "`KEY=VALUE` value for a {$param: KEY} reference in the config",
		},
	}

	app := &cli.App{
		Name:  "tablesink",
		Usage: "Write rows into a partitioned file table and commit finished partitions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "one of debug, info, warn, error",
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := logging.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)
			slog.SetDefault(slog.New(logging.NewTextHandler()))
			return nil
		},
		Commands: []*cli.Command{{
			Name:  "write",
			Usage: "Write JSON rows, one array per line, checkpointing periodically and committing at EOF",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:  "input",
					Usage: "file with JSON rows, defaults to stdin",
				},
				&cli.StringFlag{
					Name:  "metrics-addr",
					Usage: "address for the Prometheus /metrics endpoint, e.g. :9090",
				},
				&cli.StringFlag{
					Name:  "savepoint",
					Usage: "savepoint URI to start from when the table has no checkpoints",
				},
			}, configFlags...),
			Action: func(ctx *cli.Context) error {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return err
				}

				in := os.Stdin
				if path := ctx.String("input"); path != "" {
					f, err := os.Open(path)
					if err != nil {
						return err
					}
					defer f.Close()
					in = f
				}

				sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()

				err = runWrite(sigCtx, cfg, writeOptions{
					MetricsAddr:  ctx.String("metrics-addr"),
					SavepointURI: ctx.String("savepoint"),
				}, in)
				if err != nil {
					slog.Error("terminated with error", "error", err)
				}
				return err
			},
		}, {
			Name:  "scan",
			Usage: "Print the committed rows of the table as JSON arrays",
			Flags: configFlags,
			Action: func(ctx *cli.Context) error {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return err
				}
				return runScan(ctx.Context, cfg, os.Stdout)
			},
		}, {
			Name:  "partitions",
			Usage: "List the partitions registered in the catalog",
			Flags: configFlags,
			Action: func(ctx *cli.Context) error {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return err
				}
				return runPartitions(ctx.Context, cfg, os.Stdout)
			},
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	params := jsontemplate.NewParams()
	for _, kv := range ctx.StringSlice("param") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, expected KEY=VALUE", kv)
		}
		params.Set(key, value)
	}

	cfg, err := config.Load(ctx.String("config"), params)
	if err != nil {
		return nil, fmt.Errorf("table sink config validation error: %w", err)
	}
	return cfg, nil
}
