// Package config loads the table sink configuration from a YAML or JSON file
// with TABLESINK_ environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
	"reduction.dev/tablesink/catalog"
	"reduction.dev/tablesink/config/jsontemplate"
	"reduction.dev/tablesink/commit"
	"reduction.dev/tablesink/formats"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/sink"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/table"
)

const (
	CatalogSQLite   = "sqlite"
	CatalogPostgres = "postgres"

	BusChannel = "channel"
	BusAMQP    = "amqp"
)

// The object representing the sink configuration.
type Config struct {
	Table     TableConfig     `mapstructure:"table"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Partition PartitionConfig `mapstructure:"partition"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Commit    CommitConfig    `mapstructure:"commit"`
}

type TableConfig struct {
	Name          string         `mapstructure:"name"`
	Location      string         `mapstructure:"location"`
	Columns       []ColumnConfig `mapstructure:"columns"`
	PartitionKeys []string       `mapstructure:"partition-keys"`
}

type ColumnConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

type SinkConfig struct {
	Parallelism     int                   `mapstructure:"parallelism"`
	Writer          WriterConfig          `mapstructure:"writer"`
	RollingPolicy   RollingPolicyConfig   `mapstructure:"rolling-policy"`
	PartitionCommit PartitionCommitConfig `mapstructure:"partition-commit"`
	Checkpoint      CheckpointConfig      `mapstructure:"checkpoint"`
}

type WriterConfig struct {
	Backend string `mapstructure:"backend"`
}

type RollingPolicyConfig struct {
	FileSize         int64         `mapstructure:"file-size"`
	RolloverInterval time.Duration `mapstructure:"rollover-interval"`
}

type PartitionCommitConfig struct {
	Trigger     string            `mapstructure:"trigger"`
	Delay       time.Duration     `mapstructure:"delay"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	SuccessFile SuccessFileConfig `mapstructure:"success-file"`
}

type PolicyConfig struct {
	Kind []string `mapstructure:"kind"`
}

type SuccessFileConfig struct {
	Name string `mapstructure:"name"`
}

type CheckpointConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Location string        `mapstructure:"location"`
}

type PartitionConfig struct {
	TimeExtractor TimeExtractorConfig `mapstructure:"time-extractor"`
}

type TimeExtractorConfig struct {
	TimestampPattern   string `mapstructure:"timestamp-pattern"`
	TimestampFormatter string `mapstructure:"timestamp-formatter"`
}

type CatalogConfig struct {
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

type CommitConfig struct {
	Bus       string `mapstructure:"bus"`
	AMQPURL   string `mapstructure:"amqp-url"`
	AMQPQueue string `mapstructure:"amqp-queue"`
}

func setDefaults(v *viper.Viper) {
	// Keys without a useful default are registered so that environment
	// overrides reach them when they are absent from the file.
	v.SetDefault("table.name", "")
	v.SetDefault("table.location", "")
	v.SetDefault("sink.parallelism", 1)
	v.SetDefault("sink.writer.backend", formats.BackendColumnar)
	v.SetDefault("sink.rolling-policy.file-size", sink.DefaultRollingPolicy.FileSize)
	v.SetDefault("sink.rolling-policy.rollover-interval", sink.DefaultRollingPolicy.RolloverInterval)
	v.SetDefault("sink.partition-commit.trigger", commit.TriggerProcessTime)
	v.SetDefault("sink.partition-commit.delay", time.Duration(0))
	v.SetDefault("sink.partition-commit.success-file.name", commit.DefaultSuccessFileName)
	v.SetDefault("sink.checkpoint.interval", time.Minute)
	v.SetDefault("sink.checkpoint.location", "")
	v.SetDefault("partition.time-extractor.timestamp-pattern", "")
	v.SetDefault("partition.time-extractor.timestamp-formatter", "")
	v.SetDefault("catalog.kind", "")
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("commit.bus", BusChannel)
	v.SetDefault("commit.amqp-url", "")
	v.SetDefault("commit.amqp-queue", "tablesink-commits")
}

// Load reads the config file at path, which may be an s3:// URI, applies defaults and environment
// overrides such as TABLESINK_SINK_PARALLELISM, resolves `$param` references
// and validates the result.
func Load(path string, params *jsontemplate.Params) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TABLESINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := locations.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		v.SetConfigType(configType(path))
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	resolved, err := jsontemplate.Resolve(v.AllSettings(), params)
	if err != nil {
		return nil, err
	}
	for key, value := range resolved {
		v.Set(key, value)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// configType picks the decoder from the file extension. YAML is the default
// and also reads JSON.
func configType(p string) string {
	switch ext := strings.TrimPrefix(path.Ext(p), "."); ext {
	case "json", "toml":
		return ext
	default:
		return "yaml"
	}
}

func (c *Config) Validate() (err error) {
	if c.Table.Name == "" {
		err = errors.Join(err, errors.New("table.name is required"))
	} else if _, idErr := catalog.ParseTableIdentifier(c.Table.Name); idErr != nil {
		err = errors.Join(err, idErr)
	}
	if c.Table.Location == "" {
		err = errors.Join(err, errors.New("table.location is required"))
	}
	schema, schemaErr := c.Schema()
	err = errors.Join(err, schemaErr)

	if c.Sink.Parallelism < 1 {
		err = errors.Join(err, fmt.Errorf("sink.parallelism must be at least 1 but was %d", c.Sink.Parallelism))
	}
	if _, formatErr := c.Format(); formatErr != nil {
		err = errors.Join(err, formatErr)
	}
	if c.Sink.RollingPolicy.FileSize <= 0 {
		err = errors.Join(err, errors.New("sink.rolling-policy.file-size must be positive"))
	}
	if schema != nil {
		_, triggerErr := c.Trigger(schema)
		err = errors.Join(err, triggerErr)
	}
	if c.Sink.Checkpoint.Interval <= 0 {
		err = errors.Join(err, errors.New("sink.checkpoint.interval must be positive"))
	}

	for i, kind := range c.Sink.PartitionCommit.Policy.Kind {
		switch kind {
		case commit.PolicySuccessFile:
		case commit.PolicyMetastore:
			if c.Catalog.Kind == "" {
				err = errors.Join(err, errors.New("metastore commit policy requires catalog.kind"))
			}
		default:
			err = errors.Join(err, fmt.Errorf("unknown commit policy %q", kind))
		}
		for _, prev := range c.Sink.PartitionCommit.Policy.Kind[:i] {
			if prev == kind {
				err = errors.Join(err, fmt.Errorf("commit policy %q listed more than once", kind))
			}
		}
	}
	if strings.Contains(c.Sink.PartitionCommit.SuccessFile.Name, "/") {
		err = errors.Join(err, errors.New("sink.partition-commit.success-file.name must be a file name"))
	}

	switch c.Catalog.Kind {
	case "":
	case CatalogSQLite, CatalogPostgres:
		if c.Catalog.DSN == "" {
			err = errors.Join(err, fmt.Errorf("catalog.dsn is required for %s catalogs", c.Catalog.Kind))
		}
	default:
		err = errors.Join(err, fmt.Errorf("unknown catalog.kind %q", c.Catalog.Kind))
	}

	switch c.Commit.Bus {
	case BusChannel:
	case BusAMQP:
		if c.Commit.AMQPURL == "" || c.Commit.AMQPQueue == "" {
			err = errors.Join(err, errors.New("commit.amqp-url and commit.amqp-queue are required for the amqp bus"))
		}
	default:
		err = errors.Join(err, fmt.Errorf("unknown commit.bus %q", c.Commit.Bus))
	}

	return err
}

// Schema builds the table schema from the configured columns.
func (c *Config) Schema() (*table.Schema, error) {
	columns := make([]table.Column, len(c.Table.Columns))
	for i, col := range c.Table.Columns {
		columns[i] = table.Column{Name: col.Name, Type: table.Type(col.Type)}
	}
	return table.NewSchema(columns, c.Table.PartitionKeys)
}

func (c *Config) TableIdentifier() (catalog.TableIdentifier, error) {
	return catalog.ParseTableIdentifier(c.Table.Name)
}

func (c *Config) Format() (formats.Format, error) {
	return formats.ForBackend(c.Sink.Writer.Backend)
}

func (c *Config) RollingPolicy() sink.RollingPolicy {
	return sink.RollingPolicy{
		FileSize:         c.Sink.RollingPolicy.FileSize,
		RolloverInterval: c.Sink.RollingPolicy.RolloverInterval,
	}
}

// Trigger builds the partition commit trigger. The time extractor is only
// created for partition-time triggers.
func (c *Config) Trigger(schema *table.Schema) (commit.Trigger, error) {
	var extractor *partition.TimeExtractor
	if c.Sink.PartitionCommit.Trigger == commit.TriggerPartitionTime {
		var err error
		extractor, err = partition.NewTimeExtractor(
			c.Partition.TimeExtractor.TimestampPattern,
			c.Partition.TimeExtractor.TimestampFormatter,
			schema.PartitionKeys,
		)
		if err != nil {
			return nil, err
		}
	}
	return commit.NewTrigger(c.Sink.PartitionCommit.Trigger, c.Sink.PartitionCommit.Delay, extractor)
}

// CheckpointLocation defaults to a hidden directory inside the table.
func (c *Config) CheckpointLocation() string {
	if c.Sink.Checkpoint.Location != "" {
		return c.Sink.Checkpoint.Location
	}
	if strings.HasPrefix(c.Table.Location, "s3://") {
		return strings.TrimSuffix(c.Table.Location, "/") + "/_checkpoints"
	}
	return path.Join(c.Table.Location, "_checkpoints")
}
