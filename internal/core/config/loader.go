package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/annotator/internal/annotating/worker"
	"github.com/vietddude/annotator/internal/infra/storage/postgres"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding ${ENV} references and
// applying defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	def := worker.DefaultConfig()
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = def.BatchSize
	}
	if cfg.Worker.PollWait == 0 {
		cfg.Worker.PollWait = def.PollWait
	}
	if cfg.Worker.LogEvery == 0 {
		cfg.Worker.LogEvery = def.LogEvery
	}
	cfg.Worker.MaxInputChars = cfg.Classifier.MaxInputChars

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMongo
	}
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)

	if cfg.Sink.Driver == "" {
		cfg.Sink.Driver = DriverPostgres
	}
	cfg.Sink.Driver = strings.ToLower(cfg.Sink.Driver)
	if cfg.Sink.Table == "" {
		cfg.Sink.Table = postgres.DefaultSinkTable
	}

	if cfg.Classifier.Transport == "" {
		cfg.Classifier.Transport = "http"
	}
}

// Validate checks ranges and required settings.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Worker.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be >= 1, got %d", c.Worker.BatchSize))
	}
	if c.Worker.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("worker.max_records must be >= 0, got %d", c.Worker.MaxRecords))
	}
	if c.Worker.PollWait <= 0 {
		errs = append(errs, fmt.Errorf("worker.poll_wait must be positive, got %s", c.Worker.PollWait))
	}
	if c.Worker.LogEvery < 1 {
		errs = append(errs, fmt.Errorf("worker.log_every must be >= 1, got %d", c.Worker.LogEvery))
	}

	switch c.Store.Driver {
	case DriverMongo:
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			errs = append(errs, errors.New("store.mongo requires uri, database and collection"))
		}
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url is required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Sink.Driver {
	case DriverPostgres:
		if c.Sink.Database.URL == "" {
			errs = append(errs, errors.New("sink.database.url is required"))
		}
		// Migrations only create the default table.
		if c.Sink.Database.AutoMigrate && c.Sink.Table != postgres.DefaultSinkTable {
			errs = append(errs, fmt.Errorf("sink.table %q is not created by migrations; disable sink.database.auto_migrate or use %s",
				c.Sink.Table, postgres.DefaultSinkTable))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown sink.driver %q", c.Sink.Driver))
	}

	switch strings.ToLower(c.Classifier.Transport) {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("unknown classifier.transport %q", c.Classifier.Transport))
	}
	if c.Classifier.URL == "" {
		errs = append(errs, errors.New("classifier.url is required"))
	}

	if _, err := c.Labels.Mapper(); err != nil {
		errs = append(errs, fmt.Errorf("labels: %w", err))
	}

	return errors.Join(errs...)
}
