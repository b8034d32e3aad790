package config

import (
	"github.com/vietddude/annotator/internal/annotating/worker"
	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/core/labels"
	"github.com/vietddude/annotator/internal/infra/classifier"
	redisclient "github.com/vietddude/annotator/internal/infra/redis"
	"github.com/vietddude/annotator/internal/infra/storage/mongo"
	"github.com/vietddude/annotator/internal/infra/storage/postgres"
)

// Store and sink drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Worker     worker.Config      `yaml:"worker"`
	Store      StoreConfig        `yaml:"store"`
	Sink       SinkConfig         `yaml:"sink"`
	Classifier classifier.Config  `yaml:"classifier"`
	Labels     LabelsConfig       `yaml:"labels"`
	Redis      redisclient.Config `yaml:"redis"` // optional quarantine ledger
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StoreConfig selects the document store holding the records to annotate.
type StoreConfig struct {
	Driver   string          `yaml:"driver"` // mongo, postgres, memory
	Mongo    mongo.Config    `yaml:"mongo"`
	Postgres postgres.Config `yaml:"postgres"`
}

// SinkConfig holds the relational sink settings.
type SinkConfig struct {
	Driver   string          `yaml:"driver"` // postgres, memory
	Database postgres.Config `yaml:"database"`
	Table    string          `yaml:"table"`
}

// LabelsConfig overrides the class name to label rules.
type LabelsConfig struct {
	Rules    []labels.Rule `yaml:"rules"`
	Fallback domain.Label  `yaml:"fallback"`
}

// Mapper builds the label mapper for these settings.
func (c LabelsConfig) Mapper() (*labels.Mapper, error) {
	return labels.NewMapper(c.Rules, c.Fallback)
}
