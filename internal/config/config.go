// Package config provides configuration management.
package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. SIOPE_STORE_HOST
const EnvPrefix = "SIOPE"

// ReferenceMissPolicy decides what entity denormalization does when a
// classification or geography reference cannot be resolved
type ReferenceMissPolicy string

const (
	// ReferenceMissSkip logs the entity and moves on
	ReferenceMissSkip ReferenceMissPolicy = "skip"

	// ReferenceMissFatal aborts the denormalization pass
	ReferenceMissFatal ReferenceMissPolicy = "fatal"
)

// Stage names accepted in PipelineConfig.Stages
const (
	StageLoad        = "load"
	StageDenormalize = "denormalize"
	StageFold        = "fold"
)

// AllStages lists the stages in execution order
var AllStages = []string{StageLoad, StageDenormalize, StageFold}

// Config is the main application configuration
type Config struct {
	// Store is the document store target
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Source describes where the flat files come from
	Source SourceConfig `json:"source" mapstructure:"source"`

	// Pipeline tunes the transform stages
	Pipeline PipelineConfig `json:"pipeline" mapstructure:"pipeline"`

	// Logging contains logging configuration
	Logging logging.Config `json:"logging" mapstructure:"logging"`

	// Metrics contains metrics exposition settings
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// History records a summary of every run
	History HistoryConfig `json:"history" mapstructure:"history"`
}

// StoreConfig locates the document store
type StoreConfig struct {
	// Backend is "mongo" or "memory"
	Backend string `json:"backend" mapstructure:"backend"`

	// URI overrides Host and Port when set
	URI string `json:"uri,omitempty" mapstructure:"uri"`

	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// Database holds every staging, enriched and series collection
	Database string `json:"database" mapstructure:"database"`

	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
}

// ConnectionURI returns the store connection string
func (s StoreConfig) ConnectionURI() string {
	if s.URI != "" {
		return s.URI
	}
	return fmt.Sprintf("mongodb://%s:%d", s.Host, s.Port)
}

// SourceConfig contains flat-file source settings
type SourceConfig struct {
	// Dir is where archives are extracted and tables are read from
	Dir string `json:"dir" mapstructure:"dir"`

	// Download retrieves the archives before loading
	Download bool `json:"download" mapstructure:"download"`

	// BaseURL is the remote directory holding the archives
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// Archives are the file names fetched from BaseURL
	Archives []string `json:"archives" mapstructure:"archives"`

	// Attempts bounds the download retries per archive
	Attempts int `json:"attempts" mapstructure:"attempts"`

	// Year selects the yearly transaction files when AllYears is false
	Year int `json:"year" mapstructure:"year"`

	// AllYears loads the concatenation of every yearly transaction file
	AllYears bool `json:"all_years" mapstructure:"all_years"`
}

// PipelineConfig tunes the transform stages
type PipelineConfig struct {
	// BatchSize is the bulk write chunk size
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`

	// Partitions is the number of workers per transaction flow
	Partitions int `json:"partitions" mapstructure:"partitions"`

	// ReferenceMiss is the entity denormalization lookup-miss policy
	ReferenceMiss ReferenceMissPolicy `json:"reference_miss" mapstructure:"reference_miss"`

	// Resume keeps enriched entities and transactions from a previous run
	Resume bool `json:"resume" mapstructure:"resume"`

	// Stages selects which stages run, in AllStages order
	Stages []string `json:"stages" mapstructure:"stages"`

	// ContinueOnError runs later stages even when a stage had failures
	ContinueOnError bool `json:"continue_on_error" mapstructure:"continue_on_error"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// HistoryConfig contains run history settings
type HistoryConfig struct {
	// Dir holds one JSON record per run; empty disables the history
	Dir string `json:"dir" mapstructure:"dir"`
}

// DefaultArchives are the archives published for the last two years
var DefaultArchives = []string{
	"SIOPE_ANAGRAFICHE.zip",
	"SIOPE_USCITE.2016.zip", "SIOPE_ENTRATE.2016.zip",
	"SIOPE_USCITE.2015.zip", "SIOPE_ENTRATE.2015.zip",
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:        "mongo",
			Host:           "localhost",
			Port:           27017,
			Database:       "siope",
			ConnectTimeout: 10 * time.Second,
		},
		Source: SourceConfig{
			Dir:      "csvfiles",
			Download: true,
			BaseURL:  "https://www.siope.it/Siope2Web/documenti/siope2/open/last/",
			Archives: append([]string(nil), DefaultArchives...),
			Attempts: 10,
			Year:     2016,
		},
		Pipeline: PipelineConfig{
			BatchSize:     50000,
			Partitions:    4,
			ReferenceMiss: ReferenceMissSkip,
			Stages:        append([]string(nil), AllStages...),
		},
		Logging: logging.DefaultConfig(),
		History: HistoryConfig{
			Dir: ".siope-etl/runs",
		},
	}
}

// Load loads configuration from a JSON or YAML file, then applies SIOPE_*
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(errors.TypeConfig, err, "reading %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.TypeConfig, "decoding configuration", err)
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.uri", d.Store.URI)
	v.SetDefault("store.host", d.Store.Host)
	v.SetDefault("store.port", d.Store.Port)
	v.SetDefault("store.database", d.Store.Database)
	v.SetDefault("store.connect_timeout", d.Store.ConnectTimeout)

	v.SetDefault("source.dir", d.Source.Dir)
	v.SetDefault("source.download", d.Source.Download)
	v.SetDefault("source.base_url", d.Source.BaseURL)
	v.SetDefault("source.archives", d.Source.Archives)
	v.SetDefault("source.attempts", d.Source.Attempts)
	v.SetDefault("source.year", d.Source.Year)
	v.SetDefault("source.all_years", d.Source.AllYears)

	v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	v.SetDefault("pipeline.partitions", d.Pipeline.Partitions)
	v.SetDefault("pipeline.reference_miss", string(d.Pipeline.ReferenceMiss))
	v.SetDefault("pipeline.resume", d.Pipeline.Resume)
	v.SetDefault("pipeline.stages", d.Pipeline.Stages)
	v.SetDefault("pipeline.continue_on_error", d.Pipeline.ContinueOnError)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.development", d.Logging.Development)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)

	v.SetDefault("history.dir", d.History.Dir)
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "mongo", "memory":
	default:
		return errors.Newf(errors.TypeConfig, "unknown store backend %q", c.Store.Backend)
	}
	if c.Pipeline.BatchSize < 1 {
		return errors.Config("pipeline.batch_size must be at least 1")
	}
	if c.Pipeline.Partitions < 1 {
		return errors.Config("pipeline.partitions must be at least 1")
	}
	switch c.Pipeline.ReferenceMiss {
	case ReferenceMissSkip, ReferenceMissFatal:
	default:
		return errors.Newf(errors.TypeConfig, "unknown reference_miss policy %q", c.Pipeline.ReferenceMiss)
	}
	for _, s := range c.Pipeline.Stages {
		if !isStage(s) {
			return errors.Newf(errors.TypeConfig, "unknown stage %q", s)
		}
	}
	if c.Source.Download && c.Source.Attempts < 1 {
		return errors.Config("source.attempts must be at least 1")
	}
	return nil
}

// RunsStage reports whether stage is selected
func (p PipelineConfig) RunsStage(stage string) bool {
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func isStage(s string) bool {
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := c.JSON()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// JSON renders the configuration as indented JSON
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
