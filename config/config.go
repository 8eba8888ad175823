// Package config loads the YAML configuration shared by the trainer and the model server.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Http     HttpConfig     `yaml:"http"`
	Serving  ServingConfig  `yaml:"serving"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type HttpConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	// RateLimit is requests per second across all clients; 0 disables it. /health is exempt.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type ServingConfig struct {
	// ModelCandidates are artifact file paths probed in order; the first that exists wins.
	ModelCandidates     []string `yaml:"model_candidates"`
	ModelVersion        string   `yaml:"model_version"`
	PredictionCacheSize int      `yaml:"prediction_cache_size"`
}

type PipelineConfig struct {
	// DatasetCandidates are dataset file paths probed in order; the first that exists wins.
	DatasetCandidates []string      `yaml:"dataset_candidates"`
	DatasetEncoding   string        `yaml:"dataset_encoding"`
	ModelDir          string        `yaml:"model_dir"`
	TestRatio         float64       `yaml:"test_ratio"`
	Seed              int64         `yaml:"seed"`
	NEstimators       int           `yaml:"n_estimators"`
	MaxDepth          int           `yaml:"max_depth"`
	Handoff           string        `yaml:"handoff"`
	HistoryDB         string        `yaml:"history_db"`
	WatchDebounce     time.Duration `yaml:"watch_debounce"`
}

const (
	HandoffMemory = "memory"
	HandoffSQLite = "sqlite"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Http: HttpConfig{
			Port:           8000,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1 << 20,
		},
		Serving: ServingConfig{
			ModelCandidates: []string{
				"models/model.json",
				"./models/model.json",
				"/opt/airflow/models/model.json",
				"/app/models/model.json",
			},
			ModelVersion:        "1.0.0",
			PredictionCacheSize: 1024,
		},
		Pipeline: PipelineConfig{
			DatasetCandidates: []string{
				"/opt/airflow/data/dataset.csv",
				"./data/dataset.csv",
				"/data/dataset.csv",
				"../data/dataset.csv",
			},
			DatasetEncoding: "utf-8",
			ModelDir:        "models",
			TestRatio:       0.2,
			Seed:            42,
			NEstimators:     100,
			Handoff:         HandoffMemory,
			WatchDebounce:   2 * time.Second,
		},
	}
}

// Load reads path over the defaults. found is false when the file does not exist.
func Load(path string) (cfg *Config, found bool, err error) {
	cfg = Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, true, err
	}
	cfg.applyDefaults()
	return cfg, true, nil
}

// Resolve looks for name in the working directory, then one level up, so binaries
// started from cmd/ still find the repository config.
func Resolve(name string) string {
	if _, err := os.Stat(name); os.IsNotExist(err) {
		parent := filepath.Join("..", name)
		if _, err := os.Stat(parent); err == nil {
			return parent
		}
	}
	return name
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Http.Port == 0 {
		c.Http.Port = def.Http.Port
	}
	if c.Http.Timeout <= 0 {
		c.Http.Timeout = def.Http.Timeout
	}
	if c.Http.MaxBodyBytes <= 0 {
		c.Http.MaxBodyBytes = def.Http.MaxBodyBytes
	}
	if len(c.Serving.ModelCandidates) == 0 {
		c.Serving.ModelCandidates = def.Serving.ModelCandidates
	}
	if c.Serving.ModelVersion == "" {
		c.Serving.ModelVersion = def.Serving.ModelVersion
	}
	if len(c.Pipeline.DatasetCandidates) == 0 {
		c.Pipeline.DatasetCandidates = def.Pipeline.DatasetCandidates
	}
	if c.Pipeline.DatasetEncoding == "" {
		c.Pipeline.DatasetEncoding = def.Pipeline.DatasetEncoding
	}
	if c.Pipeline.ModelDir == "" {
		c.Pipeline.ModelDir = def.Pipeline.ModelDir
	}
	if c.Pipeline.TestRatio <= 0 || c.Pipeline.TestRatio >= 1 {
		c.Pipeline.TestRatio = def.Pipeline.TestRatio
	}
	if c.Pipeline.NEstimators <= 0 {
		c.Pipeline.NEstimators = def.Pipeline.NEstimators
	}
	if c.Pipeline.Handoff == "" {
		c.Pipeline.Handoff = def.Pipeline.Handoff
	}
	if c.Pipeline.WatchDebounce <= 0 {
		c.Pipeline.WatchDebounce = def.Pipeline.WatchDebounce
	}
}
