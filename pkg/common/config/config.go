// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

// Package config provides configuration utilities.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arrowarc/lakesync/pkg/batcher"
	"github.com/arrowarc/lakesync/pkg/delta"
	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/pipeline"
	"github.com/arrowarc/lakesync/pkg/queue"
	"github.com/arrowarc/lakesync/pkg/storage"
)

type Config struct {
	Storage   storage.BucketConfig `yaml:"storage"`
	Metastore struct {
		Path string `yaml:"path"`
	} `yaml:"metastore"`
	KV struct {
		// Path is a bbolt file. Empty keeps state in memory.
		Path string `yaml:"path"`
	} `yaml:"kv"`
	Kafka    queue.KafkaConfig `yaml:"kafka"`
	Pipeline Settings          `yaml:"pipeline"`
	Billing  struct {
		Limit  int64 `yaml:"limit"`
		Synced int64 `yaml:"synced"`
	} `yaml:"billing"`
	Metrics struct {
		// Textfile receives the prometheus metrics when a command exits.
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
	Schemas  []SchemaConfig `yaml:"schemas"`
	LogLevel string         `yaml:"log_level"`
}

type Settings struct {
	ChunkSize           int           `yaml:"chunk_size"`
	ChunkSizeBytes      int64         `yaml:"chunk_size_bytes"`
	ChannelSize         int           `yaml:"channel_size"`
	MergeConcurrency    int           `yaml:"merge_concurrency"`
	DensePartitionRatio float64       `yaml:"dense_partition_ratio"`
	CompactTargetBytes  int64         `yaml:"compact_target_bytes"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
}

type PartitionConfig struct {
	Keys   []string `yaml:"keys"`
	Mode   string   `yaml:"mode"`
	Format string   `yaml:"format"`
	Count  int      `yaml:"count"`
	Size   int64    `yaml:"size"`
}

// SchemaConfig declares one synced resource and how its source behaves.
type SchemaConfig struct {
	ID                   string            `yaml:"id"`
	OrgID                string            `yaml:"org_id"`
	TeamID               string            `yaml:"team_id"`
	SourceID             string            `yaml:"source_id"`
	Name                 string            `yaml:"name"`
	SyncType             string            `yaml:"sync_type"`
	IncrementalField     string            `yaml:"incremental_field"`
	IncrementalFieldType string            `yaml:"incremental_field_type"`
	SortMode             string            `yaml:"sort_mode"`
	PrimaryKeys          []string          `yaml:"primary_keys"`
	Partition            PartitionConfig   `yaml:"partition"`
	Columns              map[string]string `yaml:"columns"`
	PartialDataLoading   bool              `yaml:"partial_data_loading"`
	Billable             bool              `yaml:"billable"`
	CSV                  CSVConfig         `yaml:"csv"`
	Postgres             *PostgresConfig   `yaml:"postgres"`
}

type CSVConfig struct {
	Delimiter  string   `yaml:"delimiter"`
	NoHeader   bool     `yaml:"no_header"`
	NullValues []string `yaml:"null_values"`
}

// PostgresConfig is the table a schema is read from with --postgres.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	PageSize int    `yaml:"page_size"`
}

// ParseConfig reads the YAML file at configPath. ${VAR} references are
// expanded from the environment first.
func ParseConfig(configPath string) (*Config, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	config.SetDefaults()
	return &config, nil
}

func (c *Config) SetDefaults() {
	if c.Metastore.Path == "" {
		c.Metastore.Path = "lakesync.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	p := &c.Pipeline
	if p.ChunkSize <= 0 {
		p.ChunkSize = batcher.DefaultChunkSize
	}
	if p.ChunkSizeBytes <= 0 {
		p.ChunkSizeBytes = batcher.DefaultChunkSizeBytes
	}
	if p.ChannelSize <= 0 {
		p.ChannelSize = pipeline.DefaultChannelSize
	}
	if p.MergeConcurrency <= 0 {
		p.MergeConcurrency = delta.DefaultMergeConcurrency
	}
	if p.DensePartitionRatio <= 0 {
		p.DensePartitionRatio = partition.DefaultDenseRatio
	}
	if p.CompactTargetBytes <= 0 {
		p.CompactTargetBytes = delta.DefaultCompactFileSize
	}
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = pipeline.DefaultHeartbeatTimeout
	}
	for i := range c.Schemas {
		if c.Schemas[i].SyncType == "" {
			c.Schemas[i].SyncType = "full_refresh"
		}
		if c.Schemas[i].SortMode == "" {
			c.Schemas[i].SortMode = "asc"
		}
	}
}

// Schema returns the schema declared with id.
func (c *Config) Schema(id string) (SchemaConfig, bool) {
	for _, s := range c.Schemas {
		if s.ID == id {
			return s, true
		}
	}
	return SchemaConfig{}, false
}

func (c *Config) Validate() error {
	if err := c.validateSettings(); err != nil {
		return err
	}
	if err := c.validateKafka(); err != nil {
		return err
	}
	return c.validateSchemas()
}

func (c *Config) validateSettings() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level '%s'", c.LogLevel)
	}
	if c.Pipeline.DensePartitionRatio > 1 {
		return fmt.Errorf("dense_partition_ratio must be at most 1")
	}
	if c.Billing.Limit < 0 || c.Billing.Synced < 0 {
		return fmt.Errorf("billing limit and synced rows cannot be negative")
	}
	return nil
}

// validateKafka only checks a configured queue; commands that need one
// check for it themselves.
func (c *Config) validateKafka() error {
	if len(c.Kafka.Brokers) == 0 && c.Kafka.Topic == "" {
		return nil
	}
	return c.Kafka.Validate()
}

func (c *Config) validateSchemas() error {
	seen := make(map[string]bool, len(c.Schemas))
	for _, s := range c.Schemas {
		if s.ID == "" {
			return fmt.Errorf("schema id cannot be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("schema '%s' is declared twice", s.ID)
		}
		seen[s.ID] = true
		if s.TeamID == "" || s.SourceID == "" {
			return fmt.Errorf("schema '%s' must have a team_id and a source_id", s.ID)
		}
		if s.Name == "" {
			return fmt.Errorf("schema '%s' must have a name", s.ID)
		}
		switch s.SyncType {
		case "full_refresh":
		case "incremental", "append":
			if s.IncrementalField == "" {
				return fmt.Errorf("schema '%s' is %s and must have an incremental_field", s.ID, s.SyncType)
			}
			// A postgres table's own primary key is discovered.
			if s.SyncType == "incremental" && len(s.PrimaryKeys) == 0 && s.Postgres == nil {
				return fmt.Errorf("schema '%s' is incremental and must have primary_keys", s.ID)
			}
		default:
			return fmt.Errorf("schema '%s' has unknown sync_type '%s'", s.ID, s.SyncType)
		}
		if s.SortMode != "asc" && s.SortMode != "desc" {
			return fmt.Errorf("schema '%s' has unknown sort_mode '%s'", s.ID, s.SortMode)
		}
		if _, err := s.ColumnTypes(); err != nil {
			return fmt.Errorf("schema '%s': %w", s.ID, err)
		}
		if len([]rune(s.CSV.Delimiter)) > 1 {
			return fmt.Errorf("schema '%s': csv delimiter must be a single character", s.ID)
		}
		if s.Postgres != nil && (s.Postgres.DSN == "" || s.Postgres.Table == "") {
			return fmt.Errorf("schema '%s': postgres needs a dsn and a table", s.ID)
		}
	}
	return nil
}
