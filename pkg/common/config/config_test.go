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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/pkg/batcher"
	"github.com/arrowarc/lakesync/pkg/partition"
)

const sample = `
storage:
  type: FILESYSTEM
  config:
    directory: ${LAKESYNC_TEST_DIR}
metastore:
  path: /tmp/meta.db
kafka:
  brokers: [localhost:9092]
  topic: batches
  group_id: loaders
pipeline:
  chunk_size: 1000
  heartbeat_timeout: 90s
schemas:
  - id: s1
    team_id: "7"
    source_id: stripe
    name: Charges
    sync_type: incremental
    incremental_field: created
    incremental_field_type: timestamp
    primary_keys: [id]
    columns:
      amount: decimal(18, 2)
      created: timestamp
`

func TestParseConfig(t *testing.T) {
	t.Setenv("LAKESYNC_TEST_DIR", "/data/lake")
	path := filepath.Join(t.TempDir(), "lakesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "FILESYSTEM", cfg.Storage.Type)
	assert.Equal(t, "/data/lake", cfg.Storage.Config["directory"])
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1000, cfg.Pipeline.ChunkSize)
	assert.Equal(t, int64(batcher.DefaultChunkSizeBytes), cfg.Pipeline.ChunkSizeBytes)
	assert.Equal(t, partition.DefaultDenseRatio, cfg.Pipeline.DensePartitionRatio)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.HeartbeatTimeout)
	assert.Equal(t, "info", cfg.LogLevel)

	s, ok := cfg.Schema("s1")
	require.True(t, ok)
	assert.Equal(t, "asc", s.SortMode)
	types, err := s.ColumnTypes()
	require.NoError(t, err)
	assert.Equal(t, &arrow.Decimal128Type{Precision: 18, Scale: 2}, types["amount"])
	assert.Equal(t, arrow.FixedWidthTypes.Timestamp_us, types["created"])

	_, ok = cfg.Schema("missing")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse([]byte(`schemas: [{id: s1, team_id: "1", source_id: src, name: users}]`))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, base().Validate())

	discovered := base()
	discovered.Schemas[0].SyncType = "incremental"
	discovered.Schemas[0].IncrementalField = "id"
	discovered.Schemas[0].Postgres = &PostgresConfig{DSN: "postgres://localhost/db", Table: "public.users"}
	require.NoError(t, discovered.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"dense ratio", func(c *Config) { c.Pipeline.DensePartitionRatio = 2 }, "dense_partition_ratio"},
		{"kafka topic", func(c *Config) { c.Kafka.Brokers = []string{"b:9092"} }, "topic is required"},
		{"duplicate schema", func(c *Config) { c.Schemas = append(c.Schemas, c.Schemas[0]) }, "declared twice"},
		{"missing name", func(c *Config) { c.Schemas[0].Name = "" }, "must have a name"},
		{"sync type", func(c *Config) { c.Schemas[0].SyncType = "cdc" }, "unknown sync_type"},
		{"incremental field", func(c *Config) { c.Schemas[0].SyncType = "append" }, "incremental_field"},
		{"incremental keys", func(c *Config) {
			c.Schemas[0].SyncType = "incremental"
			c.Schemas[0].IncrementalField = "id"
		}, "primary_keys"},
		{"sort mode", func(c *Config) { c.Schemas[0].SortMode = "random" }, "unknown sort_mode"},
		{"column type", func(c *Config) { c.Schemas[0].Columns = map[string]string{"a": "decimal(5,9)"} }, "out of range"},
		{"csv delimiter", func(c *Config) { c.Schemas[0].CSV.Delimiter = "::" }, "single character"},
		{"postgres table", func(c *Config) { c.Schemas[0].Postgres = &PostgresConfig{DSN: "postgres://localhost/db"} }, "dsn and a table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseType(t *testing.T) {
	dt, err := parseType("Decimal(50,4)")
	require.NoError(t, err)
	assert.Equal(t, &arrow.Decimal256Type{Precision: 50, Scale: 4}, dt)

	_, err = parseType("decimal(10)")
	assert.Error(t, err)
	_, err = parseType("uuid")
	assert.Error(t, err)
}
