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

// Package metastore holds the relational records a sync reads and updates:
// the schema (one synced resource) and the job running it.
package metastore

import (
	"context"
	"errors"
	"time"

	"github.com/arrowarc/lakesync/pkg/storage"
	"github.com/arrowarc/lakesync/pkg/value"
)

var ErrNotFound = errors.New("metastore: record not found")

type SyncType string

const (
	SyncFullRefresh SyncType = "full_refresh"
	SyncIncremental SyncType = "incremental"
	SyncAppend      SyncType = "append"
)

// Partitioning is the partition configuration persisted for a schema once
// it has been decided.
type Partitioning struct {
	Keys   []string `json:"keys"`
	Mode   string   `json:"mode"`
	Format string   `json:"format"`
	Count  int      `json:"count"`
	Size   int64    `json:"size"`
}

type Schema struct {
	ID       string
	TeamID   string
	SourceID string
	Name     string
	SyncType SyncType

	// IncrementalField is the dot separated path of the watermark field.
	IncrementalField     string
	IncrementalFieldType string
	SortMode             string
	LastValue            value.Value
	EarliestValue        value.Value

	Partitioning Partitioning

	// Columns and RowCount describe the table after the last sync.
	Columns  map[string]string
	RowCount int64

	SourceCreatedAt time.Time
	UpdatedAt       time.Time
}

func (s Schema) IsIncremental() bool { return s.SyncType == SyncIncremental }
func (s Schema) IsAppend() bool      { return s.SyncType == SyncAppend }

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID         string
	TeamID     string
	OrgID      string
	SourceID   string
	SchemaID   string
	Status     JobStatus
	Error      string
	RowsSynced int64
	Billable   bool
}

// FolderPath is where the job's tables live in object storage. Every job
// of a source shares the folder so later runs merge into earlier tables.
func (j Job) FolderPath() string {
	return storage.FolderPath(j.TeamID, j.SourceID)
}

type Store interface {
	Schema(ctx context.Context, id string) (Schema, error)
	SaveSchema(ctx context.Context, s Schema) error
	UpdateLastValue(ctx context.Context, schemaID string, v value.Value) error
	UpdateEarliestValue(ctx context.Context, schemaID string, v value.Value) error
	UpdatePartitioning(ctx context.Context, schemaID string, p Partitioning) error
	// ResetSyncConfig clears the persisted partitioning and watermarks of a
	// schema whose table is being rebuilt.
	ResetSyncConfig(ctx context.Context, schemaID string) error
	RecordTableState(ctx context.Context, schemaID string, columns map[string]string, rowCount int64) error

	Job(ctx context.Context, id string) (Job, error)
	SaveJob(ctx context.Context, j Job) error
	AddRowsSynced(ctx context.Context, jobID string, n int64) error
	SetJobStatus(ctx context.Context, jobID string, status JobStatus, msg string) error

	Close() error
}
