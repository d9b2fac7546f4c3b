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

// Package delta stores chunks in a Delta Lake table on object storage: a
// transaction log of JSON commits next to parquet data files, written by a
// single writer per table.
package delta

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/google/uuid"
	"github.com/thanos-io/objstore"

	"github.com/arrowarc/lakesync/internal/json"
)

var (
	ErrTableNotFound      = errors.New("delta: table does not exist")
	ErrCorruptTable       = errors.New("delta: table state is corrupt")
	ErrSchemaMismatch     = errors.New("delta: schema mismatch")
	ErrPrimaryKeyRequired = errors.New("delta: primary key required")
	ErrConcurrentWrite    = errors.New("delta: concurrent write")
)

const (
	readerVersion = 1
	writerVersion = 2
)

// Table is an immutable snapshot of a table at one version.
type Table struct {
	path       string
	version    int64
	meta       Metadata
	schema     *arrow.Schema
	files      map[string]Add
	tombstones map[string]Remove
}

// Load replays the log under path. It returns ErrTableNotFound when no
// commit exists and ErrCorruptTable when the log cannot be replayed.
func Load(ctx context.Context, bkt objstore.BucketReader, path string) (*Table, error) {
	vs, err := versions(ctx, bkt, path)
	if err != nil {
		return nil, fmt.Errorf("listing commits of %s: %w", path, err)
	}
	if len(vs) == 0 {
		return nil, ErrTableNotFound
	}
	t := &Table{
		path:       path,
		version:    -1,
		files:      make(map[string]Add),
		tombstones: make(map[string]Remove),
	}
	for i, v := range vs {
		if v != int64(i) {
			return nil, fmt.Errorf("%w: missing commit %d", ErrCorruptTable, i)
		}
		actions, err := readCommit(ctx, bkt, path, v)
		if err != nil {
			if bkt.IsObjNotFoundErr(err) {
				return nil, fmt.Errorf("%w: commit %d vanished", ErrCorruptTable, v)
			}
			if errors.Is(err, ctx.Err()) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: commit %d: %v", ErrCorruptTable, v, err)
		}
		if err := t.apply(v, actions); err != nil {
			return nil, err
		}
	}
	if t.schema == nil {
		return nil, fmt.Errorf("%w: no metadata in log", ErrCorruptTable)
	}
	return t, nil
}

func (t *Table) apply(version int64, actions []Action) error {
	for _, a := range actions {
		switch {
		case a.MetaData != nil:
			s, err := decodeSchema(a.MetaData.SchemaString)
			if err != nil {
				return err
			}
			t.meta = *a.MetaData
			t.schema = s
		case a.Add != nil:
			t.files[a.Add.Path] = *a.Add
			delete(t.tombstones, a.Add.Path)
		case a.Remove != nil:
			delete(t.files, a.Remove.Path)
			t.tombstones[a.Remove.Path] = *a.Remove
		}
	}
	t.version = version
	return nil
}

func (t *Table) Path() string               { return t.path }
func (t *Table) Version() int64             { return t.version }
func (t *Table) ID() string                 { return t.meta.ID }
func (t *Table) Schema() *arrow.Schema      { return t.schema }
func (t *Table) PartitionColumns() []string { return t.meta.PartitionColumns }

func (t *Table) Partitioned() bool{ return len(t.meta.PartitionColumns) > 0 }

// Files returns the live data files ordered by path.
func (t *Table) Files() []Add {
	out := make([]Add, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// FilesIn returns the live data files of one partition value.
func (t *Table) FilesIn(column, partitionValue string) []Add {
	var out []Add
	for _, f := range t.Files() {
		if f.PartitionValues[column] == partitionValue {
			out = append(out, f)
		}
	}
	return out
}

// NumRows sums the row counts recorded in file statistics.
func (t *Table) NumRows() int64 {
	var n int64
	for _, f := range t.files {
		n += statsRows(f)
	}
	return n
}

func statsRows(f Add) int64 {
	if f.Stats == "" {
		return 0
	}
	var s Stats
	if err := json.Unmarshal([]byte(f.Stats), &s); err != nil {
		return 0
	}
	return s.NumRecords
}

// Create commits version 0 of a new table with schema s.
func Create(ctx context.Context, bkt objstore.Bucket, path string, s *arrow.Schema, partitionColumns []string, now time.Time) (*Table, error) {
	meta, err := newMetadata(s, partitionColumns, now)
	if err != nil {
		return nil, err
	}
	actions := []Action{
		{Protocol: &Protocol{MinReaderVersion: readerVersion, MinWriterVersion: writerVersion}},
		{MetaData: &meta},
		{CommitInfo: &CommitInfo{Timestamp: now.UnixMilli(), Operation: "CREATE TABLE"}},
	}
	if err := writeCommit(ctx, bkt, path, 0, actions); err != nil {
		return nil, err
	}
	t := &Table{path: path, version: -1, files: make(map[string]Add), tombstones: make(map[string]Remove)}
	if err := t.apply(0, actions); err != nil {
		return nil, err
	}
	return t, nil
}

func newMetadata(s *arrow.Schema, partitionColumns []string, now time.Time) (Metadata, error) {
	str, err := encodeSchema(s)
	if err != nil {
		return Metadata{}, err
	}
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	return Metadata{
		ID:               uuid.NewString(),
		Format:           Format{Provider: "parquet", Options: map[string]string{}},
		SchemaString:     str,
		PartitionColumns: partitionColumns,
		Configuration:    map[string]string{},
		CreatedTime:      now.UnixMilli(),
	}, nil
}

// withSchema returns a metadata action for s that keeps the table id.
func (t *Table) withSchema(s *arrow.Schema, partitionColumns []string) (Metadata, error) {
	str, err := encodeSchema(s)
	if err != nil {
		return Metadata{}, err
	}
	m := t.meta
	m.SchemaString = str
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	m.PartitionColumns = partitionColumns
	return m, nil
}
