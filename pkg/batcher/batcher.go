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

// Package batcher accumulates source items into columnar chunks.
package batcher

import (
	"errors"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/arrowarc/lakesync/pkg/value"
)

const (
	DefaultChunkSize      = 5000
	DefaultChunkSizeBytes = 200 * 1024 * 1024
)

var (
	// ErrPendingTable is returned by Batch while a materialized chunk has
	// not been drained with Table.
	ErrPendingTable = errors.New("batcher: pending table must be drained before batching more items")
	// ErrBufferedRows is returned when a prebuilt record arrives while rows
	// are still buffered.
	ErrBufferedRows = errors.New("batcher: cannot batch a record while rows are buffered")
	// ErrEmpty is returned by Table when nothing has been batched.
	ErrEmpty = errors.New("batcher: no table available")
)

// BuildFunc materializes buffered rows into one record.
type BuildFunc func(rows []value.Row) (arrow.Record, error)

type Options struct {
	ChunkSize      int
	ChunkSizeBytes int64
	Build          BuildFunc
}

// Batcher buffers rows until a row-count or byte-size threshold is crossed.
// It is not safe for concurrent use.
type Batcher struct {
	chunkSize      int
	chunkSizeBytes int64
	build          BuildFunc

	buffer      []value.Row
	bufferBytes int64
	pending     arrow.Record
}

func New(opts Options) *Batcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSizeBytes <= 0 {
		opts.ChunkSizeBytes = DefaultChunkSizeBytes
	}
	return &Batcher{
		chunkSize:      opts.ChunkSize,
		chunkSizeBytes: opts.ChunkSizeBytes,
		build:          opts.Build,
	}
}

// Batch accepts a row (value.Row or map[string]interface{}), a slice of
// rows, or a prebuilt arrow.Record. A record is retained and becomes the
// pending table immediately.
func (b *Batcher) Batch(item interface{}) error {
	if b.pending != nil {
		return ErrPendingTable
	}

	switch it := item.(type) {
	case arrow.Record:
		if len(b.buffer) > 0 {
			return ErrBufferedRows
		}
		it.Retain()
		b.pending = it
		return nil
	case value.Row:
		return b.addRow(it)
	case map[string]interface{}:
		return b.addRow(value.NewRow(it))
	case []value.Row:
		return b.addRows(it)
	case []map[string]interface{}:
		rows := make([]value.Row, len(it))
		for i, m := range it {
			rows[i] = value.NewRow(m)
		}
		return b.addRows(rows)
	case []interface{}:
		rows := make([]value.Row, 0, len(it))
		for _, e := range it {
			v := value.Of(e)
			if v.Kind() != value.KindStruct {
				return fmt.Errorf("batcher: unsupported item element %T", e)
			}
			rows = append(rows, v.Fields())
		}
		return b.addRows(rows)
	}
	return fmt.Errorf("batcher: unsupported item %T", item)
}

func (b *Batcher) addRow(row value.Row) error {
	b.buffer = append(b.buffer, row)
	b.bufferBytes += EstimateSize(row)
	return b.maybeFlush()
}

func (b *Batcher) addRows(rows []value.Row) error {
	var size int64
	for _, r := range rows {
		size += EstimateSize(r)
	}
	if len(b.buffer) == 0 && b.exceeds(len(rows), size) {
		return b.materialize(rows)
	}
	b.buffer = append(b.buffer, rows...)
	b.bufferBytes += size
	return b.maybeFlush()
}

func (b *Batcher) exceeds(n int, size int64) bool {
	return n >= b.chunkSize || size >= b.chunkSizeBytes
}

func (b *Batcher) maybeFlush() error {
	if !b.exceeds(len(b.buffer), b.bufferBytes) {
		return nil
	}
	rows := b.buffer
	b.buffer, b.bufferBytes = nil, 0
	return b.materialize(rows)
}

func (b *Batcher) materialize(rows []value.Row) error {
	if b.build == nil {
		return errors.New("batcher: no build function configured")
	}
	rec, err := b.build(rows)
	if err != nil {
		return fmt.Errorf("batcher: building chunk of %d rows: %w", len(rows), err)
	}
	b.pending = rec
	return nil
}

// ShouldYield reports whether a chunk is ready. With includeIncomplete a
// non-empty buffer also counts, which is how the remainder is flushed at the
// end of a source.
func (b *Batcher) ShouldYield(includeIncomplete bool) bool {
	if b.pending != nil {
		return true
	}
	return includeIncomplete && len(b.buffer) > 0
}

// Table returns the pending chunk, or materializes the leftover buffer. The
// caller owns the returned record.
func (b *Batcher) Table() (arrow.Record, error) {
	if b.pending != nil {
		rec := b.pending
		b.pending = nil
		return rec, nil
	}
	if len(b.buffer) == 0 {
		return nil, ErrEmpty
	}
	rows := b.buffer
	b.buffer, b.bufferBytes = nil, 0
	if err := b.materialize(rows); err != nil {
		return nil, err
	}
	rec := b.pending
	b.pending = nil
	return rec, nil
}

// Buffered returns the number of rows waiting in the buffer.
func (b *Batcher) Buffered() int { return len(b.buffer) }

// Release drops any pending record and buffered rows.
func (b *Batcher) Release() {
	if b.pending != nil {
		b.pending.Release()
		b.pending = nil
	}
	b.buffer, b.bufferBytes = nil, 0
}
