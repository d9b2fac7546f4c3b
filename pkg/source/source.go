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

// Package source defines the collaborator a sync reads rows from.
package source

import (
	"context"
	"io"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/arrowarc/lakesync/internal/json"
)

// Capabilities are optional behaviours a source opts into.
type Capabilities struct {
	// Resumable sources implement Resumer and can continue from a saved
	// cursor after a worker restart.
	Resumable bool
	// PartialDataLoading exposes a first-sync table for querying after
	// every chunk instead of only at the end of the sync.
	PartialDataLoading bool
}

// PartitionHints are the source's suggested partition settings. Zero
// values mean no hint.
type PartitionHints struct {
	Keys   []string
	Mode   string
	Format string
	Count  int
	Size   int64
}

// Iterator yields items until it returns io.EOF. An item is a
// map[string]interface{}, a value.Row, a slice of either, or an
// arrow.Record. A record is owned by the caller, who releases it.
type Iterator interface {
	Next(ctx context.Context) (interface{}, error)
	Close() error
}

type Source interface {
	// Name is the resource name the table is named after.
	Name() string
	// Items starts a lazy, finite, non-restartable iteration.
	Items(ctx context.Context) (Iterator, error)
	PrimaryKeys() []string
	// SortMode is "asc" or "desc".
	SortMode() string
	HasDuplicatePrimaryKeys() bool
	// RowsToSync is the expected row count, if the source knows it.
	RowsToSync() (int64, bool)
	Partitioning() PartitionHints
	// ColumnHints declares types for columns that may hold only nulls.
	ColumnHints() map[string]arrow.DataType
	Capabilities() Capabilities
}

// Resumer is implemented by resumable sources. State is asked for after
// every durable chunk with the number of rows made durable since Items was
// called, and is handed back to Resume before Items on the next attempt.
type Resumer interface {
	State(durableRows int64) (json.RawMessage, error)
	Resume(state json.RawMessage) error
}

// Info holds the descriptive part of a source and implements every Source
// method except Items.
type Info struct {
	Resource       string
	Keys           []string
	Sort           string
	DuplicateKeys  bool
	ExpectedRows   int64
	Hints          PartitionHints
	Columns        map[string]arrow.DataType
	PartialLoading bool
}

func (i Info) Name() string { return i.Resource }

func (i Info) PrimaryKeys() []string { return i.Keys }

func (i Info) SortMode() string {
	if i.Sort == "" {
		return "asc"
	}
	return i.Sort
}

func (i Info) HasDuplicatePrimaryKeys() bool { return i.DuplicateKeys }

func (i Info) RowsToSync() (int64, bool) { return i.ExpectedRows, i.ExpectedRows > 0 }

func (i Info) Partitioning() PartitionHints { return i.Hints }

func (i Info) ColumnHints() map[string]arrow.DataType { return i.Columns }

func (i Info) Capabilities() Capabilities {
	return Capabilities{PartialDataLoading: i.PartialLoading}
}

// Static serves a fixed list of items.
type Static struct {
	Info
	Data []interface{}
}

func (s *Static) Items(context.Context) (Iterator, error) {
	return &sliceIterator{items: s.Data}, nil
}

type sliceIterator struct {
	items []interface{}
	pos   int
}

func (it *sliceIterator) Next(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.items) {
		return nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	if rec, ok := item.(arrow.Record); ok {
		rec.Retain()
	}
	return item, nil
}

func (it *sliceIterator) Close() error { return nil }
