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

package source

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	imem "github.com/arrowarc/lakesync/internal/memory"
)

const defaultParquetBatchSize = 64 * 1024

// ParquetFile streams the record batches of a local parquet file.
type ParquetFile struct {
	Info
	Path string
	// BatchSize is the number of rows per record.
	BatchSize int64
	MemoryMap bool
}

// RowsToSync reads the row count from the file footer when no count was
// given.
func (p *ParquetFile) RowsToSync() (int64, bool) {
	if n, ok := p.Info.RowsToSync(); ok {
		return n, ok
	}
	rdr, err := file.OpenParquetFile(p.Path, false)
	if err != nil {
		return 0, false
	}
	defer rdr.Close()
	return rdr.NumRows(), true
}

func (p *ParquetFile) Items(ctx context.Context) (Iterator, error) {
	alloc := imem.GetAllocator()

	rdr, err := file.OpenParquetFile(p.Path, p.MemoryMap)
	if err != nil {
		imem.PutAllocator(alloc)
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	batch := p.BatchSize
	if batch <= 0 {
		batch = defaultParquetBatchSize
	}
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{Parallel: true, BatchSize: batch}, alloc)
	if err != nil {
		imem.PutAllocator(alloc)
		rdr.Close()
		return nil, fmt.Errorf("failed to create Arrow file reader: %w", err)
	}

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		imem.PutAllocator(alloc)
		rdr.Close()
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	return &parquetIterator{rr: rr, rdr: rdr, alloc: alloc}, nil
}

type parquetIterator struct {
	rr    pqarrow.RecordReader
	rdr   *file.Reader
	alloc memory.Allocator
}

func (it *parquetIterator) Next(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.rr.Next() {
		rec := it.rr.Record()
		rec.Retain()
		return rec, nil
	}
	if err := it.rr.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return nil, io.EOF
}

func (it *parquetIterator) Close() error {
	defer imem.PutAllocator(it.alloc)
	it.rr.Release()
	return it.rdr.Close()
}
