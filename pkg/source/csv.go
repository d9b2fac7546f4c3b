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

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/arrowarc/lakesync/pkg/csv"
)

// CSV reads a delimited file. The schema is inferred from the first rows
// and overridden by the column hints. Open is called twice, once to infer
// the schema and once to read.
type CSV struct {
	Info
	Open    func() (io.ReadCloser, error)
	Options csv.ReadOptions
	Mem     memory.Allocator
}

// Schema infers the schema the file is read with.
func (s *CSV) Schema() (*arrow.Schema, error) {
	rc, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Resource, err)
	}
	defer rc.Close()

	inferred, err := csv.InferSchema(rc, s.Options)
	if err != nil {
		return nil, fmt.Errorf("inferring schema of %s: %w", s.Resource, err)
	}
	if len(s.Columns) == 0 {
		return inferred, nil
	}
	fields := inferred.Fields()
	for i, f := range fields {
		if dt, ok := s.Columns[f.Name]; ok {
			fields[i].Type = dt
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

func (s *CSV) Items(context.Context) (Iterator, error) {
	schema, err := s.Schema()
	if err != nil {
		return nil, err
	}
	rc, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Resource, err)
	}
	mem := s.Mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &csvIterator{rc: rc, r: csv.NewReader(rc, schema, mem, s.Options)}, nil
}

type csvIterator struct {
	rc io.ReadCloser
	r  *csv.Reader
}

func (it *csvIterator) Next(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return it.r.Read()
}

func (it *csvIterator) Close() error {
	it.r.Close()
	return it.rc.Close()
}
