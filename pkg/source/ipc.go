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

	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// IPCStream reads record batches in the Arrow IPC stream format.
type IPCStream struct {
	Info
	Open func() (io.ReadCloser, error)
	Mem  memory.Allocator
}

func (s *IPCStream) Items(context.Context) (Iterator, error) {
	rc, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Resource, err)
	}
	mem := s.Mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	reader, err := ipc.NewReader(rc, ipc.WithAllocator(mem))
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	return &ipcIterator{rc: rc, reader: reader}, nil
}

type ipcIterator struct {
	rc     io.ReadCloser
	reader *ipc.Reader
}

func (it *ipcIterator) Next(ctx context.Context) (interface{}, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !it.reader.Next() {
			if err := it.reader.Err(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("error reading IPC stream: %w", err)
			}
			return nil, io.EOF
		}
		rec := it.reader.Record()
		if rec == nil || rec.NumRows() == 0 {
			continue
		}
		rec.Retain()
		return rec, nil
	}
}

func (it *ipcIterator) Close() error {
	it.reader.Release()
	return it.rc.Close()
}
