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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/arrowarc/lakesync/internal/json"
)

const maxLineSize = 16 << 20

// JSONLines reads one JSON object per line. Numbers are kept as json.Number
// so that decimals keep their digits.
type JSONLines struct {
	Info
	Open func() (io.ReadCloser, error)
}

func (s *JSONLines) Items(context.Context) (Iterator, error) {
	rc, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Resource, err)
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineIterator{rc: rc, sc: sc}, nil
}

type lineIterator struct {
	rc   io.ReadCloser
	sc   *bufio.Scanner
	line int
}

func (it *lineIterator) Next(ctx context.Context) (interface{}, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !it.sc.Scan() {
			if err := it.sc.Err(); err != nil {
				return nil, fmt.Errorf("reading line %d: %w", it.line+1, err)
			}
			return nil, io.EOF
		}
		it.line++
		line := bytes.TrimSpace(it.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row map[string]interface{}
		if err := json.UnmarshalNumber(line, &row); err != nil {
			return nil, fmt.Errorf("decoding line %d: %w", it.line, err)
		}
		return row, nil
	}
}

func (it *lineIterator) Close() error { return it.rc.Close() }
