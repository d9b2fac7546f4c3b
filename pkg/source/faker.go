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
	"sync"
	"time"

	"github.com/go-faker/faker/v4"

	"github.com/arrowarc/lakesync/internal/json"
	"github.com/arrowarc/lakesync/pkg/value"
)

// Faker generates Rows fake user rows with dense ids and ascending
// updated_at timestamps. The resume cursor is the next id.
type Faker struct {
	Info
	Rows  int64
	Start time.Time
	// PageSize rows are yielded per item.
	PageSize int

	mu    sync.Mutex
	first int64
}

type fakerState struct {
	NextID int64 `json:"next_id"`
}

func NewFaker(resource string, rows int64, start time.Time) *Faker {
	return &Faker{
		Info: Info{
			Resource:     resource,
			Keys:         []string{"id"},
			Sort:         "asc",
			ExpectedRows: rows,
		},
		Rows:     rows,
		Start:    start,
		PageSize: 500,
		first:    1,
	}
}

func (f *Faker) Capabilities() Capabilities {
	c := f.Info.Capabilities()
	c.Resumable = true
	return c
}

func (f *Faker) State(durableRows int64) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Marshal(fakerState{NextID: f.first + durableRows})
}

func (f *Faker) Resume(state json.RawMessage) error {
	var st fakerState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("faker: decoding state: %w", err)
	}
	if st.NextID < 1 {
		return fmt.Errorf("faker: invalid next id %d", st.NextID)
	}
	f.mu.Lock()
	f.first = st.NextID
	f.mu.Unlock()
	return nil
}

func (f *Faker) Items(context.Context) (Iterator, error) {
	f.mu.Lock()
	if f.first < 1 {
		f.first = 1
	}
	start := f.first
	f.mu.Unlock()

	page := f.PageSize
	if page <= 0 {
		page = 500
	}
	return &fakerIterator{f: f, id: start, page: page}, nil
}

type fakerIterator struct {
	f    *Faker
	id   int64
	page int
}

func (it *fakerIterator) Next(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.id > it.f.Rows {
		return nil, io.EOF
	}
	rows := make([]value.Row, 0, it.page)
	for ; it.id <= it.f.Rows && len(rows) < it.page; it.id++ {
		rows = append(rows, value.RowOf(
			"id", it.id,
			"name", faker.Name(),
			"email", faker.Email(),
			"updated_at", it.f.Start.Add(time.Duration(it.id)*time.Second),
		))
	}
	return rows, nil
}

func (it *fakerIterator) Close() error { return nil }
