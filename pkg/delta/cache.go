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

package delta

import (
	"context"
	"sync"

	"github.com/thanos-io/objstore"
)

// handleCache holds the latest loaded snapshot of one table.
type handleCache struct {
	mu    sync.Mutex
	bkt   objstore.BucketReader
	path  string
	table *Table
}

func newHandleCache(bkt objstore.BucketReader, path string) *handleCache {
	return &handleCache{bkt: bkt, path: path}
}

// Get returns the cached snapshot, loading it on first use.
func (c *handleCache) Get(ctx context.Context) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table != nil {
		return c.table, nil
	}
	t, err := Load(ctx, c.bkt, c.path)
	if err != nil {
		return nil, err
	}
	c.table = t
	return t, nil
}

func (c *handleCache) Set(t *Table) {
	c.mu.Lock()
	c.table = t
	c.mu.Unlock()
}

func (c *handleCache) Invalidate() {
	c.mu.Lock()
	c.table = nil
	c.mu.Unlock()
}
