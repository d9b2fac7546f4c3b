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

package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/pkg/kv"
)

func TestRowTracker(t *testing.T) {
	ctx := context.Background()
	r := NewRowTracker(kv.NewMemory())

	require.NoError(t, r.Register(ctx, "t1", "s1", 1000))
	require.NoError(t, r.Register(ctx, "t1", "s2", 500))
	require.NoError(t, r.Register(ctx, "t2", "s3", 7))

	n, err := r.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), n)

	require.NoError(t, r.Decrement(ctx, "t1", "s1", 400))
	require.NoError(t, r.Decrement(ctx, "t1", "s2", 900))
	n, err = r.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), n)

	require.NoError(t, r.Finish(ctx, "t1", "s1"))
	n, err = r.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRowTrackingExpires(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }
	r := NewRowTracker(store)

	require.NoError(t, r.Register(ctx, "t1", "s1", 10))
	now = now.Add(RowTrackingTTL)
	n, err := r.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }
	c := NewCheckpoints(store)
	c.now = store.Now

	_, ok, err := c.Load(ctx, "t1", "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, "t1", "j1", Checkpoint{State: []byte(`{"page":3}`), Chunk: 2, RowsSoFar: 10000}))
	cp, ok, err := c.Load(ctx, "t1", "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"page":3}`, string(cp.State))
	assert.Equal(t, 2, cp.Chunk)
	assert.Equal(t, int64(10000), cp.RowsSoFar)
	assert.True(t, now.Equal(cp.UpdatedAt))

	now = now.Add(CheckpointTTL)
	_, ok, err = c.Load(ctx, "t1", "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, "t1", "j1", Checkpoint{Chunk: 1}))
	require.NoError(t, c.Clear(ctx, "t1", "j1"))
	_, ok, err = c.Load(ctx, "t1", "j1")
	require.NoError(t, err)
	assert.False(t, ok)
}
