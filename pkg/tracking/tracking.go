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

// Package tracking keeps the per-team counters of rows that running syncs
// are about to write and the resumable checkpoints of sources.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/arrowarc/lakesync/internal/json"
	"github.com/arrowarc/lakesync/pkg/kv"
)

const (
	RowTrackingTTL = 7 * 24 * time.Hour
	CheckpointTTL  = 24 * time.Hour
)

// RowTracker counts pending rows per schema in one hash per team. Counters
// only change through atomic increments.
type RowTracker struct {
	store kv.Store
}

func NewRowTracker(store kv.Store) *RowTracker {
	return &RowTracker{store: store}
}

func rowTrackingKey(teamID string) string {
	return "row_tracking:" + teamID
}

// Register adds rows expected for schemaID to the team's pending total.
func (r *RowTracker) Register(ctx context.Context, teamID, schemaID string, rows int64) error {
	key := rowTrackingKey(teamID)
	if _, err := r.store.HIncrBy(ctx, key, schemaID, rows); err != nil {
		return fmt.Errorf("registering rows for %s: %w", schemaID, err)
	}
	return r.store.Expire(ctx, key, RowTrackingTTL)
}

// Decrement removes rows that have been written, or are no longer coming.
// The counter never goes below zero.
func (r *RowTracker) Decrement(ctx context.Context, teamID, schemaID string, rows int64) error {
	if rows <= 0 {
		return nil
	}
	key := rowTrackingKey(teamID)
	n, err := r.store.HIncrBy(ctx, key, schemaID, -rows)
	if err != nil {
		return fmt.Errorf("decrementing rows for %s: %w", schemaID, err)
	}
	if n <= 0 {
		return r.store.HDel(ctx, key, schemaID)
	}
	return nil
}

// Finish clears whatever is left for schemaID.
func (r *RowTracker) Finish(ctx context.Context, teamID, schemaID string) error {
	return r.store.HDel(ctx, rowTrackingKey(teamID), schemaID)
}

// Pending returns the rows in flight across all schemas of a team.
func (r *RowTracker) Pending(ctx context.Context, teamID string) (int64, error) {
	all, err := r.store.HGetAll(ctx, rowTrackingKey(teamID))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range all {
		if n > 0 {
			total += n
		}
	}
	return total, nil
}

// Checkpoint is the resumable state a source persists between attempts.
type Checkpoint struct {
	State     json.RawMessage `json:"state"`
	Chunk     int             `json:"chunk"`
	RowsSoFar int64           `json:"rows_so_far"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Checkpoints stores one Checkpoint per team and job.
type Checkpoints struct {
	store kv.Store
	now   func() time.Time
}

func NewCheckpoints(store kv.Store) *Checkpoints {
	return &Checkpoints{store: store, now: time.Now}
}

func checkpointKey(teamID, jobID string) string {
	return fmt.Sprintf("resumable_source:%s:%s", teamID, jobID)
}

func (c *Checkpoints) Load(ctx context.Context, teamID, jobID string) (Checkpoint, bool, error) {
	raw, ok, err := c.store.Get(ctx, checkpointKey(teamID, jobID))
	if err != nil || !ok {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return cp, true, nil
}

func (c *Checkpoints) Save(ctx context.Context, teamID, jobID string, cp Checkpoint) error {
	cp.UpdatedAt = c.now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, checkpointKey(teamID, jobID), raw, CheckpointTTL)
}

func (c *Checkpoints) Clear(ctx context.Context, teamID, jobID string) error {
	return c.store.Delete(ctx, checkpointKey(teamID, jobID))
}
