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
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/value"
)

const keySep = "\x1f"

// keyIndex maps primary key tuples to the last source row holding them.
type keyIndex struct {
	buckets map[uint64][]keyEntry
}

type keyEntry struct {
	key string
	row int
}

func newKeyIndex() *keyIndex {
	return &keyIndex{buckets: make(map[uint64][]keyEntry)}
}

func (x *keyIndex) put(key string, row int) {
	h := xxhash.Sum64String(key)
	b := x.buckets[h]
	for i := range b {
		if b[i].key == key {
			b[i].row = row
			return
		}
	}
	x.buckets[h] = append(b, keyEntry{key: key, row: row})
}

func (x *keyIndex) has(key string) bool {
	for _, e := range x.buckets[xxhash.Sum64String(key)] {
		if e.key == key {
			return true
		}
	}
	return false
}

func (x *keyIndex) rows() map[int]bool {
	out := make(map[int]bool)
	for _, b := range x.buckets {
		for _, e := range b {
			out[e.row] = true
		}
	}
	return out
}

// rowKey renders the primary key tuple of row i. A null component makes the
// row unmatchable and ok is false.
func rowKey(cols []arrow.Array, i int) (key string, ok bool) {
	parts := make([]string, len(cols))
	for j, c := range cols {
		if c.IsNull(i) {
			return "", false
		}
		parts[j] = value.FromArrow(c, i).String()
	}
	return strings.Join(parts, keySep), true
}

func keyColumns(rec arrow.Record, keys []string) ([]arrow.Array, error) {
	cols := make([]arrow.Array, len(keys))
	for i, k := range keys {
		idx := rec.Schema().FieldIndices(k)
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: chunk has no column %q", ErrPrimaryKeyRequired, k)
		}
		cols[i] = rec.Column(idx[0])
	}
	return cols, nil
}

type mergeResult struct {
	removes []Remove
	adds    []Add
}

// merge upserts rec into tbl keyed on keys: matched rows are replaced by the
// chunk's row, unmatched rows are inserted. When the table is partitioned
// each partition value present in the chunk is merged on its own and all of
// them are committed as one version.
func (w *Writer) merge(ctx context.Context, tbl *Table, rec arrow.Record, keys []string) (*Table, error) {
	if _, err := keyColumns(rec, keys); err != nil {
		return nil, err
	}
	if err := compatible(tbl.Schema(), rec.Schema()); err != nil {
		return nil, err
	}
	target, changed := mergeSchemas(tbl.Schema(), rec.Schema())

	src, err := w.conform(ctx, rec, target)
	if err != nil {
		return nil, err
	}
	defer src.Release()

	var groups []partition.Group
	if tbl.Partitioned() {
		groups, err = partition.Split(ctx, w.mem, src)
		if err != nil {
			return nil, err
		}
	} else {
		src.Retain()
		groups = []partition.Group{{Record: src}}
	}
	defer func() {
		for _, g := range groups {
			g.Record.Release()
		}
	}()

	results := make([]mergeResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, grp := range groups {
		i, grp := i, grp
		files := tbl.Files()
		if tbl.Partitioned() {
			files = tbl.FilesIn(partition.Column, grp.Value)
		}
		g.Go(func() error {
			res, err := w.mergePartition(gctx, grp.Record, files, tbl.PartitionColumns(), target, keys)
			if err != nil {
				return fmt.Errorf("merging partition %q: %w", grp.Value, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		removes []Remove
		adds    []Add
	)
	for _, r := range results {
		removes = append(removes, r.removes...)
		adds = append(adds, r.adds...)
	}
	var meta *Metadata
	if changed {
		m, err := tbl.withSchema(target, tbl.PartitionColumns())
		if err != nil {
			return nil, err
		}
		meta = &m
	}
	return w.commit(ctx, tbl, meta, removes, adds, "MERGE")
}

// mergePartition rewrites the files holding rows matched by src and writes
// the deduplicated source rows as a new file.
func (w *Writer) mergePartition(ctx context.Context, src arrow.Record, files []Add, partCols []string, target *arrow.Schema, keys []string) (mergeResult, error) {
	var res mergeResult

	srcKeys, err := keyColumns(src, keys)
	if err != nil {
		return res, err
	}
	idx := newKeyIndex()
	var unkeyed []int
	for i := 0; i < int(src.NumRows()); i++ {
		if k, ok := rowKey(srcKeys, i); ok {
			idx.put(k, i)
		} else {
			unkeyed = append(unkeyed, i)
		}
	}
	winners := idx.rows()
	for _, i := range unkeyed {
		winners[i] = true
	}

	for _, f := range files {
		rec, err := w.readFile(ctx, f, partCols, target)
		if err != nil {
			return res, err
		}
		kept, touched, err := w.unmatched(ctx, rec, keys, idx)
		rec.Release()
		if err != nil {
			return res, err
		}
		if !touched {
			continue
		}
		res.removes = append(res.removes, w.removeAll([]Add{f}, true)...)
		adds, err := w.writeFiles(ctx, kept, partCols)
		kept.Release()
		if err != nil {
			return res, err
		}
		res.adds = append(res.adds, adds...)
	}

	rows := src
	if len(winners) < int(src.NumRows()) {
		keep := make([]bool, src.NumRows())
		for i := range winners {
			keep[i] = true
		}
		rows, err = filter(ctx, w.mem, src, keep)
		if err != nil {
			return res, err
		}
		defer rows.Release()
	}
	adds, err := w.writeFiles(ctx, rows, partCols)
	if err != nil {
		return res, err
	}
	res.adds = append(res.adds, adds...)
	return res, nil
}

// unmatched returns the rows of rec whose key is not in idx, and whether any
// row matched. kept is nil when nothing matched.
func (w *Writer) unmatched(ctx context.Context, rec arrow.Record, keys []string, idx *keyIndex) (kept arrow.Record, touched bool, err error) {
	cols, err := keyColumns(rec, keys)
	if err != nil {
		return nil, false, err
	}
	keep := make([]bool, rec.NumRows())
	for i := range keep {
		k, ok := rowKey(cols, i)
		keep[i] = !ok || !idx.has(k)
		touched = touched || !keep[i]
	}
	if !touched {
		return nil, false, nil
	}
	kept, err = filter(ctx, w.mem, rec, keep)
	return kept, true, err
}
