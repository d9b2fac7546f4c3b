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
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/go-kit/log/level"
	"github.com/thanos-io/objstore"

	"github.com/arrowarc/lakesync/pkg/parquet"
	"github.com/arrowarc/lakesync/pkg/storage"
)

// Finalize compacts small files and vacuums files removed longer than the
// retention window ago. It runs once at the end of a sync.
func (w *Writer) Finalize(ctx context.Context) error {
	tbl, err := w.cache.Get(ctx)
	if errors.Is(err, ErrTableNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tbl, err = w.Compact(ctx, tbl)
	if err != nil {
		return fmt.Errorf("compacting: %w", err)
	}
	w.cache.Set(tbl)
	if _, err := w.Vacuum(ctx, tbl); err != nil {
		return fmt.Errorf("vacuuming: %w", err)
	}
	return nil
}

// Compact rewrites every partition holding more than one small file into a
// single file. The row count of the rewrite is checked against the parquet
// footers of the inputs.
func (w *Writer) Compact(ctx context.Context, tbl *Table) (*Table, error) {
	groups := make(map[string][]Add)
	var order []string
	for _, f := range tbl.Files() {
		if f.Size >= w.compactSize {
			continue
		}
		k := partitionKey(f, tbl.PartitionColumns())
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], f)
	}

	var (
		removes []Remove
		adds    []Add
	)
	for _, k := range order {
		files := groups[k]
		if len(files) < 2 {
			continue
		}
		added, err := w.compactFiles(ctx, tbl, files)
		if err != nil {
			return nil, err
		}
		removes = append(removes, w.removeAll(files, false)...)
		adds = append(adds, added...)
	}
	if len(removes) == 0 {
		return tbl, nil
	}
	for i := range adds {
		adds[i].DataChange = false
	}
	level.Info(w.logger).Log("msg", "compacted table", "removed", len(removes), "added", len(adds))
	return w.commit(ctx, tbl, nil, removes, adds, "OPTIMIZE")
}

func (w *Writer) compactFiles(ctx context.Context, tbl *Table, files []Add) ([]Add, error) {
	recs := make([]arrow.Record, 0, len(files))
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	var expected int64
	for _, f := range files {
		data, err := w.fetch(ctx, f)
		if err != nil {
			return nil, err
		}
		n, err := parquet.RowCount(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTable, f.Path, err)
		}
		expected += n
		rec, err := w.decodeFile(ctx, data, f, tbl.PartitionColumns(), tbl.Schema())
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	merged, err := parquet.Concat(w.mem, tbl.Schema(), recs)
	if err != nil {
		return nil, err
	}
	defer merged.Release()
	if merged.NumRows() != expected {
		return nil, fmt.Errorf("%w: compacted %d rows, footers hold %d", ErrCorruptTable, merged.NumRows(), expected)
	}
	return w.writeFiles(ctx, merged, tbl.PartitionColumns())
}

func partitionKey(f Add, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = f.PartitionValues[c]
	}
	return strings.Join(parts, keySep)
}

// Vacuum deletes the files of remove actions older than the retention window
// and returns how many were deleted.
func (w *Writer) Vacuum(ctx context.Context, tbl *Table) (int, error) {
	cutoff := w.now().Add(-w.retention).UnixMilli()
	paths := make([]string, 0, len(tbl.tombstones))
	for p, r := range tbl.tombstones {
		if r.DeletionTimestamp < cutoff {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	deleted := 0
	for _, p := range paths {
		err := w.bkt.Delete(ctx, path.Join(w.path, p))
		if err != nil && !w.bkt.IsObjNotFoundErr(err) {
			return deleted, fmt.Errorf("deleting %s: %w", p, err)
		}
		if err == nil {
			deleted++
		}
	}
	if deleted > 0 {
		level.Info(w.logger).Log("msg", "vacuumed table", "deleted", deleted)
	}
	return deleted, nil
}

// PrepareQueryFolder copies the live data files into a new timestamped
// query folder and deletes sibling folders older than the query retention.
// It returns the new folder.
func (w *Writer) PrepareQueryFolder(ctx context.Context) (string, error) {
	tbl, err := w.cache.Get(ctx)
	if err != nil {
		return "", err
	}
	now := w.now()
	dst := storage.QueryPath(w.path, now.Unix())
	for _, f := range tbl.Files() {
		if err := storage.Copy(ctx, w.bkt, path.Join(w.path, f.Path), path.Join(dst, f.Path)); err != nil {
			return "", fmt.Errorf("copying %s to query folder: %w", f.Path, err)
		}
	}

	cutoff := now.Add(-w.queryTTL).Unix()
	var stale []string
	err = w.bkt.Iter(ctx, storage.QueryRoot(w.path)+objstore.DirDelim, func(name string) error {
		if !strings.HasSuffix(name, objstore.DirDelim) {
			return nil
		}
		dir := strings.TrimSuffix(name, objstore.DirDelim)
		ts, err := strconv.ParseInt(path.Base(dir), 10, 64)
		if err != nil || dir == dst {
			return nil
		}
		if ts < cutoff {
			stale = append(stale, dir)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	for _, dir := range stale {
		if err := storage.DeletePrefix(ctx, w.bkt, dir); err != nil {
			return "", err
		}
	}
	level.Debug(w.logger).Log("msg", "prepared query folder", "folder", dst, "files", len(tbl.files), "removed", len(stale))
	return dst, nil
}
