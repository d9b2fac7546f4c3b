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

// Package watermark tracks the incremental sync cursor across chunks.
package watermark

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arrowarc/lakesync/internal/json"
	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/value"
)

type SortMode string

const (
	SortAsc  SortMode = "asc"
	SortDesc SortMode = "desc"
)

// FieldType selects how incremental field values are coerced before they
// are compared.
type FieldType string

const (
	FieldAny       FieldType = ""
	FieldInteger   FieldType = "integer"
	FieldNumeric   FieldType = "numeric"
	FieldTimestamp FieldType = "timestamp"
	FieldDate      FieldType = "date"
	FieldString    FieldType = "string"
)

// Store persists watermark values for a schema.
type Store interface {
	UpdateLastValue(ctx context.Context, schemaID string, v value.Value) error
	UpdateEarliestValue(ctx context.Context, schemaID string, v value.Value) error
}

type Config struct {
	SchemaID    string
	Incremental bool
	FullRefresh bool
	// Field is the path to the incremental value. Elements after the first
	// traverse a JSON-encoded column.
	Field     []string
	FieldType FieldType
	SortMode  SortMode
	// Resuming seeds the running minimum with PrevEarliest.
	Resuming     bool
	PrevLast     value.Value
	PrevEarliest value.Value
}

// Tracker computes and persists watermark values. Ascending sources persist
// the running maximum after every chunk. Descending sources persist the
// running minimum after every chunk and the maximum only in Finalize.
type Tracker struct {
	cfg    Config
	store  Store
	logger log.Logger

	max value.Value
	min value.Value
}

func NewTracker(cfg Config, store Store, logger log.Logger) *Tracker {
	if cfg.SortMode == "" {
		cfg.SortMode = SortAsc
	}
	t := &Tracker{cfg: cfg, store: store, logger: logging.OrNop(logger)}
	t.max = cfg.PrevLast
	if cfg.Resuming {
		t.min = cfg.PrevEarliest
	}
	return t
}

// Enabled reports whether updates have any effect.
func (t *Tracker) Enabled() bool {
	return t.cfg.Incremental && !t.cfg.FullRefresh && len(t.cfg.Field) > 0
}

// Update folds a durably written chunk into the watermark and persists what
// the sort mode allows. It returns the running (last, earliest) values; both
// are null when tracking is disabled.
func (t *Tracker) Update(ctx context.Context, rec arrow.Record) (last, earliest value.Value, err error) {
	if !t.Enabled() {
		return value.Null(), value.Null(), nil
	}
	chunkMax, chunkMin, err := t.bounds(rec)
	if err != nil {
		return value.Null(), value.Null(), err
	}
	if chunkMax.IsNull() {
		return t.max, t.min, nil
	}

	if t.max.IsNull() || chunkMax.Compare(t.max) > 0 {
		t.max = chunkMax
	}
	if t.min.IsNull() || chunkMin.Compare(t.min) < 0 {
		t.min = chunkMin
	}

	switch t.cfg.SortMode {
	case SortDesc:
		if err := t.store.UpdateEarliestValue(ctx, t.cfg.SchemaID, t.min); err != nil {
			return value.Null(), value.Null(), fmt.Errorf("persisting earliest value: %w", err)
		}
		level.Debug(t.logger).Log("msg", "updated earliest incremental value", "schema_id", t.cfg.SchemaID, "value", t.min)
	default:
		if err := t.store.UpdateLastValue(ctx, t.cfg.SchemaID, t.max); err != nil {
			return value.Null(), value.Null(), fmt.Errorf("persisting last value: %w", err)
		}
		level.Debug(t.logger).Log("msg", "updated last incremental value", "schema_id", t.cfg.SchemaID, "value", t.max)
	}
	return t.max, t.min, nil
}

// Finalize persists the last value of a descending source after the whole
// sync succeeded. It is a no-op for ascending sources.
func (t *Tracker) Finalize(ctx context.Context) error {
	if !t.Enabled() || t.cfg.SortMode != SortDesc || t.max.IsNull() {
		return nil
	}
	if !t.cfg.PrevLast.IsNull() && t.max.Compare(t.cfg.PrevLast) <= 0 {
		return nil
	}
	if err := t.store.UpdateLastValue(ctx, t.cfg.SchemaID, t.max); err != nil {
		return fmt.Errorf("persisting last value: %w", err)
	}
	level.Info(t.logger).Log("msg", "finalized last incremental value", "schema_id", t.cfg.SchemaID, "value", t.max)
	return nil
}

func (t *Tracker) bounds(rec arrow.Record) (hi, lo value.Value, err error) {
	idx := rec.Schema().FieldIndices(t.cfg.Field[0])
	if len(idx) == 0 {
		return value.Null(), value.Null(), fmt.Errorf("watermark: incremental field %q not in chunk", t.cfg.Field[0])
	}
	col := rec.Column(idx[0])
	for i := 0; i < col.Len(); i++ {
		v := Coerce(Resolve(value.FromArrow(col, i), t.cfg.Field[1:]), t.cfg.FieldType)
		if v.IsNull() {
			continue
		}
		if hi.IsNull() || v.Compare(hi) > 0 {
			hi = v
		}
		if lo.IsNull() || v.Compare(lo) < 0 {
			lo = v
		}
	}
	return hi, lo, nil
}

// Resolve walks path into v. String values are decoded as JSON first.
func Resolve(v value.Value, path []string) value.Value {
	for _, key := range path {
		if v.Kind() == value.KindString {
			var decoded interface{}
			if err := json.UnmarshalNumber([]byte(v.Str()), &decoded); err != nil {
				return value.Null()
			}
			v = value.Of(decoded)
		}
		if v.Kind() != value.KindStruct {
			return value.Null()
		}
		v, _ = v.Fields().Get(key)
	}
	return v
}

// Coerce converts v to the comparable form of ft. Values that cannot be
// converted become null.
func Coerce(v value.Value, ft FieldType) value.Value {
	if v.IsNull() {
		return v
	}
	switch ft {
	case FieldInteger:
		switch v.Kind() {
		case value.KindInt:
			return v
		case value.KindString:
			if d, ok := v.AsDecimal(); ok {
				return integerOf(d)
			}
		case value.KindFloat, value.KindDecimal:
			d, _ := v.AsDecimal()
			return integerOf(d)
		}
		return value.Null()
	case FieldNumeric:
		if d, ok := v.AsDecimal(); ok && !d.IsSpecial() {
			return value.Dec(d)
		}
		return value.Null()
	case FieldTimestamp:
		if ts, ok := columnar.AsTime(v); ok {
			return value.Timestamp(ts.UTC())
		}
		return value.Null()
	case FieldDate:
		if ts, ok := columnar.AsTime(v); ok {
			return value.Date(ts)
		}
		return value.Null()
	case FieldString:
		return value.String(strings.TrimSpace(v.String()))
	}
	return v
}

func integerOf(d value.Decimal) value.Value {
	u, _ := d.Rescale(0)
	if u.IsInt64() {
		return value.Int(u.Int64())
	}
	return value.Dec(value.NewDecimal(u, 0))
}
