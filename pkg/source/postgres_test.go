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
	"math"
	"math/big"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/internal/testutil"
	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/value"
)

type fakeRows struct {
	pgx.Rows
	data   [][]any
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.pos-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.data[r.pos-1][i].(string)
		case *int64:
			*p = r.data[r.pos-1][i].(int64)
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Close() { r.closed = true }

type fakeRow struct{ rows *fakeRows }

func (r fakeRow) Scan(dest ...any) error {
	r.rows.Next()
	return r.rows.Scan(dest...)
}

// fakeDB answers the discovery queries and serves table rows.
type fakeDB struct {
	columns [][]any
	pk      [][]any
	count   int64
	dupes   int64
	table   [][]any
	queries []string
	args    [][]any
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.queries = append(db.queries, sql)
	db.args = append(db.args, args)
	switch {
	case strings.Contains(sql, "format_type"):
		return &fakeRows{data: db.columns}, nil
	case strings.Contains(sql, "indisprimary"):
		return &fakeRows{data: db.pk}, nil
	}
	return &fakeRows{data: db.table}, nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.queries = append(db.queries, sql)
	db.args = append(db.args, args)
	n := db.count
	if strings.Contains(sql, "DISTINCT") {
		n = db.dupes
	}
	return fakeRow{rows: &fakeRows{data: [][]any{{n}}}}
}

func ordersDB() *fakeDB {
	return &fakeDB{
		columns: [][]any{{"id", "bigint"}, {"amount", "numeric(10,2)"}, {"created_at", "timestamp with time zone"}},
		pk:      [][]any{{"id"}},
		count:   3,
		table: [][]any{
			{int64(1), pgtype.Numeric{Int: big.NewInt(1250), Exp: -2, Valid: true}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
			{int64(2), nil, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
			{int64(3), pgtype.Numeric{Int: big.NewInt(7), Valid: true}, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func TestPostgresDiscoversTable(t *testing.T) {
	ctx := context.Background()
	db := ordersDB()
	p, err := NewPostgres(ctx, db, Info{Resource: "orders"}, PostgresConfig{
		Table:            "public.orders",
		IncrementalField: "id",
		LastValue:        value.Int(0),
		PageSize:         2,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"id"}, p.PrimaryKeys())
	assert.False(t, p.HasDuplicatePrimaryKeys())
	n, ok := p.RowsToSync()
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	hints := p.ColumnHints()
	assert.Equal(t, arrow.PrimitiveTypes.Int64, hints["id"])
	assert.Equal(t, &arrow.Decimal128Type{Precision: 10, Scale: 2}, hints["amount"])
	assert.Equal(t, columnar.TimestampUS, hints["created_at"])

	items := drain(t, p)
	require.Len(t, items, 2)
	first := items[0].([]value.Row)
	require.Len(t, first, 2)
	amount, _ := first[0].Get("amount")
	assert.Equal(t, "12.50", amount.String())
	amount, _ = first[1].Get("amount")
	assert.True(t, amount.IsNull())
	assert.Len(t, items[1].([]value.Row), 1)

	last := db.queries[len(db.queries)-1]
	assert.Equal(t, `SELECT "id", "amount", "created_at" FROM "public"."orders" WHERE "id" > $1 ORDER BY "id" ASC`, last)
	assert.Equal(t, []any{int64(0)}, db.args[len(db.args)-1])
}

func TestPostgresChecksDeclaredKeys(t *testing.T) {
	db := ordersDB()
	db.dupes = 1
	p, err := NewPostgres(context.Background(), db, Info{Resource: "orders", Keys: []string{"id", "created_at"}, Sort: "desc"},
		PostgresConfig{Table: "orders", IncrementalField: "created_at"})
	require.NoError(t, err)
	assert.True(t, p.HasDuplicatePrimaryKeys())
	for _, q := range db.queries {
		assert.NotContains(t, q, "indisprimary")
	}
	assert.Contains(t, db.queries[len(db.queries)-1], `count(DISTINCT ("id", "created_at"))`)

	q, args, err := p.query()
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "amount", "created_at" FROM "orders" ORDER BY "created_at" DESC`, q)
	assert.Empty(t, args)
}

func TestPostgresRejectsUnknownTable(t *testing.T) {
	_, err := NewPostgres(context.Background(), &fakeDB{}, Info{Resource: "orders"}, PostgresConfig{Table: "orders"})
	assert.ErrorContains(t, err, "has no columns")
}

func TestPgArrowType(t *testing.T) {
	tests := map[string]arrow.DataType{
		"integer":                        arrow.PrimitiveTypes.Int64,
		"double precision":               arrow.PrimitiveTypes.Float64,
		"boolean":                        arrow.FixedWidthTypes.Boolean,
		"date":                           arrow.FixedWidthTypes.Date32,
		"timestamp(3) without time zone": columnar.TimestampUS,
		"time without time zone":         arrow.BinaryTypes.String,
		"numeric(50,4)":                  &arrow.Decimal256Type{Precision: 50, Scale: 4},
		"numeric(12)":                    &arrow.Decimal128Type{Precision: 12, Scale: 0},
		"numeric":                        nil,
		"uuid":                           arrow.BinaryTypes.String,
		"jsonb":                          arrow.BinaryTypes.String,
		"integer[]":                      arrow.BinaryTypes.String,
		"interval":                       arrow.FixedWidthTypes.Duration_us,
		"bytea":                          nil,
	}
	for in, want := range tests {
		assert.Equal(t, want, pgArrowType(in), in)
	}
}

func TestPgValue(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, value.KindDate, pgValue("date", day).Kind())
	assert.Equal(t, value.KindTimestamp, pgValue("timestamp without time zone", day).Kind())

	u := [16]byte{0x12, 0x34}
	assert.Equal(t, "12340000-0000-0000-0000-000000000000", pgValue("uuid", u).Str())
	assert.Equal(t, "10.0.0.1", pgValue("inet", netip.MustParsePrefix("10.0.0.1/32")).Str())
	assert.Equal(t, "10.0.0.0/8", pgValue("cidr", netip.MustParsePrefix("10.0.0.0/8")).Str())

	clock := pgtype.Time{Microseconds: int64(13*time.Hour+5*time.Minute) / 1000, Valid: true}
	assert.Equal(t, "13:05:00", pgValue("time", clock).Str())
	iv := pgtype.Interval{Days: 1, Microseconds: 1_000_000, Valid: true}
	assert.Equal(t, 24*time.Hour+time.Second, pgValue("interval", iv).Duration())

	assert.True(t, math.IsNaN(pgValue("numeric", pgtype.Numeric{NaN: true, Valid: true}).Float()))
	assert.True(t, pgValue("numeric", pgtype.Numeric{}).IsNull())
	wide := pgValue("numeric", pgtype.Numeric{Int: new(big.Int).Lsh(big.NewInt(1), 100), Exp: -3, Valid: true})
	assert.Empty(t, testutil.Diff(new(big.Int).Lsh(big.NewInt(1), 100), wide.BigInt()))
	assert.Equal(t, int32(3), wide.Decimal().Scale())
	assert.Equal(t, value.KindInt, pgValue("bigint", int64(3)).Kind())
}

func TestQueryArg(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	arg, err := queryArg(value.Timestamp(ts))
	require.NoError(t, err)
	assert.Equal(t, ts, arg)

	d, err := value.ParseDecimal("1.50")
	require.NoError(t, err)
	arg, err = queryArg(value.Dec(d))
	require.NoError(t, err)
	assert.Equal(t, "1.50", arg)

	_, err = queryArg(value.List(nil))
	assert.Error(t, err)
}
