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
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arrowarc/lakesync/pkg/value"
)

const defaultPageSize = 1000

// Querier is the part of a pgx pool or connection a Postgres source uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresConfig struct {
	// Table is "table" or "schema.table".
	Table string
	// IncrementalField orders the rows and, with LastValue, filters the
	// rows already synced.
	IncrementalField string
	LastValue        value.Value
	// PageSize is the number of rows per item.
	PageSize int
}

type pgColumn struct {
	name string
	typ  string
}

// Postgres reads a table page by page.
type Postgres struct {
	Info
	cfg     PostgresConfig
	db      Querier
	pool    *pgxpool.Pool
	columns []pgColumn
}

// OpenPostgres connects to dsn and discovers the table.
func OpenPostgres(ctx context.Context, dsn string, info Info, cfg PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	p, err := NewPostgres(ctx, pool, info, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// NewPostgres discovers the table's columns, its primary key when info
// declares none, the number of rows to sync, and whether the keys are
// duplicated.
func NewPostgres(ctx context.Context, db Querier, info Info, cfg PostgresConfig) (*Postgres, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	p := &Postgres{Info: info, cfg: cfg, db: db}
	table := p.table()

	rows, err := db.Query(ctx, `SELECT a.attname, format_type(a.atttypid, a.atttypmod)
FROM pg_attribute a
WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`, table)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	p.columns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (pgColumn, error) {
		var c pgColumn
		err := row.Scan(&c.name, &c.typ)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	if len(p.columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}

	declared := len(p.Keys) > 0
	if !declared {
		rows, err := db.Query(ctx, `SELECT a.attname
FROM pg_index i JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey, a.attnum)`, table)
		if err != nil {
			return nil, fmt.Errorf("reading primary key of %s: %w", table, err)
		}
		if p.Keys, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
			return nil, fmt.Errorf("reading primary key of %s: %w", table, err)
		}
	}

	if p.Columns == nil {
		p.Columns = make(map[string]arrow.DataType, len(p.columns))
	}
	for _, c := range p.columns {
		if _, ok := p.Columns[c.name]; ok {
			continue
		}
		if dt := pgArrowType(c.typ); dt != nil {
			p.Columns[c.name] = dt
		}
	}

	where, args, err := p.filter()
	if err != nil {
		return nil, err
	}
	if p.ExpectedRows == 0 {
		if err := db.QueryRow(ctx, "SELECT count(*) FROM "+table+where, args...).Scan(&p.ExpectedRows); err != nil {
			return nil, fmt.Errorf("counting rows of %s: %w", table, err)
		}
	}
	// A table's own primary key is unique.
	if declared && p.ExpectedRows > 0 {
		var dupes int64
		keys := quoteAll(p.Keys)
		q := fmt.Sprintf("SELECT count(*) - count(DISTINCT (%s)) FROM %s%s", strings.Join(keys, ", "), table, where)
		if len(keys) == 1 {
			q = fmt.Sprintf("SELECT count(*) - count(DISTINCT %s) FROM %s%s", keys[0], table, where)
		}
		if err := db.QueryRow(ctx, q, args...).Scan(&dupes); err != nil {
			return nil, fmt.Errorf("checking primary keys of %s: %w", table, err)
		}
		p.DuplicateKeys = dupes > 0
	}
	return p, nil
}

// Close closes the pool opened by OpenPostgres.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) table() string {
	return splitTable(p.cfg.Table).Sanitize()
}

func (p *Postgres) filter() (string, []any, error) {
	if p.cfg.IncrementalField == "" || p.cfg.LastValue.IsNull() {
		return "", nil, nil
	}
	arg, err := queryArg(p.cfg.LastValue)
	if err != nil {
		return "", nil, err
	}
	return " WHERE " + pgx.Identifier{p.cfg.IncrementalField}.Sanitize() + " > $1", []any{arg}, nil
}

func (p *Postgres) query() (string, []any, error) {
	where, args, err := p.filter()
	if err != nil {
		return "", nil, err
	}
	names := make([]string, len(p.columns))
	for i, c := range p.columns {
		names[i] = c.name
	}
	q := "SELECT " + strings.Join(quoteAll(names), ", ") + " FROM " + p.table() + where
	if p.cfg.IncrementalField != "" {
		dir := "ASC"
		if p.SortMode() == "desc" {
			dir = "DESC"
		}
		q += " ORDER BY " + pgx.Identifier{p.cfg.IncrementalField}.Sanitize() + " " + dir
	}
	return q, args, nil
}

func (p *Postgres) Items(ctx context.Context) (Iterator, error) {
	q, args, err := p.query()
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", p.table(), err)
	}
	return &pgIterator{rows: rows, columns: p.columns, page: p.cfg.PageSize}, nil
}

// pgRows is the part of pgx.Rows the iterator reads.
type pgRows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

type pgIterator struct {
	rows    pgRows
	columns []pgColumn
	page    int
	done    bool
}

func (it *pgIterator) Next(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.done {
		return nil, io.EOF
	}
	out := make([]value.Row, 0, it.page)
	for len(out) < it.page {
		if !it.rows.Next() {
			it.done = true
			if err := it.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		vals, err := it.rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(value.Row, len(it.columns))
		for i, c := range it.columns {
			var x interface{}
			if i < len(vals) {
				x = vals[i]
			}
			row[i] = value.Field{Name: c.name, Value: pgValue(c.typ, x)}
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (it *pgIterator) Close() error {
	it.rows.Close()
	return it.rows.Err()
}

// splitTable converts "schema.table" into an identifier.
func splitTable(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			id = append(id, p)
		}
	}
	return id
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return out
}
