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

package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arrowarc/lakesync/internal/json"
	"github.com/arrowarc/lakesync/pkg/value"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schemas (
	id                     TEXT PRIMARY KEY,
	team_id                TEXT NOT NULL DEFAULT '',
	source_id              TEXT NOT NULL DEFAULT '',
	name                   TEXT NOT NULL DEFAULT '',
	sync_type              TEXT NOT NULL DEFAULT 'full_refresh',
	incremental_field      TEXT NOT NULL DEFAULT '',
	incremental_field_type TEXT NOT NULL DEFAULT '',
	sort_mode              TEXT NOT NULL DEFAULT 'asc',
	last_value             TEXT NOT NULL DEFAULT '',
	earliest_value         TEXT NOT NULL DEFAULT '',
	partitioning           TEXT NOT NULL DEFAULT '{}',
	columns                TEXT NOT NULL DEFAULT '{}',
	row_count              INTEGER NOT NULL DEFAULT 0,
	source_created_at      INTEGER NOT NULL DEFAULT 0,
	updated_at             INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	team_id     TEXT NOT NULL DEFAULT '',
	org_id      TEXT NOT NULL DEFAULT '',
	source_id   TEXT NOT NULL DEFAULT '',
	schema_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	rows_synced INTEGER NOT NULL DEFAULT 0,
	billable    INTEGER NOT NULL DEFAULT 1
);`

// SQLiteStore is a Store on a sqlite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database at dsn, ":memory:" included, and creates
// the tables.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metastore: %w", err)
	}
	// a single connection keeps in-memory databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metastore tables: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStore) Schema(ctx context.Context, id string) (Schema, error) {
	var (
		sc                       Schema
		syncType                 string
		last, earliest           string
		partitioning, columns    string
		sourceCreated, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, source_id, name, sync_type, incremental_field, incremental_field_type,
		       sort_mode, last_value, earliest_value, partitioning, columns, row_count,
		       source_created_at, updated_at
		FROM schemas WHERE id = ?`, id).Scan(
		&sc.ID, &sc.TeamID, &sc.SourceID, &sc.Name, &syncType, &sc.IncrementalField, &sc.IncrementalFieldType,
		&sc.SortMode, &last, &earliest, &partitioning, &columns, &sc.RowCount,
		&sourceCreated, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, fmt.Errorf("%w: schema %s", ErrNotFound, id)
	}
	if err != nil {
		return Schema{}, err
	}
	sc.SyncType = SyncType(syncType)
	if sc.LastValue, err = DecodeValue(last); err != nil {
		return Schema{}, err
	}
	if sc.EarliestValue, err = DecodeValue(earliest); err != nil {
		return Schema{}, err
	}
	if err := json.Unmarshal([]byte(partitioning), &sc.Partitioning); err != nil {
		return Schema{}, fmt.Errorf("decoding partitioning: %w", err)
	}
	if err := json.Unmarshal([]byte(columns), &sc.Columns); err != nil {
		return Schema{}, fmt.Errorf("decoding columns: %w", err)
	}
	sc.SourceCreatedAt = fromUnixMilli(sourceCreated)
	sc.UpdatedAt = fromUnixMilli(updatedAt)
	return sc, nil
}

func (s *SQLiteStore) SaveSchema(ctx context.Context, sc Schema) error {
	last, err := EncodeValue(sc.LastValue)
	if err != nil {
		return err
	}
	earliest, err := EncodeValue(sc.EarliestValue)
	if err != nil {
		return err
	}
	partitioning, err := json.Marshal(sc.Partitioning)
	if err != nil {
		return err
	}
	if sc.Columns == nil {
		sc.Columns = map[string]string{}
	}
	columns, err := json.Marshal(sc.Columns)
	if err != nil {
		return err
	}
	if sc.SyncType == "" {
		sc.SyncType = SyncFullRefresh
	}
	if sc.SortMode == "" {
		sc.SortMode = "asc"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schemas (id, team_id, source_id, name, sync_type, incremental_field, incremental_field_type,
		                     sort_mode, last_value, earliest_value, partitioning, columns, row_count,
		                     source_created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_id = excluded.team_id, source_id = excluded.source_id, name = excluded.name,
			sync_type = excluded.sync_type, incremental_field = excluded.incremental_field,
			incremental_field_type = excluded.incremental_field_type, sort_mode = excluded.sort_mode,
			last_value = excluded.last_value, earliest_value = excluded.earliest_value,
			partitioning = excluded.partitioning, columns = excluded.columns, row_count = excluded.row_count,
			source_created_at = excluded.source_created_at, updated_at = excluded.updated_at`,
		sc.ID, sc.TeamID, sc.SourceID, sc.Name, string(sc.SyncType), sc.IncrementalField, sc.IncrementalFieldType,
		sc.SortMode, last, earliest, string(partitioning), string(columns), sc.RowCount,
		unixMilli(sc.SourceCreatedAt), unixMilli(s.now()))
	return err
}

// update runs a single-row update and reports ErrNotFound when no row matched.
func (s *SQLiteStore) update(ctx context.Context, what, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

func (s *SQLiteStore) UpdateLastValue(ctx context.Context, schemaID string, v value.Value) error {
	enc, err := EncodeValue(v)
	if err != nil {
		return err
	}
	return s.update(ctx, "schema", schemaID,
		`UPDATE schemas SET last_value = ?, updated_at = ? WHERE id = ?`, enc, unixMilli(s.now()), schemaID)
}

func (s *SQLiteStore) UpdateEarliestValue(ctx context.Context, schemaID string, v value.Value) error {
	enc, err := EncodeValue(v)
	if err != nil {
		return err
	}
	return s.update(ctx, "schema", schemaID,
		`UPDATE schemas SET earliest_value = ?, updated_at = ? WHERE id = ?`, enc, unixMilli(s.now()), schemaID)
}

func (s *SQLiteStore) UpdatePartitioning(ctx context.Context, schemaID string, p Partitioning) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.update(ctx, "schema", schemaID,
		`UPDATE schemas SET partitioning = ?, updated_at = ? WHERE id = ?`, string(raw), unixMilli(s.now()), schemaID)
}

func (s *SQLiteStore) ResetSyncConfig(ctx context.Context, schemaID string) error {
	return s.update(ctx, "schema", schemaID,
		`UPDATE schemas SET partitioning = '{}', last_value = '', earliest_value = '', updated_at = ? WHERE id = ?`,
		unixMilli(s.now()), schemaID)
}

func (s *SQLiteStore) RecordTableState(ctx context.Context, schemaID string, columns map[string]string, rowCount int64) error {
	raw, err := json.Marshal(columns)
	if err != nil {
		return err
	}
	return s.update(ctx, "schema", schemaID,
		`UPDATE schemas SET columns = ?, row_count = ?, updated_at = ? WHERE id = ?`,
		string(raw), rowCount, unixMilli(s.now()), schemaID)
}

func (s *SQLiteStore) Job(ctx context.Context, id string) (Job, error) {
	var (
		j        Job
		status   string
		billable int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, org_id, source_id, schema_id, status, error, rows_synced, billable
		FROM jobs WHERE id = ?`, id).Scan(&j.ID, &j.TeamID, &j.OrgID, &j.SourceID, &j.SchemaID, &status, &j.Error, &j.RowsSynced, &billable)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.Billable = billable != 0
	return j, nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, j Job) error {
	if j.Status == "" {
		j.Status = JobRunning
	}
	billable := 0
	if j.Billable {
		billable = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, team_id, org_id, source_id, schema_id, status, error, rows_synced, billable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_id = excluded.team_id, org_id = excluded.org_id, source_id = excluded.source_id,
			schema_id = excluded.schema_id,
			status = excluded.status, error = excluded.error, rows_synced = excluded.rows_synced,
			billable = excluded.billable`,
		j.ID, j.TeamID, j.OrgID, j.SourceID, j.SchemaID, string(j.Status), j.Error, j.RowsSynced, billable)
	return err
}

func (s *SQLiteStore) AddRowsSynced(ctx context.Context, jobID string, n int64) error {
	return s.update(ctx, "job", jobID, `UPDATE jobs SET rows_synced = rows_synced + ? WHERE id = ?`, n, jobID)
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, jobID string, status JobStatus, msg string) error {
	return s.update(ctx, "job", jobID, `UPDATE jobs SET status = ?, error = ? WHERE id = ?`, string(status), msg, jobID)
}
