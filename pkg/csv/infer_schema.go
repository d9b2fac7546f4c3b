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

// Package csv reads CSV files into Arrow records with an inferred schema.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
)

// DefaultSampleRows is how many rows schema inference looks at.
const DefaultSampleRows = 1000

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond}

type ReadOptions struct {
	Delimiter  rune
	HasHeader  bool
	NullValues []string
	// SampleRows limits inference to the first rows of the file.
	SampleRows int
	// ChunkSize is the number of rows per record.
	ChunkSize int
}

func (o *ReadOptions) setDefaults() {
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.SampleRows <= 0 {
		o.SampleRows = DefaultSampleRows
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10000
	}
	if o.NullValues == nil {
		o.NullValues = []string{"", "NULL", "null"}
	}
}

// InferSchema infers the Arrow schema of a CSV stream from its first rows.
// Columns without any non-null sample are strings.
func InferSchema(r io.Reader, opts ReadOptions) (*arrow.Schema, error) {
	opts.setDefaults()
	reader := csv.NewReader(r)
	reader.Comma = opts.Delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var headers []string
	first, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read first row: %w", err)
	}
	if opts.HasHeader {
		headers = first
		first = nil
	} else {
		for i := range first {
			headers = append(headers, fmt.Sprintf("field%d", i+1))
		}
	}

	columnTypes := make([]arrow.DataType, len(headers))
	observe := func(row []string) {
		for i, v := range row {
			if i >= len(columnTypes) || isNullValue(v, opts.NullValues) {
				continue
			}
			columnTypes[i] = mergeTypes(columnTypes[i], inferValueType(v))
		}
	}
	if first != nil {
		observe(first)
	}
	for rows := 0; rows < opts.SampleRows; rows++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		observe(row)
	}

	fields := make([]arrow.Field, len(headers))
	for i, name := range headers {
		if columnTypes[i] == nil {
			columnTypes[i] = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: name, Type: columnTypes[i], Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// inferValueType detects the narrowest type of one non-null value.
func inferValueType(value string) arrow.DataType {
	switch strings.ToLower(value) {
	case "true", "false":
		return arrow.FixedWidthTypes.Boolean
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return arrow.PrimitiveTypes.Int64
	}
	if isNumber(value) {
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return arrow.PrimitiveTypes.Float64
		}
	}
	if _, err := time.Parse("2006-01-02", value); err == nil {
		return arrow.FixedWidthTypes.Date32
	}
	if _, err := arrow.TimestampFromString(value, arrow.Microsecond); err == nil && len(value) > len("2006-01-02") {
		return timestampType
	}
	return arrow.BinaryTypes.String
}

// isNumber rejects the spellings of NaN and infinity ParseFloat accepts,
// and integers too large for int64.
func isNumber(value string) bool {
	return strings.ContainsAny(value, ".eE") && !strings.ContainsAny(value, "nNiI")
}

// mergeTypes widens cur to hold a value of type next.
func mergeTypes(cur, next arrow.DataType) arrow.DataType {
	switch {
	case cur == nil:
		return next
	case arrow.TypeEqual(cur, next):
		return cur
	case isOneOf(cur, next, arrow.INT64, arrow.FLOAT64):
		return arrow.PrimitiveTypes.Float64
	case isOneOf(cur, next, arrow.DATE32, arrow.TIMESTAMP):
		return timestampType
	}
	return arrow.BinaryTypes.String
}

func isOneOf(a, b arrow.DataType, x, y arrow.Type) bool {
	return (a.ID() == x && b.ID() == y) || (a.ID() == y && b.ID() == x)
}

func isNullValue(value string, nullValues []string) bool {
	for _, nullValue := range nullValues {
		if value == nullValue {
			return true
		}
	}
	return false
}
