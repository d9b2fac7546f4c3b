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

package csv

import (
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `id,score,active,day,seen_at,note,empty
1,1,true,2024-01-02,2024-01-02T10:00:00,a,
2,2.5,FALSE,2024-01-03,2024-01-03,b,
3,,true,,2024-01-04 09:30:00,3,NULL
`

func TestInferSchema(t *testing.T) {
	schema, err := InferSchema(strings.NewReader(sample), ReadOptions{HasHeader: true})
	require.NoError(t, err)

	want := map[string]arrow.DataType{
		"id":      arrow.PrimitiveTypes.Int64,
		"score":   arrow.PrimitiveTypes.Float64,
		"active":  arrow.FixedWidthTypes.Boolean,
		"day":     arrow.FixedWidthTypes.Date32,
		"seen_at": timestampType,
		"note":    arrow.BinaryTypes.String,
		"empty":   arrow.BinaryTypes.String,
	}
	require.Equal(t, len(want), schema.NumFields())
	for _, f := range schema.Fields() {
		assert.True(t, arrow.TypeEqual(want[f.Name], f.Type), "%s: got %s", f.Name, f.Type)
		assert.True(t, f.Nullable)
	}
}

func TestInferSchemaWithoutHeader(t *testing.T) {
	schema, err := InferSchema(strings.NewReader("1;x\n2;y\n"), ReadOptions{Delimiter: ';'})
	require.NoError(t, err)
	require.Equal(t, 2, schema.NumFields())
	assert.Equal(t, "field1", schema.Field(0).Name)
	assert.Equal(t, arrow.INT64, schema.Field(0).Type.ID())
	assert.Equal(t, arrow.STRING, schema.Field(1).Type.ID())
}

func TestInferValueType(t *testing.T) {
	tests := map[string]arrow.Type{
		"42":                   arrow.INT64,
		"-7":                   arrow.INT64,
		"4.2":                  arrow.FLOAT64,
		"1e3":                  arrow.FLOAT64,
		"NaN":                  arrow.STRING,
		"inf":                  arrow.STRING,
		"99999999999999999999": arrow.STRING,
		"True":                 arrow.BOOL,
		"2024-02-29":           arrow.DATE32,
		"2024-02-29T01:02:03Z": arrow.TIMESTAMP,
		"hello":                arrow.STRING,
	}
	for in, want := range tests {
		assert.Equal(t, want, inferValueType(in).ID(), in)
	}
}

func TestMergeTypes(t *testing.T) {
	assert.Equal(t, arrow.FLOAT64, mergeTypes(arrow.PrimitiveTypes.Int64, arrow.PrimitiveTypes.Float64).ID())
	assert.Equal(t, arrow.FLOAT64, mergeTypes(arrow.PrimitiveTypes.Float64, arrow.PrimitiveTypes.Int64).ID())
	assert.Equal(t, arrow.TIMESTAMP, mergeTypes(arrow.FixedWidthTypes.Date32, timestampType).ID())
	assert.Equal(t, arrow.STRING, mergeTypes(arrow.FixedWidthTypes.Boolean, arrow.PrimitiveTypes.Int64).ID())
	assert.Equal(t, arrow.STRING, mergeTypes(arrow.PrimitiveTypes.Int64, arrow.FixedWidthTypes.Date32).ID())
	assert.Equal(t, arrow.BOOL, mergeTypes(nil, arrow.FixedWidthTypes.Boolean).ID())
}

func TestReader(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	data := "id,name\n1,a\n2,\n3,c\n"
	schema, err := InferSchema(strings.NewReader(data), ReadOptions{HasHeader: true})
	require.NoError(t, err)

	r := NewReader(strings.NewReader(data), schema, mem, ReadOptions{HasHeader: true, ChunkSize: 2})
	defer r.Close()

	var rows int64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, rec.NumRows(), int64(2))
		rows += rec.NumRows()
		if rec.NumRows() == 2 {
			assert.True(t, rec.Column(1).IsNull(1))
		}
		rec.Release()
	}
	assert.Equal(t, int64(3), rows)
}
