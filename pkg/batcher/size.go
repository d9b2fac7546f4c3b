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

package batcher

import "github.com/arrowarc/lakesync/pkg/value"

// Per-object overheads roughly matching a boxed dynamic value. The estimate
// only has to be in the right order of magnitude for threshold checks.
const (
	scalarOverhead = 28
	stringOverhead = 49
	listOverhead   = 56
	mapOverhead    = 64
	slotSize       = 8
)

// EstimateSize approximates the in-memory footprint of a row by walking
// every nested list and struct.
func EstimateSize(row value.Row) int64 {
	size := int64(mapOverhead)
	for _, f := range row {
		size += slotSize*2 + stringOverhead + int64(len(f.Name)) + estimateValue(f.Value)
	}
	return size
}

func estimateValue(v value.Value) int64 {
	switch v.Kind() {
	case value.KindNull:
		return slotSize
	case value.KindString, value.KindUUID, value.KindIP:
		return stringOverhead + int64(len(v.Str()))
	case value.KindBytes:
		return stringOverhead - 16 + int64(len(v.Bytes()))
	case value.KindDecimal:
		return scalarOverhead + int64(v.Decimal().Digits())
	case value.KindList:
		size := int64(listOverhead)
		for _, e := range v.List() {
			size += slotSize + estimateValue(e)
		}
		return size
	case value.KindStruct:
		return EstimateSize(v.Fields())
	}
	return scalarOverhead
}
