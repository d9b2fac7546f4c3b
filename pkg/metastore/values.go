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
	"fmt"
	"strconv"
	"time"

	"github.com/arrowarc/lakesync/internal/json"
	"github.com/arrowarc/lakesync/pkg/value"
)

type storedValue struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// EncodeValue renders a watermark for storage. Null encodes as "".
func EncodeValue(v value.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	b, err := json.Marshal(storedValue{Kind: v.Kind().String(), Value: v.String()})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeValue(s string) (value.Value, error) {
	if s == "" {
		return value.Null(), nil
	}
	var sv storedValue
	if err := json.Unmarshal([]byte(s), &sv); err != nil {
		return value.Null(), fmt.Errorf("decoding stored value: %w", err)
	}
	switch sv.Kind {
	case "int":
		i, err := strconv.ParseInt(sv.Value, 10, 64)
		if err != nil {
			return value.Null(), err
		}
		return value.Int(i), nil
	case "float":
		f, err := strconv.ParseFloat(sv.Value, 64)
		if err != nil {
			return value.Null(), err
		}
		return value.Float(f), nil
	case "decimal":
		d, err := value.ParseDecimal(sv.Value)
		if err != nil {
			return value.Null(), err
		}
		return value.Dec(d), nil
	case "timestamp":
		t, err := time.Parse(time.RFC3339Nano, sv.Value)
		if err != nil {
			return value.Null(), err
		}
		return value.Timestamp(t), nil
	case "date":
		t, err := time.Parse("2006-01-02", sv.Value)
		if err != nil {
			return value.Null(), err
		}
		return value.Date(t), nil
	case "bool":
		return value.Bool(sv.Value == "true"), nil
	}
	return value.String(sv.Value), nil
}
