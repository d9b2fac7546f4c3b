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

// Package value holds the tagged variant used for heterogeneous source rows.
package value

import (
	"encoding/base64"
	stdjson "encoding/json"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arrowarc/lakesync/internal/json"
)

// Kind identifies which arm of a Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindBool
	KindBytes
	KindTimestamp
	KindDate
	KindDuration
	KindList
	KindStruct
	KindUUID
	KindIP
)

var kindNames = [...]string{
	KindNull:      "null",
	KindInt:       "int",
	KindFloat:     "float",
	KindDecimal:   "decimal",
	KindString:    "string",
	KindBool:      "bool",
	KindBytes:     "bytes",
	KindTimestamp: "timestamp",
	KindDate:      "date",
	KindDuration:  "duration",
	KindList:      "list",
	KindStruct:    "struct",
	KindUUID:      "uuid",
	KindIP:        "ip",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsNumeric reports whether values of kind k can be coerced to a Decimal.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat || k == KindDecimal
}

// Value is one cell of a source row. The zero Value is null.
type Value struct {
	kind   Kind
	i      int64
	f      float64
	s      string
	b      []byte
	t      time.Time
	d      Decimal
	list   []Value
	fields Row
}

func Null() Value { return Value{} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Dec(d Decimal) Value { return Value{kind: KindDecimal, d: d} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Bool(b bool) Value { return Value{kind: KindBool, b: boolBytes(b)} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, b: b} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }
func Duration(d time.Duration) Value { return Value{kind: KindDuration, i: int64(d)} }
func List(vs []Value) Value { return Value{kind: KindList, list: vs} }
func Struct(r Row) Value { return Value{kind: KindStruct, fields: r} }
func UUID(u uuid.UUID) Value { return Value{kind: KindUUID, s: u.String()} }
func IP(s string) Value { return Value{kind: KindIP, s: s} }

// Date keeps only the calendar day of t.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func boolBytes(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Int() int64 { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Decimal() Decimal { return v.d }
func (v Value) Str() string { return v.s }
func (v Value) Bool() bool { return len(v.b) == 1 && v.b[0] == 1 }
func (v Value) Bytes() []byte { return v.b }
func (v Value) Time() time.Time { return v.t }
func (v Value) List() []Value { return v.list }
func (v Value) Fields() Row { return v.fields }

func (v Value) Duration() time.Duration { return time.Duration(v.i) }

// IsNaN reports float NaN and decimal NaN.
func (v Value) IsNaN() bool {
	switch v.kind {
	case KindFloat:
		return math.IsNaN(v.f)
	case KindDecimal:
		return v.d.IsNaN()
	}
	return false
}

// IsInf reports float and decimal infinities.
func (v Value) IsInf() bool {
	switch v.kind {
	case KindFloat:
		return math.IsInf(v.f, 0)
	case KindDecimal:
		return v.d.IsInf()
	}
	return false
}

// AsDecimal converts numeric values to a Decimal. Strings are parsed.
func (v Value) AsDecimal() (Decimal, bool) {
	switch v.kind {
	case KindDecimal:
		return v.d, true
	case KindInt:
		return DecimalFromInt(v.i), true
	case KindFloat:
		d, err := DecimalFromFloat(v.f)
		return d, err == nil
	case KindString:
		d, err := ParseDecimal(strings.TrimSpace(v.s))
		return d, err == nil
	}
	return Decimal{}, false
}

// jsonNumber matches the number literal types of both JSON packages.
type jsonNumber interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// Of converts a Go value produced by a source into a Value.
func Of(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return ofUint(uint64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return ofUint(t)
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case stdjson.Number:
		return ofNumber(string(t))
	case jsonNumber:
		return ofNumber(t.String())
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case []byte:
		return Bytes(t)
	case time.Time:
		return Timestamp(t)
	case *time.Time:
		if t == nil {
			return Null()
		}
		return Timestamp(*t)
	case time.Duration:
		return Duration(t)
	case Decimal:
		return Dec(t)
	case *big.Int:
		if t == nil {
			return Null()
		}
		return Dec(NewDecimal(t, 0))
	case uuid.UUID:
		return UUID(t)
	case net.IP:
		return IP(t.String())
	case netip.Addr:
		return IP(t.String())
	case []Value:
		return List(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = Of(e)
		}
		return List(out)
	case Row:
		return Struct(t)
	case map[string]interface{}:
		return Struct(NewRow(t))
	case fmt.Stringer:
		return String(t.String())
	}
	return ofReflect(reflect.ValueOf(x))
}

func ofUint(u uint64) Value {
	if u <= math.MaxInt64 {
		return Int(int64(u))
	}
	return Dec(NewDecimal(new(big.Int).SetUint64(u), 0))
}

func ofNumber(s string) Value {
	if !strings.ContainsAny(s, ".eE") {
		n, ok := new(big.Int).SetString(s, 10)
		if ok {
			if n.IsInt64() {
				return Int(n.Int64())
			}
			return Dec(NewDecimal(n, 0))
		}
	}
	var f float64
	if _, err := fmt.Sscan(s, &f); err != nil {
		return String(s)
	}
	return Float(f)
}

func ofReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return Of(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := range out {
			out[i] = Of(rv.Index(i).Interface())
		}
		return List(out)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return Struct(NewRow(m))
	case reflect.String:
		return String(rv.String())
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return ofUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	}
	return String(fmt.Sprint(rv.Interface()))
}

// Interface returns the plain Go form of v used for JSON encoding.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindInt:
		return v.i
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil
		}
		return v.f
	case KindDecimal:
		if v.d.IsSpecial() {
			return nil
		}
		return json.Number(v.d.String())
	case KindString, KindUUID, KindIP:
		return v.s
	case KindBool:
		return v.Bool()
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.b)
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindDate:
		return v.t.Format("2006-01-02")
	case KindDuration:
		return v.Duration().Seconds()
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindStruct:
		out := make(map[string]interface{}, len(v.fields))
		for _, f := range v.fields {
			out[f.Name] = f.Value.Interface()
		}
		return out
	}
	return nil
}

// JSON renders v as a JSON document. When the primary encoding fails the
// value is re-encoded with every map key and leaf stringified.
func (v Value) JSON() (string, error) {
	s, err := json.MarshalString(v.Interface())
	if err == nil {
		return s, nil
	}
	return json.MarshalString(stringify(v))
}

func stringify(v Value) interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = stringify(e)
		}
		return out
	case KindStruct:
		out := make(map[string]interface{}, len(v.fields))
		for _, f := range v.fields {
			out[fmt.Sprint(f.Name)] = stringify(f.Value)
		}
		return out
	}
	return v.String()
}

// String renders scalar values the way they appear once stringified.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindInt:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindDecimal:
		return v.d.String()
	case KindString, KindUUID, KindIP:
		return v.s
	case KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.b)
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindDate:
		return v.t.Format("2006-01-02")
	case KindDuration:
		return v.Duration().String()
	}
	s, _ := v.JSON()
	return s
}

// Compare orders two values. Numeric kinds compare across each other,
// timestamps and dates compare by instant, everything else compares by
// its string form. Null sorts first.
func (v Value) Compare(o Value) int {
	switch {
	case v.kind == KindNull && o.kind == KindNull:
		return 0
	case v.kind == KindNull:
		return -1
	case o.kind == KindNull:
		return 1
	}
	if v.kind.IsNumeric() && o.kind.IsNumeric() {
		if v.kind == KindInt && o.kind == KindInt {
			return cmpInt(v.i, o.i)
		}
		a, aok := v.AsDecimal()
		b, bok := o.AsDecimal()
		if aok && bok {
			return a.Cmp(b)
		}
	}
	timeLike := func(k Kind) bool { return k == KindTimestamp || k == KindDate }
	if timeLike(v.kind) && timeLike(o.kind) {
		return v.t.Compare(o.t)
	}
	if v.kind == KindDuration && o.kind == KindDuration {
		return cmpInt(v.i, o.i)
	}
	if v.kind == KindBool && o.kind == KindBool {
		return cmpInt(int64(v.b[0]), int64(o.b[0]))
	}
	return strings.Compare(v.String(), o.String())
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Field is one named cell of a Row.
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered set of fields. Field order decides column order when
// rows are converted into a table.
type Row []Field

// NewRow builds a Row from a map, ordering fields by name.
func NewRow(m map[string]interface{}) Row {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	row := make(Row, len(names))
	for i, k := range names {
		row[i] = Field{Name: k, Value: Of(m[k])}
	}
	return row
}

// RowOf builds a Row from alternating name/value pairs, keeping their order.
func RowOf(kv ...interface{}) Row {
	row := make(Row, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		row = append(row, Field{Name: fmt.Sprint(kv[i]), Value: Of(kv[i+1])})
	}
	return row
}

// Get returns the value of the named field.
func (r Row) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Null(), false
}

// Names returns the field names in order.
func (r Row) Names() []string {
	out := make([]string, len(r))
	for i, f := range r {
		out[i] = f.Name
	}
	return out
}
