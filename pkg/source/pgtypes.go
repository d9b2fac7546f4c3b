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
	"fmt"
	"math"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/value"
)

var (
	reTimestamp = regexp.MustCompile(`^timestamp\s*(?:\(([0-6])\))?(?: with(?:out)? time zone)?$`)
	reTime      = regexp.MustCompile(`^time\s*(?:\(([0-6])\))?(?: with(?:out)? time zone)?$`)
	reNumeric   = regexp.MustCompile(`^numeric\s*(?:\(([0-9]+)\s*(?:,\s*([0-9]+))?\))?$`)
)

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// pgArrowType maps a format_type name to the Arrow type rows of that column
// build into. Nil means the type is sized from the data.
func pgArrowType(t string) arrow.DataType {
	t = normalizeType(t)
	if strings.HasSuffix(t, "[]") {
		return arrow.BinaryTypes.String
	}
	if reTimestamp.MatchString(t) {
		return columnar.TimestampUS
	}
	if reTime.MatchString(t) {
		return arrow.BinaryTypes.String
	}
	if m := reNumeric.FindStringSubmatch(t); m != nil {
		return parseNumeric(m[1], m[2])
	}

	switch t {
	case "boolean":
		return arrow.FixedWidthTypes.Boolean
	case "smallint", "integer", "bigint", "smallserial", "serial", "bigserial":
		return arrow.PrimitiveTypes.Int64
	case "real", "double precision":
		return arrow.PrimitiveTypes.Float64
	case "date":
		return arrow.FixedWidthTypes.Date32
	case "interval":
		return arrow.FixedWidthTypes.Duration_us
	case "bytea":
		return nil
	default:
		return arrow.BinaryTypes.String
	}
}

func parseNumeric(p, s string) arrow.DataType {
	if p == "" {
		return nil
	}
	precision, err := strconv.ParseInt(p, 10, 32)
	if err != nil || precision == 0 {
		return nil
	}
	var scale int64
	if s != "" {
		if scale, err = strconv.ParseInt(s, 10, 32); err != nil {
			return nil
		}
	}
	switch {
	case precision <= 38:
		return &arrow.Decimal128Type{Precision: int32(precision), Scale: int32(scale)}
	case precision <= 76:
		return &arrow.Decimal256Type{Precision: int32(precision), Scale: int32(scale)}
	default:
		return arrow.BinaryTypes.String
	}
}

// pgValue converts one value decoded by pgx for a column of type t.
func pgValue(t string, x interface{}) value.Value {
	switch v := x.(type) {
	case nil:
		return value.Null()
	case time.Time:
		if normalizeType(t) == "date" {
			return value.Date(v)
		}
		return value.Timestamp(v.UTC())
	case pgtype.Numeric:
		return numericValue(v)
	case [16]byte:
		return value.UUID(uuid.UUID(v))
	case netip.Prefix:
		if v.IsSingleIP() {
			return value.IP(v.Addr().String())
		}
		return value.IP(v.String())
	case pgtype.Time:
		if !v.Valid {
			return value.Null()
		}
		clock := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(v.Microseconds) * time.Microsecond)
		return value.String(clock.Format("15:04:05.999999"))
	case pgtype.Interval:
		if !v.Valid {
			return value.Null()
		}
		days := time.Duration(v.Days)*24*time.Hour + time.Duration(v.Months)*30*24*time.Hour
		return value.Duration(days + time.Duration(v.Microseconds)*time.Microsecond)
	}
	return value.Of(x)
}

func numericValue(n pgtype.Numeric) value.Value {
	switch {
	case !n.Valid:
		return value.Null()
	case n.NaN:
		return value.Float(math.NaN())
	case n.InfinityModifier == pgtype.Infinity:
		return value.Float(math.Inf(1))
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return value.Float(math.Inf(-1))
	}
	if n.Int == nil {
		return value.Dec(value.DecimalFromInt(0))
	}
	return value.Dec(value.NewDecimal(n.Int, n.Exp))
}

// queryArg converts a watermark into a query parameter.
func queryArg(v value.Value) (interface{}, error) {
	switch v.Kind() {
	case value.KindInt:
		return v.Int(), nil
	case value.KindFloat:
		return v.Float(), nil
	case value.KindDecimal:
		return v.Decimal().String(), nil
	case value.KindString, value.KindUUID, value.KindIP:
		return v.Str(), nil
	case value.KindTimestamp, value.KindDate:
		return v.Time(), nil
	case value.KindBool:
		return v.Bool(), nil
	}
	return nil, fmt.Errorf("unsupported watermark kind %s", v.Kind())
}
