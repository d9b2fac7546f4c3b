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

package value

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

var ErrInvalidDecimal = errors.New("value: invalid decimal")

type special uint8

const (
	finite special = iota
	nan
	posInf
	negInf
)

// Decimal is an arbitrary precision decimal: coef * 10^exp.
type Decimal struct {
	coef    *big.Int
	exp     int32
	special special
}

// NewDecimal returns coef * 10^exp. coef is copied.
func NewDecimal(coef *big.Int, exp int32) Decimal {
	return Decimal{coef: new(big.Int).Set(coef), exp: exp}
}

// DecimalFromInt returns i as a Decimal with exponent 0.
func DecimalFromInt(i int64) Decimal {
	return Decimal{coef: big.NewInt(i)}
}

// DecimalFromFloat converts f through its shortest decimal representation.
func DecimalFromFloat(f float64) (Decimal, error) {
	switch {
	case math.IsNaN(f):
		return Decimal{special: nan}, nil
	case math.IsInf(f, 1):
		return Decimal{special: posInf}, nil
	case math.IsInf(f, -1):
		return Decimal{special: negInf}, nil
	}
	return ParseDecimal(strconv.FormatFloat(f, 'g', -1, 64))
}

// ParseDecimal parses plain and scientific notation, plus NaN and
// Infinity literals.
func ParseDecimal(s string) (Decimal, error) {
	switch strings.ToLower(s) {
	case "nan", "-nan", "+nan":
		return Decimal{special: nan}, nil
	case "inf", "+inf", "infinity", "+infinity":
		return Decimal{special: posInf}, nil
	case "-inf", "-infinity":
		return Decimal{special: negInf}, nil
	}
	if s == "" {
		return Decimal{}, ErrInvalidDecimal
	}

	mantissa, exp := s, int64(0)
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.ParseInt(s[i+1:], 10, 32)
		if err != nil {
			return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
		}
		mantissa, exp = s[:i], e
	}

	sign := ""
	if mantissa != "" && (mantissa[0] == '-' || mantissa[0] == '+') {
		if mantissa[0] == '-' {
			sign = "-"
		}
		mantissa = mantissa[1:]
	}
	intPart, fracPart := mantissa, ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart, fracPart = mantissa[:i], mantissa[i+1:]
	}
	digits := intPart + fracPart
	if digits == "" || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	coef, ok := new(big.Int).SetString(sign+digits, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	exp -= int64(len(fracPart))
	if exp < math.MinInt32 || exp > math.MaxInt32 {
		return Decimal{}, fmt.Errorf("%w: exponent out of range in %q", ErrInvalidDecimal, s)
	}
	return Decimal{coef: coef, exp: int32(exp)}, nil
}

func (d Decimal) IsNaN() bool     { return d.special == nan }
func (d Decimal) IsInf() bool     { return d.special == posInf || d.special == negInf }
func (d Decimal) IsSpecial() bool { return d.special != finite }

// Exponent returns the power of ten applied to the coefficient.
func (d Decimal) Exponent() int32 { return d.exp }

// Coefficient returns a copy of the unscaled integer.
func (d Decimal) Coefficient() *big.Int {
	if d.coef == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(d.coef)
}

// Digits is the number of decimal digits in the coefficient, at least 1.
func (d Decimal) Digits() int32 {
	if d.coef == nil || d.coef.Sign() == 0 {
		return 1
	}
	return int32(len(new(big.Int).Abs(d.coef).String()))
}

// Scale is the number of digits after the decimal point.
func (d Decimal) Scale() int32 {
	if d.exp < 0 {
		return -d.exp
	}
	return 0
}

// Precision is the number of significant digits needed to write d
// without an exponent, counting leading fractional zeros.
func (d Decimal) Precision() int32 {
	digits := d.Digits()
	if d.exp >= 0 {
		return digits + d.exp
	}
	if digits > -d.exp {
		return digits
	}
	return -d.exp
}

// IntegerDigits is the number of digits left of the decimal point.
func (d Decimal) IntegerDigits() int32 {
	return d.Precision() - d.Scale()
}

// Rescale returns the unscaled integer of d at the given scale, rounding
// half away from zero. exact is false when digits were dropped.
func (d Decimal) Rescale(scale int32) (unscaled *big.Int, exact bool) {
	c := d.Coefficient()
	shift := int64(d.exp) + int64(scale)
	if shift >= 0 {
		return c.Mul(c, pow10(shift)), true
	}
	div := pow10(-shift)
	q, r := new(big.Int).QuoRem(c, div, new(big.Int))
	if r.Sign() == 0 {
		return q, true
	}
	twice := new(big.Int).Abs(r)
	twice.Lsh(twice, 1)
	if twice.Cmp(div) >= 0 {
		if c.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q, false
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// Cmp compares two finite decimals numerically. NaN sorts below
// everything, infinities sort at the ends.
func (d Decimal) Cmp(o Decimal) int {
	if d.special != finite || o.special != finite {
		return cmpInt(d.rank(), o.rank())
	}
	scale := d.Scale()
	if o.Scale() > scale {
		scale = o.Scale()
	}
	a, _ := d.Rescale(scale)
	b, _ := o.Rescale(scale)
	return a.Cmp(b)
}

func (d Decimal) rank() int64 {
	switch d.special {
	case nan:
		return -2
	case negInf:
		return -1
	case posInf:
		return 2
	}
	return 0
}

// Float64 returns the nearest float64.
func (d Decimal) Float64() float64 {
	switch d.special {
	case nan:
		return math.NaN()
	case posInf:
		return math.Inf(1)
	case negInf:
		return math.Inf(-1)
	}
	f, _ := strconv.ParseFloat(d.String(), 64)
	return f
}

// String renders d in plain notation, keeping every coefficient digit.
func (d Decimal) String() string {
	switch d.special {
	case nan:
		return "NaN"
	case posInf:
		return "Infinity"
	case negInf:
		return "-Infinity"
	}
	c := d.Coefficient()
	neg := c.Sign() < 0
	digits := new(big.Int).Abs(c).String()
	var out string
	switch {
	case d.exp >= 0:
		out = digits + strings.Repeat("0", int(d.exp))
	case int(-d.exp) >= len(digits):
		out = "0." + strings.Repeat("0", int(-d.exp)-len(digits)) + digits
	default:
		cut := len(digits) + int(d.exp)
		out = digits[:cut] + "." + digits[cut:]
	}
	if neg {
		return "-" + out
	}
	return out
}
