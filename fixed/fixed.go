// Package fixed implements signed 8.56 fixed-point numbers.
//
// A Fixed64 holds one sign bit, seven integer bits and 56 fraction bits,
// giving a range of [-128, 128) with a resolution of 2^-56. That is
// enough precision to zoom well past the point where float64 tiles
// become blocky.
package fixed

import (
	"errors"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// FracBits is the number of fraction bits.
const FracBits = 56

// Fixed64 is a signed 8.56 fixed-point number.
type Fixed64 int64

// Common values.
const (
	One Fixed64 = 1 << FracBits
	Max Fixed64 = math.MaxInt64
	Min Fixed64 = math.MinInt64
)

var (
	// ErrInvalidFormat means the text is not a decimal number.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange means the number does not fit in a Fixed64.
	ErrOutOfRange = errors.New("value out of range")
)

// NumError records a failed conversion.
type NumError struct {
	Func  string // the failing function (Parse, FromFloat)
	Input string // the input
	Err   error  // ErrInvalidFormat or ErrOutOfRange
}

func (e *NumError) Error() string {
	return "fixed." + e.Func + ": parsing " + strconv.Quote(e.Input) + ": " + e.Err.Error()
}

func (e *NumError) Unwrap() error { return e.Err }

// Parse converts decimal text of the form [+-]digits[.digits] to a
// Fixed64. Either digit run may be empty but not both. Fraction digits
// beyond the available precision are truncated.
func Parse(s string) (Fixed64, error) {
	neg, intDigits, fracDigits, ok := split(s)
	if !ok {
		return 0, &NumError{Func: "Parse", Input: s, Err: ErrInvalidFormat}
	}

	var ip uint64
	for i := 0; i < len(intDigits); i++ {
		ip = ip*10 + uint64(intDigits[i]-'0')
		if ip > 128 {
			return 0, &NumError{Func: "Parse", Input: s, Err: ErrOutOfRange}
		}
	}

	// Accumulate the fraction from the last digit to the first so that
	// each step divides a value below 10<<56.
	var frac uint64
	for i := len(fracDigits) - 1; i >= 0; i-- {
		frac = (frac + uint64(fracDigits[i]-'0')<<FracBits) / 10
	}

	mag := ip<<FracBits | frac
	switch {
	case !neg && mag > uint64(Max):
		return 0, &NumError{Func: "Parse", Input: s, Err: ErrOutOfRange}
	case neg && mag > 1<<63:
		return 0, &NumError{Func: "Parse", Input: s, Err: ErrOutOfRange}
	}
	if neg {
		return Fixed64(-mag), nil
	}
	return Fixed64(mag), nil
}

func split(s string) (neg bool, intDigits, fracDigits string, ok bool) {
	if s == "" {
		return false, "", "", false
	}
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intDigits, fracDigits, _ = strings.Cut(s, ".")
	if intDigits == "" && fracDigits == "" {
		return false, "", "", false
	}
	if !isDigits(intDigits) || !isDigits(fracDigits) {
		return false, "", "", false
	}
	return neg, intDigits, fracDigits, true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParse is Parse that panics on error. For constants in tests and
// tables.
func MustParse(s string) Fixed64 {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromFloat converts f, rounding to the nearest representable value.
func FromFloat(f float64) (Fixed64, error) {
	if math.IsNaN(f) {
		return 0, &NumError{Func: "FromFloat", Input: strconv.FormatFloat(f, 'g', -1, 64), Err: ErrInvalidFormat}
	}
	scaled := math.Round(math.Ldexp(f, FracBits))
	if scaled >= math.Ldexp(1, 63) || scaled < -math.Ldexp(1, 63) {
		return 0, &NumError{Func: "FromFloat", Input: strconv.FormatFloat(f, 'g', -1, 64), Err: ErrOutOfRange}
	}
	return Fixed64(int64(scaled)), nil
}

// Float64 returns the nearest float64.
func (a Fixed64) Float64() float64 {
	return math.Ldexp(float64(a), -FracBits)
}

// String formats a exactly in decimal.
func (a Fixed64) String() string {
	var b strings.Builder
	mag := uint64(a)
	if a < 0 {
		b.WriteByte('-')
		mag = -mag
	}
	b.WriteString(strconv.FormatUint(mag>>FracBits, 10))

	frac := mag & (1<<FracBits - 1)
	if frac == 0 {
		return b.String()
	}
	b.WriteByte('.')
	for frac != 0 {
		frac *= 10
		b.WriteByte(byte('0' + frac>>FracBits))
		frac &= 1<<FracBits - 1
	}
	return b.String()
}

// Add returns a+b. Overflow wraps.
func (a Fixed64) Add(b Fixed64) Fixed64 { return a + b }

// Sub returns a-b. Overflow wraps.
func (a Fixed64) Sub(b Fixed64) Fixed64 { return a - b }

// Mul returns a*b rounded to nearest. Overflow wraps.
func (a Fixed64) Mul(b Fixed64) Fixed64 {
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = -ua
		neg = !neg
	}
	if b < 0 {
		ub = -ub
		neg = !neg
	}
	hi, lo := bits.Mul64(ua, ub)
	r := hi<<(64-FracBits) | lo>>FracBits
	r += lo >> (FracBits - 1) & 1
	if neg {
		return Fixed64(-r)
	}
	return Fixed64(r)
}

// Neg returns -a.
func (a Fixed64) Neg() Fixed64 { return -a }
