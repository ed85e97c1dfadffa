package fixed_test

import (
	"errors"
	"math"
	"testing"

	"github.com/azargarov/mandy/fixed"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    float64
		wantErr error
	}{
		{"0", 0, nil},
		{"1", 1, nil},
		{"-1", -1, nil},
		{"+2.5", 2.5, nil},
		{"-0.75", -0.75, nil},
		{".5", 0.5, nil},
		{"3.", 3, nil},
		{"127.9999", 127.9999, nil},
		{"-128", -128, nil},
		{"000000000000000000012.25", 12.25, nil},

		{"", 0, fixed.ErrInvalidFormat},
		{"-", 0, fixed.ErrInvalidFormat},
		{".", 0, fixed.ErrInvalidFormat},
		{"1.2.3", 0, fixed.ErrInvalidFormat},
		{"1e5", 0, fixed.ErrInvalidFormat},
		{"0x10", 0, fixed.ErrInvalidFormat},
		{" 1", 0, fixed.ErrInvalidFormat},
		{"--1", 0, fixed.ErrInvalidFormat},

		{"128", 0, fixed.ErrOutOfRange},
		{"-128.5", 0, fixed.ErrOutOfRange},
		{"99999999999999999999999", 0, fixed.ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := fixed.Parse(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v; want %v", tt.in, err, tt.wantErr)
				}
				var ne *fixed.NumError
				if !errors.As(err, &ne) || ne.Input != tt.in || ne.Func != "Parse" {
					t.Fatalf("Parse(%q) error %#v is not a *NumError for the input", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if math.Abs(got.Float64()-tt.want) > 1e-15*math.Max(1, math.Abs(tt.want)) {
				t.Fatalf("Parse(%q) = %v; want %v", tt.in, got.Float64(), tt.want)
			}
		})
	}
}

func TestFormatErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	_, errFormat := fixed.Parse("abc")
	_, errRange := fixed.Parse("1000")
	if errors.Is(errFormat, fixed.ErrOutOfRange) || errors.Is(errRange, fixed.ErrInvalidFormat) {
		t.Fatal("conversion errors are not distinguishable")
	}
	if errFormat.Error() == errRange.Error() {
		t.Fatalf("same message for both errors: %q", errFormat)
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"0":      "0",
		"1":      "1",
		"-0.75":  "-0.75",
		"2.5":    "2.5",
		"-128":   "-128",
		"0.0625": "0.0625",
	}
	for in, want := range tests {
		if got := fixed.MustParse(in).String(); got != want {
			t.Errorf("MustParse(%q).String() = %q; want %q", in, got, want)
		}
	}
}

func TestMul(t *testing.T) {
	t.Parallel()

	tests := []struct{ a, b, want string }{
		{"2", "3", "6"},
		{"-1.5", "2", "-3"},
		{"-0.5", "-0.5", "0.25"},
		{"0.75", "0", "0"},
		{"11", "11", "121"},
	}
	for _, tt := range tests {
		got := fixed.MustParse(tt.a).Mul(fixed.MustParse(tt.b))
		if want := fixed.MustParse(tt.want); got != want {
			t.Errorf("%s * %s = %s; want %s", tt.a, tt.b, got, want)
		}
	}
}

func TestFromFloat(t *testing.T) {
	t.Parallel()

	if _, err := fixed.FromFloat(200); !errors.Is(err, fixed.ErrOutOfRange) {
		t.Fatalf("FromFloat(200) error = %v; want ErrOutOfRange", err)
	}
	if _, err := fixed.FromFloat(math.NaN()); !errors.Is(err, fixed.ErrInvalidFormat) {
		t.Fatalf("FromFloat(NaN) error = %v; want ErrInvalidFormat", err)
	}
	f, err := fixed.FromFloat(-0.75)
	if err != nil || f != fixed.MustParse("-0.75") {
		t.Fatalf("FromFloat(-0.75) = %v, %v", f, err)
	}
}

// TestStringParseRoundTrip checks that String is exact.
func TestStringParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := fixed.Fixed64(rapid.Int64().Draw(t, "a"))
		b, err := fixed.Parse(a.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", a.String(), err)
		}
		if a != b {
			t.Fatalf("round trip %d -> %q -> %d", a, a.String(), b)
		}
	})
}

func TestMulMatchesFloat(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Float64Range(-8, 8).Draw(t, "x")
		y := rapid.Float64Range(-8, 8).Draw(t, "y")
		a, _ := fixed.FromFloat(x)
		b, _ := fixed.FromFloat(y)
		got := a.Mul(b).Float64()
		if want := a.Float64() * b.Float64(); math.Abs(got-want) > 1e-13 {
			t.Fatalf("%v * %v = %v; want %v", a, b, got, want)
		}
	})
}
