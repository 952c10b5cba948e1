package math_test

import (
	"errors"
	"strings"
	"testing"

	fpmath "SynthLedger/internal/math"

	"github.com/holiman/uint256"
)

func dec(s string) fpmath.Decimal { return fpmath.MustFromString(s) }

func TestNewFromString_Scale(t *testing.T) {
	d := dec("1.5")
	want := uint256.NewInt(1_500_000_000_000_000_000)
	if !d.Raw().Eq(want) {
		t.Errorf("raw: got %s, want %s", d.Raw().Dec(), want.Dec())
	}
	if d.String() != "1.5" {
		t.Errorf("string: got %q, want %q", d.String(), "1.5")
	}
}

func TestNewFromString_Rejects(t *testing.T) {
	if _, err := fpmath.NewFromString("-1"); !errors.Is(err, fpmath.ErrNegative) {
		t.Errorf("negative: got %v, want ErrNegative", err)
	}
	if _, err := fpmath.NewFromString("0.0000000000000000001"); !errors.Is(err, fpmath.ErrTooPrecise) {
		t.Errorf("19 digits: got %v, want ErrTooPrecise", err)
	}
	if _, err := fpmath.NewFromString("abc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestFromUnits(t *testing.T) {
	if !fpmath.FromUnits(700).Equal(dec("700")) {
		t.Error("FromUnits(700) != 700")
	}
}

func TestSub_NeverNegative(t *testing.T) {
	_, err := dec("1").Sub(dec("1.000000000000000001"))
	if !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("got %v, want ErrUnderflow", err)
	}
	if got := dec("1").SaturatingSub(dec("2")); !got.IsZero() {
		t.Errorf("saturating: got %s, want 0", got)
	}
}

func TestAdd_Overflow(t *testing.T) {
	allOnes := new(uint256.Int).SetAllOne()
	_, err := fpmath.FromRaw(allOnes).Add(fpmath.FromRaw(uint256.NewInt(1)))
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

func TestMul_FloorsTowardZero(t *testing.T) {
	// 1e-18 * 0.5 = 0.5e-18 -> 0
	got, err := dec("0.000000000000000001").Mul(dec("0.5"))
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}

	got, _ = dec("1000").Mul(dec("0.1"))
	if !got.Equal(dec("100")) {
		t.Errorf("1000*0.1: got %s", got)
	}
}

func TestMul_LargeIntermediate(t *testing.T) {
	// raw product exceeds 2^256 but the scaled result fits
	a := dec("1" + strings.Repeat("0", 50))
	got, err := a.Mul(dec("2"))
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if !got.Equal(dec("2" + strings.Repeat("0", 50))) {
		t.Errorf("got %s", got)
	}
}

func TestDiv(t *testing.T) {
	got, err := dec("1000").Div(dec("700"))
	if err != nil {
		t.Fatalf("div: %v", err)
	}
	if got.String() != "1.428571428571428571" {
		t.Errorf("got %s", got)
	}
	if _, err := dec("1").Div(fpmath.Zero); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	down, _ := fpmath.MulDiv(dec("1"), dec("1"), dec("3"), fpmath.RoundDown)
	up, _ := fpmath.MulDiv(dec("1"), dec("1"), dec("3"), fpmath.RoundUp)
	if up.String() != "0.333333333333333334" || down.String() != "0.333333333333333333" {
		t.Errorf("down=%s up=%s", down, up)
	}
	exact, _ := fpmath.MulDiv(dec("3"), dec("1"), dec("3"), fpmath.RoundUp)
	if !exact.Equal(dec("1")) {
		t.Errorf("exact: got %s", exact)
	}
}

func TestTextRoundTrip(t *testing.T) {
	var d fpmath.Decimal
	if err := d.UnmarshalText([]byte("12.25")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b, _ := d.MarshalText()
	if string(b) != "12.25" {
		t.Errorf("got %s", b)
	}
}
