package math_test

import (
	"testing"

	fpmath "SynthLedger/internal/math"
)

func TestSplit_NoLeakage(t *testing.T) {
	amount := dec("123.456789012345678901")
	shares, rem, err := fpmath.Split(amount, dec("0.1"), dec("0.1"))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	total, err := fpmath.Sum(append(shares, rem)...)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if !total.Equal(amount) {
		t.Errorf("shares + remainder = %s, want %s", total, amount)
	}
	if !shares[0].Equal(dec("12.34567890123456789")) {
		t.Errorf("share floor: got %s", shares[0])
	}
}

func TestSplit_DustGoesToRemainder(t *testing.T) {
	// 3e-18 split in thirds: each floor(1e-18) = 1e-18, nothing left
	shares, rem, _ := fpmath.Split(dec("0.000000000000000003"),
		dec("0.333333333333333333"), dec("0.333333333333333333"), dec("0.333333333333333333"))
	for i, s := range shares {
		if !s.IsZero() {
			t.Errorf("share %d: got %s, want 0 (floor)", i, s)
		}
	}
	if !rem.Equal(dec("0.000000000000000003")) {
		t.Errorf("remainder: got %s", rem)
	}
}

func TestSplit_RejectsOverAllocation(t *testing.T) {
	if _, _, err := fpmath.Split(dec("10"), dec("0.6"), dec("0.5")); err == nil {
		t.Error("expected error when percentages exceed 1")
	}
}

func TestComplement(t *testing.T) {
	c, err := fpmath.Complement(dec("0.1"), dec("0.25"))
	if err != nil {
		t.Fatalf("complement: %v", err)
	}
	if !c.Equal(dec("0.65")) {
		t.Errorf("got %s", c)
	}
}
