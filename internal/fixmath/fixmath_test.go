package fixmath

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSatSubClampsToZero(t *testing.T) {
	if got := SatSub(dec("3"), dec("5")); !got.IsZero() {
		t.Fatalf("expected 0, got %s", got)
	}
	if got := SatSub(dec("5"), dec("3")); !got.Equal(dec("2")) {
		t.Fatalf("expected 2, got %s", got)
	}
}

func TestMulDivZeroDenominator(t *testing.T) {
	if got := MulDiv(dec("10"), dec("3"), decimal.Zero); !got.IsZero() {
		t.Fatalf("expected 0, got %s", got)
	}
	if got := MulDiv(dec("10"), dec("3"), dec("4")); !got.Equal(dec("7.5")) {
		t.Fatalf("expected 7.5, got %s", got)
	}
}

func TestDeviation(t *testing.T) {
	if got := Deviation(dec("95"), dec("100")); !got.Equal(dec("0.05")) {
		t.Fatalf("expected 0.05, got %s", got)
	}
	if got := Deviation(dec("100"), decimal.Zero); !got.IsZero() {
		t.Fatalf("expected 0 for zero request, got %s", got)
	}
	if got := Deviation(dec("105"), dec("100")); !got.Equal(dec("0.05")) {
		t.Fatalf("expected symmetric deviation, got %s", got)
	}
}

func TestWithinThreshold(t *testing.T) {
	if !WithinThreshold(dec("99.5"), dec("100"), dec("0.01")) {
		t.Fatalf("0.5%% should be within 1%%")
	}
	if WithinThreshold(dec("95"), dec("100"), dec("0.01")) {
		t.Fatalf("5%% should exceed 1%%")
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(dec("7"), dec("1"), dec("5")); !got.Equal(dec("5")) {
		t.Fatalf("expected 5, got %s", got)
	}
	if got := Clamp(dec("0.5"), dec("1"), dec("5")); !got.Equal(dec("1")) {
		t.Fatalf("expected 1, got %s", got)
	}
	if got := Clamp(dec("3"), dec("1"), dec("5")); !got.Equal(dec("3")) {
		t.Fatalf("expected 3, got %s", got)
	}
}
