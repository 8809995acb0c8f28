package interpolate

import (
	"testing"

	"github.com/auroradata-ai/apsi-engine/internal/field"
)

func mustField(t *testing.T, p uint64) *field.Field {
	t.Helper()
	f, err := field.New(p)
	if err != nil {
		t.Fatalf("field.New(%d): %v", p, err)
	}
	return f
}

func TestPolynWithRootsEvaluatesToZeroAtRoots(t *testing.T) {
	f := mustField(t, 65537)
	roots := []field.Felt{3, 7, 11, 42}
	poly := PolynWithRoots(roots, f)

	if len(poly) != len(roots)+1 {
		t.Fatalf("len(poly) = %d, want %d", len(poly), len(roots)+1)
	}
	for _, r := range roots {
		if v := EvalPolyn(poly, r, f); v != 0 {
			t.Errorf("poly(%d) = %d, want 0", r, v)
		}
	}
}

func TestPolynWithRootsEmpty(t *testing.T) {
	f := mustField(t, 65537)
	poly := PolynWithRoots(nil, f)
	if len(poly) != 1 || poly[0] != 1 {
		t.Errorf("empty roots: got %v, want [1]", poly)
	}
}

func TestNewtonInterpolateMatchesPoints(t *testing.T) {
	f := mustField(t, 65537)
	points := []field.Felt{1, 2, 3, 4, 5}
	values := []field.Felt{10, 20, 30, 45, 50}

	poly, err := NewtonInterpolate(points, values, f)
	if err != nil {
		t.Fatalf("NewtonInterpolate: %v", err)
	}
	if len(poly) != len(points) {
		t.Fatalf("len(poly) = %d, want %d", len(poly), len(points))
	}
	for i, p := range points {
		if v := EvalPolyn(poly, p, f); v != values[i] {
			t.Errorf("poly(%d) = %d, want %d", p, v, values[i])
		}
	}
}

func TestNewtonInterpolateRepeatedPoint(t *testing.T) {
	f := mustField(t, 3)
	_, err := NewtonInterpolate([]field.Felt{1, 1}, []field.Felt{0, 0}, f)
	if err == nil {
		t.Fatal("expected RepeatedPoint error")
	}
}

func TestNewtonInterpolateEmpty(t *testing.T) {
	f := mustField(t, 65537)
	poly, err := NewtonInterpolate(nil, nil, f)
	if err != nil {
		t.Fatalf("NewtonInterpolate: %v", err)
	}
	if len(poly) != 1 || poly[0] != 0 {
		t.Errorf("got %v, want [0]", poly)
	}
}

func TestNewtonInterpolateAllZeroShortcut(t *testing.T) {
	f := mustField(t, 65537)
	points := []field.Felt{1, 2, 3}
	values := []field.Felt{0, 0, 0}
	poly, err := NewtonInterpolate(points, values, f)
	if err != nil {
		t.Fatalf("NewtonInterpolate: %v", err)
	}
	for _, c := range poly {
		if c != 0 {
			t.Errorf("expected all-zero polynomial, got %v", poly)
		}
	}
}

func TestNewtonInterpolateSizeMismatch(t *testing.T) {
	f := mustField(t, 65537)
	_, err := NewtonInterpolate([]field.Felt{1, 2}, []field.Felt{1}, f)
	if err == nil {
		t.Fatal("expected SizeMismatch error")
	}
}
