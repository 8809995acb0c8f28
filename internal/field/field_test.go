package field

import "testing"

func TestArithmeticRoundTrip(t *testing.T) {
	f, err := New(65537)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, b := Felt(40000), Felt(50000)
	sum := f.Add(a, b)
	if got := f.Sub(sum, b); got != a {
		t.Errorf("Add/Sub round trip: got %d want %d", got, a)
	}

	neg := f.Neg(a)
	if f.Add(a, neg) != 0 {
		t.Errorf("a + (-a) != 0")
	}

	prod := f.Mul(a, b)
	inv, err := f.Inverse(b)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	if got := f.Mul(prod, inv); got != a {
		t.Errorf("Mul/Inverse round trip: got %d want %d", got, a)
	}
}

func TestInverseOfZeroFails(t *testing.T) {
	f, _ := New(65537)
	if _, err := f.Inverse(0); err == nil {
		t.Error("expected error inverting zero")
	}
}

func TestNewRejectsSmallModulus(t *testing.T) {
	if _, err := New(2); err == nil {
		t.Error("expected error for p=2")
	}
	if _, err := New(0); err == nil {
		t.Error("expected error for p=0")
	}
}

func TestPSIParamsDerivedQuantities(t *testing.T) {
	p, err := NewPSIParams(8, 512, 16, 3, []uint32{1, 3, 5}, 4096, []int{48, 30, 30}, 65537)
	if err != nil {
		t.Fatalf("NewPSIParams: %v", err)
	}
	if p.ItemsPerBundle != 4096/8 {
		t.Errorf("ItemsPerBundle = %d, want %d", p.ItemsPerBundle, 4096/8)
	}
	wantBundles := (512 + p.ItemsPerBundle - 1) / p.ItemsPerBundle
	if p.BundleCount != wantBundles {
		t.Errorf("BundleCount = %d, want %d", p.BundleCount, wantBundles)
	}
}

func TestPSIParamsRejectsNonPowerOfTwoTable(t *testing.T) {
	_, err := NewPSIParams(8, 500, 16, 3, []uint32{1, 3, 5}, 4096, nil, 65537)
	if err == nil {
		t.Error("expected error for non-power-of-two table size")
	}
}

func TestPSIParamsAcceptsPowersReachableFromOne(t *testing.T) {
	_, err := NewPSIParams(8, 512, 16, 3, []uint32{1, 4}, 4096, nil, 65537)
	if err != nil {
		t.Errorf("powers_set {1,4} reaches 2=1+1 and 3=1+2, expected no error: %v", err)
	}
}

func TestPSIParamsRejectsCompositeModulus(t *testing.T) {
	_, err := NewPSIParams(8, 512, 16, 3, []uint32{1}, 4096, nil, 100)
	if err == nil {
		t.Error("expected error for composite plain modulus")
	}
}
