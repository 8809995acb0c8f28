package crypto

import (
	"testing"

	"github.com/auroradata-ai/apsi-engine/internal/field"
)

func testParams(t *testing.T) *field.PSIParams {
	t.Helper()
	p, err := field.NewPSIParams(8, 512, 16, 3, []uint32{1, 3, 5}, 4096, []int{48, 30, 30}, 65537)
	if err != nil {
		t.Fatalf("NewPSIParams: %v", err)
	}
	return p
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx, err := NewContext(testParams(t))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	felts := make([]field.Felt, ctx.Slots())
	for i := range felts {
		felts[i] = field.Felt(i % 65537)
	}

	pt, err := ctx.EncodeFelts(felts)
	if err != nil {
		t.Fatalf("EncodeFelts: %v", err)
	}
	decoded, err := ctx.DecodeFelts(pt)
	if err != nil {
		t.Fatalf("DecodeFelts: %v", err)
	}
	for i := range felts {
		if decoded[i] != felts[i] {
			t.Fatalf("slot %d: got %d, want %d", i, decoded[i], felts[i])
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx, err := NewContext(testParams(t))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	felts := make([]field.Felt, ctx.Slots())
	for i := range felts {
		felts[i] = field.Felt(i*7 + 1)
	}

	ct, err := ctx.EncryptFelts(felts)
	if err != nil {
		t.Fatalf("EncryptFelts: %v", err)
	}
	decoded, err := ctx.DecryptFelts(ct)
	if err != nil {
		t.Fatalf("DecryptFelts: %v", err)
	}
	for i := range felts {
		if decoded[i] != felts[i] {
			t.Fatalf("slot %d: got %d, want %d", i, decoded[i], felts[i])
		}
	}
}

func TestMultiplyRelinComputesSlotwiseProduct(t *testing.T) {
	ctx, err := NewContext(testParams(t))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	a := make([]field.Felt, ctx.Slots())
	b := make([]field.Felt, ctx.Slots())
	for i := range a {
		a[i] = field.Felt(i%13 + 1)
		b[i] = field.Felt(i%11 + 2)
	}

	ctA, err := ctx.EncryptFelts(a)
	if err != nil {
		t.Fatalf("EncryptFelts(a): %v", err)
	}
	ctB, err := ctx.EncryptFelts(b)
	if err != nil {
		t.Fatalf("EncryptFelts(b): %v", err)
	}

	ctProd, err := ctx.MultiplyRelin(ctA, ctB)
	if err != nil {
		t.Fatalf("MultiplyRelin: %v", err)
	}
	decoded, err := ctx.DecryptFelts(ctProd)
	if err != nil {
		t.Fatalf("DecryptFelts: %v", err)
	}
	for i := range a {
		want := (uint64(a[i]) * uint64(b[i])) % 65537
		if uint64(decoded[i]) != want {
			t.Fatalf("slot %d: got %d, want %d", i, decoded[i], want)
		}
	}
}

func TestPublicKeyAndRelinKeySerialize(t *testing.T) {
	ctx, err := NewContext(testParams(t))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if _, err := ctx.PublicKeyBytes(); err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	if _, err := ctx.RelinKeyBytes(); err != nil {
		t.Fatalf("RelinKeyBytes: %v", err)
	}
}

// TestEvaluationContextNeverHoldsSecretKey exercises the Sender's side of
// the protocol asymmetry: a context built only from a receiver's exported
// public/relin key bytes can still encrypt and multiply, but can never
// decrypt.
func TestEvaluationContextNeverHoldsSecretKey(t *testing.T) {
	p := testParams(t)
	full, err := NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if !full.HasSecretKey() {
		t.Fatalf("NewContext-built context should hold a secret key")
	}

	pkBytes, err := full.PublicKeyBytes()
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	rlkBytes, err := full.RelinKeyBytes()
	if err != nil {
		t.Fatalf("RelinKeyBytes: %v", err)
	}

	evalCtx, err := NewEvaluationContext(p, pkBytes, rlkBytes)
	if err != nil {
		t.Fatalf("NewEvaluationContext: %v", err)
	}
	if evalCtx.HasSecretKey() {
		t.Fatalf("evaluation context must not hold a secret key")
	}

	felts := make([]field.Felt, evalCtx.Slots())
	for i := range felts {
		felts[i] = field.Felt(i % 13)
	}
	ct, err := evalCtx.EncryptFelts(felts)
	if err != nil {
		t.Fatalf("EncryptFelts on evaluation context: %v", err)
	}
	if _, err := evalCtx.DecryptFelts(ct); err == nil {
		t.Fatalf("expected DecryptFelts to fail on an evaluation-only context")
	}

	// The Receiver's full context can still decrypt what the Sender's
	// evaluation context produced, since both share the same public key.
	if _, err := full.DecryptFelts(ct); err != nil {
		t.Fatalf("full context should decrypt a ciphertext produced under its own public key: %v", err)
	}
}
