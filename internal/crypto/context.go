// Package crypto wraps the homomorphic-encryption library behind the small
// surface the rest of the engine needs: batched encode/decode, ciphertext
// multiply-and-relinearize, and modulus switching (spec §4.1, §4.6, §5). The
// scheme itself — BFV, batching, NTT, relinearization, modulus switching —
// is the "underlying homomorphic encryption library" spec.md §1 treats as an
// external collaborator; we back it with lattigo's BFV implementation
// rather than hand-roll one, per the "never reach for stdlib when the
// ecosystem shows a library" rule.
package crypto

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bfv"

	"github.com/auroradata-ai/apsi-engine/internal/field"
)

// ErrNoSecretKey is returned by Decrypt/DecryptFelts on a context built by
// NewEvaluationContext, which by design never holds a secret key.
var ErrNoSecretKey = errors.New("crypto: context has no secret key")

// Context is the immutable, freely-shared-by-reference HE context spec §5
// describes: "CryptoContext (HE keys, evaluator): immutable after
// construction; freely shared by immutable reference across threads."
type Context struct {
	params    bfv.Parameters
	encoder   *bfv.Encoder
	sk        *rlwe.SecretKey
	pk        *rlwe.PublicKey
	rlk       *rlwe.RelinearizationKey
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *bfv.Evaluator
}

// bfvParameters constructs the lattigo BFV parameter set shared by both the
// key-generating and evaluation-only constructors.
func bfvParameters(p *field.PSIParams) (bfv.Parameters, error) {
	logN := bits.Len(uint(p.PolyModulusDegree)) - 1
	if 1<<logN != p.PolyModulusDegree {
		return bfv.Parameters{}, fmt.Errorf("crypto: poly_modulus_degree %d is not a power of two", p.PolyModulusDegree)
	}

	lit := bfv.ParametersLiteral{
		LogN:             logN,
		LogQ:             p.CoeffModuliBits,
		PlaintextModulus: p.PlainModulus,
	}
	params, err := bfv.NewParametersFromLiteral(lit)
	if err != nil {
		return bfv.Parameters{}, fmt.Errorf("crypto: parameter construction: %w", err)
	}
	return params, nil
}

// NewContext builds a fresh HE context, including a freshly generated
// secret key, for the given PSI parameters. The Receiver uses it for its
// query keys; it is the only party that decrypts a result. cmd/apsi's Sender
// subcommands also build one, used solely as the SenderDB's plaintext
// encoder; those keys never touch a query.
func NewContext(p *field.PSIParams) (*Context, error) {
	params, err := bfvParameters(p)
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)

	encoder := bfv.NewEncoder(params)
	encryptor := rlwe.NewEncryptor(params, pk)
	decryptor := rlwe.NewDecryptor(params, sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk)
	evaluator := bfv.NewEvaluator(params, evk)

	return &Context{
		params:    params,
		encoder:   encoder,
		sk:        sk,
		pk:        pk,
		rlk:       rlk,
		encryptor: encryptor,
		decryptor: decryptor,
		evaluator: evaluator,
	}, nil
}

// NewEvaluationContext builds an evaluation-only HE context from a public
// key and relinearization key received over the wire (both carried by the
// Receiver's SOP_QUERY, spec §6). This is the Sender's constructor: the
// Sender homomorphically evaluates BinBundles against the Receiver's query
// ciphertexts, but per spec §1's asymmetry, it must never construct or
// possess the Receiver's secret key. Decrypt and DecryptFelts on a context
// built this way always fail.
func NewEvaluationContext(p *field.PSIParams, pkBytes, rlkBytes []byte) (*Context, error) {
	params, err := bfvParameters(p)
	if err != nil {
		return nil, err
	}

	pk := rlwe.NewPublicKey(params)
	if err := pk.UnmarshalBinary(pkBytes); err != nil {
		return nil, fmt.Errorf("crypto: decode public key: %w", err)
	}
	rlk := rlwe.NewRelinearizationKey(params)
	if err := rlk.UnmarshalBinary(rlkBytes); err != nil {
		return nil, fmt.Errorf("crypto: decode relinearization key: %w", err)
	}

	encoder := bfv.NewEncoder(params)
	encryptor := rlwe.NewEncryptor(params, pk)
	evk := rlwe.NewMemEvaluationKeySet(rlk)
	evaluator := bfv.NewEvaluator(params, evk)

	return &Context{
		params:    params,
		encoder:   encoder,
		pk:        pk,
		rlk:       rlk,
		encryptor: encryptor,
		evaluator: evaluator,
	}, nil
}

// HasSecretKey reports whether this context can decrypt, i.e. whether it
// was built by NewContext rather than NewEvaluationContext.
func (c *Context) HasSecretKey() bool { return c.sk != nil }

// Slots returns the number of batching slots, equal to PolyModulusDegree.
func (c *Context) Slots() int { return c.params.N() }

// PublicKeyBytes returns the canonical serialization of the public key,
// transmitted alongside a query in SOP_QUERY (spec §6).
func (c *Context) PublicKeyBytes() ([]byte, error) { return c.pk.MarshalBinary() }

// RelinKeyBytes returns the canonical serialization of the relinearization
// key, transmitted alongside a query in SOP_QUERY (spec §6).
func (c *Context) RelinKeyBytes() ([]byte, error) { return c.rlk.MarshalBinary() }

// EncodeFelts batches a slice of field elements (length must be Slots())
// into a fresh plaintext in NTT form, ready for multiplication.
func (c *Context) EncodeFelts(felts []field.Felt) (*rlwe.Plaintext, error) {
	raw := make([]uint64, len(felts))
	for i, v := range felts {
		raw[i] = uint64(v)
	}
	pt := bfv.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(raw, pt); err != nil {
		return nil, fmt.Errorf("crypto: encode: %w", err)
	}
	return pt, nil
}

// DecodeFelts unbatches a plaintext back into its slot values.
func (c *Context) DecodeFelts(pt *rlwe.Plaintext) ([]field.Felt, error) {
	raw := make([]uint64, c.Slots())
	if err := c.encoder.Decode(pt, raw); err != nil {
		return nil, fmt.Errorf("crypto: decode: %w", err)
	}
	out := make([]field.Felt, len(raw))
	for i, v := range raw {
		out[i] = field.Felt(v)
	}
	return out, nil
}

// Encrypt encrypts a plaintext under the context's public key.
func (c *Context) Encrypt(pt *rlwe.Plaintext) (*rlwe.Ciphertext, error) {
	ct := bfv.NewCiphertext(c.params, 1, c.params.MaxLevel())
	if err := c.encryptor.Encrypt(pt, ct); err != nil {
		return nil, fmt.Errorf("crypto: encrypt: %w", err)
	}
	return ct, nil
}

// EncryptFelts is the common case of Encode then Encrypt.
func (c *Context) EncryptFelts(felts []field.Felt) (*rlwe.Ciphertext, error) {
	pt, err := c.EncodeFelts(felts)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(pt)
}

// Decrypt decrypts a ciphertext under the context's secret key. It returns
// ErrNoSecretKey on an evaluation-only context.
func (c *Context) Decrypt(ct *rlwe.Ciphertext) (*rlwe.Plaintext, error) {
	if c.decryptor == nil {
		return nil, ErrNoSecretKey
	}
	pt := bfv.NewPlaintext(c.params, ct.Level())
	c.decryptor.Decrypt(ct, pt)
	return pt, nil
}

// DecryptFelts is the common case of Decrypt then Decode.
func (c *Context) DecryptFelts(ct *rlwe.Ciphertext) ([]field.Felt, error) {
	pt, err := c.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	return c.DecodeFelts(pt)
}

// MultiplyRelin multiplies two ciphertexts and relinearizes the result back
// to degree one, as required at every non-source node of a PowersDag
// expansion (spec §4.8 step 2: "multiply the two parent ciphertexts,
// relinearize, then transform-to-NTT").
func (c *Context) MultiplyRelin(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	level := a.Level()
	if b.Level() < level {
		level = b.Level()
	}
	out := bfv.NewCiphertext(c.params, 1, level)
	if err := c.evaluator.MulRelin(a, b, out); err != nil {
		return nil, fmt.Errorf("crypto: multiply-relinearize: %w", err)
	}
	return out, nil
}

// MultiplyPlainAdd computes acc += coeff*ct where coeff is a batched
// plaintext, the core step of evaluating a batched polynomial against a
// power ciphertext (spec §4.6 "Evaluation").
func (c *Context) MultiplyPlainAdd(acc *rlwe.Ciphertext, coeff *rlwe.Plaintext, ct *rlwe.Ciphertext) error {
	term := bfv.NewCiphertext(c.params, 1, ct.Level())
	if err := c.evaluator.Mul(ct, coeff, term); err != nil {
		return fmt.Errorf("crypto: multiply-plain: %w", err)
	}
	return c.evaluator.Add(acc, term, acc)
}

// AddPlain adds a batched plaintext constant into an accumulator ciphertext
// (the degree-0 term of a batched polynomial evaluation).
func (c *Context) AddPlain(acc *rlwe.Ciphertext, constant *rlwe.Plaintext) error {
	return c.evaluator.Add(acc, constant, acc)
}

// NewZeroCiphertext returns a fresh ciphertext encrypting the all-zero
// plaintext, used to seed a batched-polynomial evaluation accumulator.
func (c *Context) NewZeroCiphertext(level int) *rlwe.Ciphertext {
	return bfv.NewCiphertext(c.params, 1, level)
}

// MaxLevel returns the top modulus level of the negotiated parameter set, the
// level a freshly seeded accumulator ciphertext must be created at so it
// matches the level of the power-basis ciphertexts it gets multiplied
// against.
func (c *Context) MaxLevel() int {
	return c.params.MaxLevel()
}

// ModSwitchToSmallest switches ct down to the single-prime modulus level
// (spec §4.6: "the Sender modulus-switches the result to the smallest
// parameter set supported by the remaining noise budget").
func (c *Context) ModSwitchToSmallest(ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	out := bfv.NewCiphertext(c.params, ct.Degree(), 0)
	if err := c.evaluator.ModSwitchTo(0, ct, out); err != nil {
		return nil, fmt.Errorf("crypto: modulus switch: %w", err)
	}
	return out, nil
}
