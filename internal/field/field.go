// Package field implements arithmetic over the plaintext prime field used by
// the BFV batching slots, and the PSIParams configuration that freezes the
// negotiated protocol parameters. A "felt" is a nonnegative integer strictly
// below the plaintext modulus p.
package field

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidModulus is returned when p is not usable as a field modulus.
var ErrInvalidModulus = errors.New("field: invalid modulus")

// Felt is a field element: an integer in [0, p).
type Felt uint64

// Field bundles a prime modulus with the arithmetic operations over it.
// Multiple Felt values are always interpreted relative to a specific Field.
type Field struct {
	p     uint64
	pBig  *big.Int
	bits  int // bitlen(p)
}

// New constructs a Field for modulus p. p must be prime and at least 3;
// primality itself is the caller's responsibility (PSIParams validates it
// once at negotiation time; re-checking per call would be wasteful).
func New(p uint64) (*Field, error) {
	if p < 3 {
		return nil, fmt.Errorf("%w: p=%d must be >= 3", ErrInvalidModulus, p)
	}
	return &Field{
		p:    p,
		pBig: new(big.Int).SetUint64(p),
		bits: bitLen(p),
	}, nil
}

// Modulus returns p.
func (f *Field) Modulus() uint64 { return f.p }

// BitLen returns bitlen(p).
func (f *Field) BitLen() int { return f.bits }

// Reduce reduces an arbitrary uint64 modulo p.
func (f *Field) Reduce(x uint64) Felt { return Felt(x % f.p) }

// Add returns a+b mod p.
func (f *Field) Add(a, b Felt) Felt {
	s := uint64(a) + uint64(b)
	if s >= f.p {
		s -= f.p
	}
	return Felt(s)
}

// Sub returns a-b mod p.
func (f *Field) Sub(a, b Felt) Felt {
	if a >= b {
		return Felt(uint64(a) - uint64(b))
	}
	return Felt(f.p - uint64(b) + uint64(a))
}

// Neg returns -a mod p.
func (f *Field) Neg(a Felt) Felt {
	if a == 0 {
		return 0
	}
	return Felt(f.p - uint64(a))
}

// Mul returns a*b mod p. Uses 128-bit intermediate math.Big since p can be
// up to ~17 bits but multiplication of two such values plus future larger
// plain moduli must not overflow a uint64 accumulation path; big.Int keeps
// this correct for any p that fits in 63 bits.
func (f *Field) Mul(a, b Felt) Felt {
	var prod big.Int
	prod.Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	prod.Mod(&prod, f.pBig)
	return Felt(prod.Uint64())
}

// Inverse returns a^-1 mod p via Fermat's little theorem (p must be prime):
// a^(p-2) mod p.
func (f *Field) Inverse(a Felt) (Felt, error) {
	if a == 0 {
		return 0, errors.New("field: inverse of zero")
	}
	exp := new(big.Int).Sub(f.pBig, big.NewInt(2))
	r := new(big.Int).Exp(big.NewInt(int64(a)), exp, f.pBig)
	return Felt(r.Uint64()), nil
}

// bitLen returns the number of bits needed to represent x (x>0).
func bitLen(x uint64) int {
	n := 0
	for x > 0 {
		n++
		x >>= 1
	}
	return n
}
