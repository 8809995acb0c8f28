package oprf

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MACByteCount is the size of the authentication tag appended to every
// sealed label.
const MACByteCount = 16

// ErrLabelAuthentication is returned by OpenLabel when the MAC tag does not
// verify: either the wrong LabelKey was used or the ciphertext was altered.
var ErrLabelAuthentication = errors.New("oprf: label authentication failed")

// SealLabel encrypts a label under labelKey using a BLAKE2b-keyed keystream
// plus a BLAKE2b MAC over the ciphertext (spec §9 Open Question: the label
// cipher is pinned to this design rather than left to a generic AEAD,
// because the label length varies per item and the key material comes
// directly out of the OPRF rather than a KDF). nonceByteCount must match the
// SenderDB-wide Label.NonceByteCount; a random nonce of that length is
// generated and returned alongside the sealed bytes.
func SealLabel(labelKey [16]byte, label []byte, nonceByteCount int) (nonce, sealed []byte, err error) {
	nonce = make([]byte, nonceByteCount)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("oprf: nonce generation: %w", err)
	}

	keystream, err := labelKeystream(labelKey, nonce, len(label))
	if err != nil {
		return nil, nil, err
	}
	ciphertext := make([]byte, len(label))
	for i := range label {
		ciphertext[i] = label[i] ^ keystream[i]
	}

	tag, err := labelMAC(labelKey, nonce, ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return nonce, append(ciphertext, tag...), nil
}

// OpenLabel verifies and decrypts a label sealed by SealLabel. Returns
// ErrLabelAuthentication if the tag does not match.
func OpenLabel(labelKey [16]byte, nonce, sealed []byte) ([]byte, error) {
	if len(sealed) < MACByteCount {
		return nil, fmt.Errorf("%w: sealed label too short", ErrLabelAuthentication)
	}
	ciphertext := sealed[:len(sealed)-MACByteCount]
	tag := sealed[len(sealed)-MACByteCount:]

	wantTag, err := labelMAC(labelKey, nonce, ciphertext)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(tag, wantTag) != 1 {
		return nil, ErrLabelAuthentication
	}

	keystream, err := labelKeystream(labelKey, nonce, len(ciphertext))
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	for i := range ciphertext {
		plain[i] = ciphertext[i] ^ keystream[i]
	}
	return plain, nil
}

// labelKeystream derives a pseudorandom byte stream of length n from
// labelKey and nonce by hashing successive BLAKE2b-keyed counter blocks,
// the same counter-mode construction the original APSI label encryption
// uses over its own hash-based PRF.
func labelKeystream(labelKey [16]byte, nonce []byte, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for counter := uint64(0); len(out) < n; counter++ {
		h, err := blake2b.New512(labelKey[:])
		if err != nil {
			return nil, fmt.Errorf("oprf: blake2b keyed init: %w", err)
		}
		h.Write(nonce)
		h.Write(encodeCounter(counter))
		out = append(out, h.Sum(nil)...)
	}
	return out[:n], nil
}

// labelMAC computes a 16-byte authentication tag over nonce||ciphertext
// keyed by labelKey.
func labelMAC(labelKey [16]byte, nonce, ciphertext []byte) ([]byte, error) {
	h, err := blake2b.New(MACByteCount, labelKey[:])
	if err != nil {
		return nil, fmt.Errorf("oprf: blake2b MAC init: %w", err)
	}
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil), nil
}

func encodeCounter(c uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(c >> (8 * i))
	}
	return b
}
