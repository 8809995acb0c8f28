package oprf

import (
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// ItemByteCount and LabelKeyByteCount are the two halves a hashed OPRF
// output is split into (spec §4.4: "the Sender-evaluated point expands into
// a 128-bit Item and, when labels are enabled, a 128-bit LabelKey").
const (
	ItemByteCount     = 16
	LabelKeyByteCount = 16
)

// Key is the Sender's long-lived OPRF secret key.
type Key struct {
	scalar *edwards25519.Scalar
}

// GenerateKey samples a fresh random OPRF key.
func GenerateKey() (*Key, error) {
	s, err := randomNonzeroScalar()
	if err != nil {
		return nil, err
	}
	return &Key{scalar: s}, nil
}

// KeyFromBytes reconstructs a Key from its 32-byte canonical scalar
// encoding, as read back from SenderDB persisted state (spec §6).
func KeyFromBytes(b []byte) (*Key, error) {
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("oprf: invalid key encoding: %w", err)
	}
	return &Key{scalar: s}, nil
}

// Bytes returns the key's canonical 32-byte scalar encoding.
func (k *Key) Bytes() []byte {
	return k.scalar.Bytes()
}

// BlindedItem is a Receiver-held blind factor paired with the point sent to
// the Sender.
type BlindedItem struct {
	blind *edwards25519.Scalar
}

// Blind maps item to a curve point and blinds it by a fresh random scalar,
// returning the wire-format point to send to the Sender and the blind
// factor needed later to unblind the response (spec §4.4 step 1).
func Blind(item []byte) (blindedPoint []byte, blind *BlindedItem, err error) {
	p, err := hashToCurve(item)
	if err != nil {
		return nil, nil, err
	}
	r, err := randomNonzeroScalar()
	if err != nil {
		return nil, nil, err
	}
	b := new(edwards25519.Point).ScalarMult(r, p)
	return b.Bytes(), &BlindedItem{blind: r}, nil
}

// Evaluate is the Sender-side OPRF evaluation: multiply the received
// blinded point by the Sender's secret key. Returns ErrInvalidPoint if the
// wire bytes do not decode to a point on the curve.
func Evaluate(key *Key, blindedPoint []byte) ([]byte, error) {
	p, err := decodePoint(blindedPoint)
	if err != nil {
		return nil, err
	}
	eval := new(edwards25519.Point).ScalarMult(key.scalar, p)
	return eval.Bytes(), nil
}

// Unblind removes the Receiver's blind factor from the Sender's evaluated
// point, yielding k*H(item) in the clear, then finalizes it into a
// HashedItem and, when label decryption will be needed, a LabelKey (spec
// §4.4 step 3).
func Unblind(blind *BlindedItem, evaluatedPoint []byte) (hashedItem, labelKey [16]byte, err error) {
	p, err := decodePoint(evaluatedPoint)
	if err != nil {
		return hashedItem, labelKey, err
	}
	rInv := new(edwards25519.Scalar).Invert(blind.blind)
	result := new(edwards25519.Point).ScalarMult(rInv, p)
	return finalize(result)
}

// EvaluateDirect computes the OPRF output for an item without any blinding,
// used only by the Sender to derive the HashedItem/LabelKey it stores
// alongside each plaintext item (spec §4.3: SenderDB stores items already
// passed through the OPRF under the Sender's own key).
func EvaluateDirect(key *Key, item []byte) (hashedItem, labelKey [16]byte, err error) {
	p, err := hashToCurve(item)
	if err != nil {
		return hashedItem, labelKey, err
	}
	result := new(edwards25519.Point).ScalarMult(key.scalar, p)
	return finalize(result)
}

// finalize expands a curve point into a 256-bit digest via a BLAKE2b hash
// keyed by the point's canonical encoding, splitting it into the 128-bit
// HashedItem (used for cuckoo placement and bin matching) and the 128-bit
// LabelKey (used to key the per-item label cipher), per spec §4.4/§9.
func finalize(p *edwards25519.Point) (hashedItem, labelKey [16]byte, err error) {
	h, err := blake2b.New(32, p.Bytes())
	if err != nil {
		return hashedItem, labelKey, fmt.Errorf("oprf: blake2b init: %w", err)
	}
	h.Write([]byte("apsi-oprf-extract"))
	digest := h.Sum(nil)

	copy(hashedItem[:], digest[:ItemByteCount])
	copy(labelKey[:], digest[ItemByteCount:ItemByteCount+LabelKeyByteCount])
	return hashedItem, labelKey, nil
}
