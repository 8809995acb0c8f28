// Package receiver implements the Receiver side of the protocol (spec
// §4.9): parameter caching, the OPRF round trip, cuckoo-based query
// construction, and result decoding. Grounded on
// original_source/APSIReceiver/apsi/receiver.h's method shape and the
// teacher's internal/server/receiver.go synchronous request/response flow,
// replaced with framed internal/channel/internal/protocol exchanges instead
// of ad hoc text lines.
package receiver

import (
	"errors"
	"fmt"

	"github.com/auroradata-ai/apsi-engine/internal/channel"
	"github.com/auroradata-ai/apsi-engine/internal/codec"
	"github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
	"github.com/auroradata-ai/apsi-engine/internal/powers"
	"github.com/auroradata-ai/apsi-engine/internal/protocol"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// ErrInvalidLabel is surfaced when a matched label fails AEAD verification,
// signaling tampering or a wrong LabelKey (spec §4.9 "signal InvalidLabel on
// MAC failure").
var ErrInvalidLabel = errors.New("receiver: label authentication failed")

// Params caches the negotiated PSIParams, as returned by request_params.
type Params struct {
	PSI            *field.PSIParams
	LabelEnabled   bool
	LabelByteCount int
	NonceByteCount int
}

// Receiver drives one session against a single Sender over ch.
type Receiver struct {
	ch     *channel.Channel
	params *Params
	ctx    *crypto.Context // built once Params is known, used to encrypt queries
}

// New wraps an already-connected Channel.
func New(ch *channel.Channel) *Receiver {
	return &Receiver{ch: ch}
}

// RequestParams sends ParmsRequest and caches the negotiated parameters.
func (r *Receiver) RequestParams() (*Params, error) {
	if err := r.ch.Send(protocol.SOPParms, protocol.ParmsRequest{}); err != nil {
		return nil, fmt.Errorf("receiver: sending SOP_PARMS: %w", err)
	}

	var resp protocol.ParmsResponse
	if _, err := r.ch.Receive(&resp); err != nil {
		return nil, fmt.Errorf("receiver: receiving RSP_PARMS: %w", err)
	}

	psi, err := field.NewPSIParams(resp.FeltsPerItem, resp.TableSize, resp.MaxItemsPerBin, resp.HashFuncCount,
		resp.PowersSet, resp.PolyModulusDegree, resp.CoeffModuliBits, resp.PlainModulus)
	if err != nil {
		return nil, fmt.Errorf("receiver: negotiated parameters invalid: %w", err)
	}

	r.params = &Params{
		PSI:            psi,
		LabelEnabled:   resp.LabelEnabled,
		LabelByteCount: resp.LabelByteCount,
		NonceByteCount: resp.NonceByteCount,
	}
	return r.params, nil
}

// RequestOPRF blinds items, exchanges them with the Sender, and returns the
// per-item HashedItem and LabelKey the Sender's OPRF evaluation yields
// (spec §4.9 "blind -> send -> receive -> unblind -> hash").
func (r *Receiver) RequestOPRF(items [][]byte) (hashed [][16]byte, labelKeys [][16]byte, err error) {
	blinds := make([]*oprf.BlindedItem, len(items))
	req := protocol.OPRFRequest{BlindedPoints: make([][]byte, len(items))}
	for i, item := range items {
		point, blind, err := oprf.Blind(item)
		if err != nil {
			return nil, nil, fmt.Errorf("receiver: blinding item %d: %w", i, err)
		}
		blinds[i] = blind
		req.BlindedPoints[i] = point
	}

	if err := r.ch.Send(protocol.SOPOPRF, req); err != nil {
		return nil, nil, fmt.Errorf("receiver: sending SOP_OPRF: %w", err)
	}
	var resp protocol.OPRFResponse
	if _, err := r.ch.Receive(&resp); err != nil {
		return nil, nil, fmt.Errorf("receiver: receiving RSP_OPRF: %w", err)
	}
	if len(resp.EvaluatedPoints) != len(items) {
		return nil, nil, fmt.Errorf("receiver: OPRF response has %d points, want %d", len(resp.EvaluatedPoints), len(items))
	}

	hashed = make([][16]byte, len(items))
	labelKeys = make([][16]byte, len(items))
	for i := range items {
		h, lk, err := oprf.Unblind(blinds[i], resp.EvaluatedPoints[i])
		if err != nil {
			return nil, nil, fmt.Errorf("receiver: unblinding item %d: %w", i, err)
		}
		hashed[i] = h
		labelKeys[i] = lk
	}
	return hashed, labelKeys, nil
}

// IndexTranslation maps a cuckoo table slot index to the original items
// vector index, for undoing the cuckoo permutation in extract_result.
type IndexTranslation map[uint32]int

// Query is the prepared (index_translation, query) pair from create_query.
type Query struct {
	IndexTranslation IndexTranslation
	Request          protocol.QueryRequest
	table            *Table
}

// CreateQuery cuckoo-inserts the hashed items, encodes each occupied slot
// into felts, encrypts the power basis, and returns the query plus its
// index translation (spec §4.9 create_query).
func (r *Receiver) CreateQuery(hashedItems [][16]byte) (*Query, error) {
	if r.params == nil {
		return nil, fmt.Errorf("receiver: call RequestParams first")
	}
	p := r.params.PSI

	if r.ctx == nil {
		ctx, err := crypto.NewContext(p)
		if err != nil {
			return nil, fmt.Errorf("receiver: building HE context: %w", err)
		}
		r.ctx = ctx
	}

	table := NewTable(p.TableSize, p.HashFuncCount)
	translation := make(IndexTranslation)
	for i, h := range hashedItems {
		if err := table.Insert(h, i); err != nil {
			return nil, fmt.Errorf("receiver: cuckoo insert item %d: %w", i, err)
		}
	}
	for loc, s := range table.Slots() {
		if s.Occupied {
			translation[uint32(loc)] = s.OriginalIndex
		}
	}

	dag, err := powers.Configure(p.PowersSet, targetsUpTo(p.MaxItemsPerBin))
	if err != nil {
		return nil, fmt.Errorf("receiver: building PowersDag: %w", err)
	}

	// itemFelts[slot] holds the felts_per_item-wide encoding of the item
	// resident at that table slot (or the all-zero sentinel for an empty
	// slot, per spec §4.9 step 2).
	slots := table.Slots()
	itemFelts := make([][]field.Felt, p.TableSize)
	for i, s := range slots {
		itemFelts[i] = make([]field.Felt, p.FeltsPerItem)
		if !s.Occupied {
			continue
		}
		raw, err := codec.ItemToFelts(s.Hashed[:], p.FeltsPerItem, p.PlainModulus)
		if err != nil {
			return nil, fmt.Errorf("receiver: encoding slot %d: %w", i, err)
		}
		for j, v := range raw {
			itemFelts[i][j] = field.Felt(v)
		}
	}

	pkBytes, err := r.ctx.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("receiver: serializing public key: %w", err)
	}
	rlkBytes, err := r.ctx.RelinKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("receiver: serializing relin key: %w", err)
	}

	req := protocol.QueryRequest{PublicKey: pkBytes, RelinKey: rlkBytes}
	for _, power := range dag.TargetPowers() {
		node, _ := dag.Node(power)
		if !node.IsSource() {
			continue
		}
		for bundleIdx := 0; bundleIdx < p.BundleCount; bundleIdx++ {
			// Each of the N batching slots in this bundle's ciphertext is
			// one bin: bin index decomposes into (item-slot-offset,
			// felt-index-within-item), matching BinBundle's bin layout.
			bins := make([]field.Felt, r.ctx.Slots())
			for bin := 0; bin < r.ctx.Slots(); bin++ {
				itemOffset := bin / p.FeltsPerItem
				feltIndex := bin % p.FeltsPerItem
				globalSlot := bundleIdx*p.ItemsPerBundle + itemOffset
				if globalSlot < len(itemFelts) && itemOffset < p.ItemsPerBundle {
					bins[bin] = powFelt(itemFelts[globalSlot][feltIndex], power, p.Field)
				}
			}
			ct, err := r.ctx.EncryptFelts(bins)
			if err != nil {
				return nil, fmt.Errorf("receiver: encrypting power %d bundle %d: %w", power, bundleIdx, err)
			}
			ctBytes, err := ct.MarshalBinary()
			if err != nil {
				return nil, fmt.Errorf("receiver: serializing ciphertext: %w", err)
			}
			req.Powers = append(req.Powers, protocol.PowerCiphertext{Power: power, BundleIdx: bundleIdx, Ciphertext: ctBytes})
		}
	}

	return &Query{IndexTranslation: translation, Request: req, table: table}, nil
}

// powFelt computes base^exp in the field via repeated multiplication; exponents
// here are always small powers from PowersSet (single digits in practice).
func powFelt(base field.Felt, exp uint32, f *field.Field) field.Felt {
	result := field.Felt(1)
	for i := uint32(0); i < exp; i++ {
		result = f.Mul(result, base)
	}
	return result
}

func targetsUpTo(max int) []uint32 {
	out := make([]uint32, max)
	for i := range out {
		out[i] = uint32(i + 1)
	}
	return out
}

// SendQuery transmits q and returns the announced package_count (spec §4.8
// "emit package_count before streaming packages").
func (r *Receiver) SendQuery(q *Query) (int, error) {
	if err := r.ch.Send(protocol.SOPQuery, q.Request); err != nil {
		return 0, fmt.Errorf("receiver: sending SOP_QUERY: %w", err)
	}
	var hdr protocol.QueryResponseHeader
	if _, err := r.ch.Receive(&hdr); err != nil {
		return 0, fmt.Errorf("receiver: receiving RSP_QUERY: %w", err)
	}
	return hdr.PackageCount, nil
}

// ReceivePackage reads one streamed RESULT_PACKAGE message.
func (r *Receiver) ReceivePackage() (protocol.ResultPackageMsg, error) {
	var pkg protocol.ResultPackageMsg
	if _, err := r.ch.Receive(&pkg); err != nil {
		return pkg, fmt.Errorf("receiver: receiving RESULT_PACKAGE: %w", err)
	}
	return pkg, nil
}

// MatchResult is one decoded intersection hit, keyed by the original items
// vector index passed to CreateQuery.
type MatchResult struct {
	OriginalIndex int
	Label         []byte // nil unless the package carried a verified label
}

// ExtractResult decrypts every package's PSI result (and, in labeled mode,
// label ciphertexts), determines which original items matched, and
// authenticates/decrypts their labels (spec §4.9 extract_result).
func (r *Receiver) ExtractResult(q *Query, packages []protocol.ResultPackageMsg, labelKeys [][16]byte, labelOpener LabelOpener) ([]MatchResult, error) {
	p := r.params.PSI
	matchedOriginal := make(map[int]bool)
	labelByOriginal := make(map[int][]byte)

	for _, pkg := range packages {
		ct := new(rlwe.Ciphertext)
		if err := ct.UnmarshalBinary(pkg.PSIResult); err != nil {
			return nil, fmt.Errorf("receiver: unmarshaling PSI result: %w", err)
		}
		felts, err := r.ctx.DecryptFelts(ct)
		if err != nil {
			return nil, fmt.Errorf("receiver: decrypting PSI result: %w", err)
		}

		for offset := 0; offset < p.ItemsPerBundle; offset++ {
			allZero := true
			for j := 0; j < p.FeltsPerItem; j++ {
				if felts[offset*p.FeltsPerItem+j] != 0 {
					allZero = false
					break
				}
			}
			if !allZero {
				continue
			}
			globalSlot := uint32(pkg.BundleIdx*p.ItemsPerBundle + offset)
			originalIdx, ok := q.IndexTranslation[globalSlot]
			if !ok {
				continue
			}
			matchedOriginal[originalIdx] = true

			if len(pkg.LabelResults) == 0 {
				continue
			}
			label, err := r.decodeLabel(pkg, offset, labelKeys[originalIdx], labelOpener)
			if err != nil {
				return nil, fmt.Errorf("receiver: item %d: %w", originalIdx, err)
			}
			labelByOriginal[originalIdx] = label
		}
	}

	results := make([]MatchResult, 0, len(matchedOriginal))
	for idx := range matchedOriginal {
		results = append(results, MatchResult{OriginalIndex: idx, Label: labelByOriginal[idx]})
	}
	return results, nil
}

// LabelOpener authenticates and decrypts a sealed label given its key,
// nonce, and ciphertext (internal/oprf.OpenLabel satisfies this).
type LabelOpener func(labelKey [16]byte, nonce, sealed []byte) ([]byte, error)

// decodeLabel reconstructs a matched item's label from its bundle's label
// ciphertexts. Label part `part` occupies the item's footprint bins
// [offset*FeltsPerItem, offset*FeltsPerItem+FeltsPerItem) of
// LabelResults[part]. The felts are read part-major (every footprint bin of
// part 0, then of part 1, ...), the order in which
// internal/store.EncodeLabelParts lays consecutive chunks of the sealed
// payload across parts.
func (r *Receiver) decodeLabel(pkg protocol.ResultPackageMsg, offset int, labelKey [16]byte, opener LabelOpener) ([]byte, error) {
	p := r.params.PSI
	labelFelts := make([]field.Felt, 0, p.FeltsPerItem*len(pkg.LabelResults))

	partFelts := make([][]field.Felt, len(pkg.LabelResults))
	for part, raw := range pkg.LabelResults {
		ct := new(rlwe.Ciphertext)
		if err := ct.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("unmarshaling label part %d ciphertext: %w", part, err)
		}
		felts, err := r.ctx.DecryptFelts(ct)
		if err != nil {
			return nil, fmt.Errorf("decrypting label part %d: %w", part, err)
		}
		partFelts[part] = felts
	}
	for _, felts := range partFelts {
		for j := 0; j < p.FeltsPerItem; j++ {
			labelFelts = append(labelFelts, felts[offset*p.FeltsPerItem+j])
		}
	}

	raw := make([]uint64, len(labelFelts))
	for i, v := range labelFelts {
		raw[i] = uint64(v)
	}
	sealedByteCount := pkg.LabelByteCount + pkg.NonceByteCount + oprf.MACByteCount
	bits, err := codec.FeltsToBits(raw, sealedByteCount*8, p.PlainModulus)
	if err != nil {
		return nil, fmt.Errorf("decoding label bits: %w", err)
	}
	sealed := codec.BitsToBytes(bits)
	if len(sealed) < pkg.NonceByteCount {
		return nil, fmt.Errorf("label payload shorter than nonce_byte_count")
	}
	nonce := sealed[:pkg.NonceByteCount]
	ciphertext := sealed[pkg.NonceByteCount:]

	plain, err := opener(labelKey, nonce, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLabel, err)
	}
	return plain, nil
}

// Close shuts down the underlying channel.
func (r *Receiver) Close() error { return r.ch.Close() }
