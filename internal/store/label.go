package store

import (
	"fmt"

	"github.com/auroradata-ai/apsi-engine/internal/codec"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
)

// LabelSize returns label_size: the number of label parts a stored
// (nonce || sealed-label) payload decomposes into, where each part is
// encoded into feltsPerItem felts the same way an item is (spec §3: "a
// label decomposes into one or more label parts, each encoded the same way
// as an item into felts"). The stored payload is nonce_byte_count bytes of
// nonce plus label_byte_count bytes of plaintext plus the label cipher's
// 16-byte MAC tag (internal/oprf.SealLabel).
func LabelSize(fld *field.Field, feltsPerItem, labelByteCount, nonceByteCount int) int {
	capacity := partByteCapacity(fld, feltsPerItem)
	total := labelByteCount + nonceByteCount + oprf.MACByteCount
	return (total + capacity - 1) / capacity
}

// partByteCapacity is how many raw bytes fit into one label part once
// chunked and encoded into feltsPerItem felts, matching codec.ItemToFelts'
// chunking of bitlen(p)-1 bits per felt.
func partByteCapacity(fld *field.Field, feltsPerItem int) int {
	bits := feltsPerItem * (fld.BitLen() - 1)
	if bytes := bits / 8; bytes > 0 {
		return bytes
	}
	return 1
}

// EncodeLabelParts splits sealed (the nonce-prefixed label ciphertext) into
// label_size fixed-size chunks, zero-padding the last, and encodes each
// through codec.ItemToFelts. The result is transposed into the
// [feltsPerItem][labelSize] shape sender.Item.Labels expects: result[j][part]
// is part's j-th felt.
func EncodeLabelParts(sealed []byte, fld *field.Field, feltsPerItem, labelSize int, plainModulus uint64) ([][]field.Felt, error) {
	capacity := partByteCapacity(fld, feltsPerItem)

	out := make([][]field.Felt, feltsPerItem)
	for j := range out {
		out[j] = make([]field.Felt, labelSize)
	}

	for part := 0; part < labelSize; part++ {
		start := part * capacity
		chunk := make([]byte, capacity)
		if start < len(sealed) {
			copy(chunk, sealed[start:min(start+capacity, len(sealed))])
		}
		felts, err := codec.ItemToFelts(chunk, feltsPerItem, plainModulus)
		if err != nil {
			return nil, fmt.Errorf("store: encoding label part %d: %w", part, err)
		}
		for j, v := range felts {
			out[j][part] = field.Felt(v)
		}
	}
	return out, nil
}
