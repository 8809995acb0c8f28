package store

import (
	"fmt"
	"strings"

	"github.com/auroradata-ai/apsi-engine/internal/codec"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
	"github.com/auroradata-ai/apsi-engine/internal/sender"
)

// fieldSeparator joins multiple key columns into one opaque item value
// before hashing, so "first_name"+"last_name" never collides with a
// differently split pair of fields that happens to concatenate to the
// same bytes.
const fieldSeparator = "\x00"

// ItemBytes concatenates row's keyFields in order into the raw bytes an
// item is hashed from. Exported so both the Sender's load pipeline and the
// Receiver CLI derive item bytes from a row the same way.
func ItemBytes(row map[string]string, keyFields []string) []byte {
	parts := make([]string, len(keyFields))
	for i, f := range keyFields {
		parts[i] = row[f]
	}
	return []byte(strings.Join(parts, fieldSeparator))
}

// Populate reads every record out of src in pages and inserts it into db,
// driving each item through the Sender's own OPRF key directly (spec §4.3:
// "SenderDB stores items already passed through the OPRF under the
// Sender's own key") rather than the blinded round trip a Receiver uses.
// keyFields selects and orders the columns that make up the item; when
// labelField is non-empty, its column is padded/truncated to exactly
// labelByteCount bytes (spec §3: "all items share one label_byte_count")
// before being sealed under a per-item nonce (spec §9's label cipher) using
// nonceByteCount. Returns the number of rows inserted and the label_size
// computed for the SenderDB (0 when labelField is empty).
func Populate(db *sender.SenderDB, src Source, keyFields []string, labelField string, labelByteCount, nonceByteCount int) (inserted, labelSize int, err error) {
	params := db.Params()
	if labelField != "" {
		labelSize = LabelSize(params.Field, params.FeltsPerItem, labelByteCount, nonceByteCount)
	}

	const pageSize = 1000
	for start := 0; ; start += pageSize {
		rows, err := src.List(start, pageSize)
		if err != nil {
			return inserted, labelSize, fmt.Errorf("store: listing rows at offset %d: %w", start, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			raw := ItemBytes(row, keyFields)
			hashed, labelKey, err := oprf.EvaluateDirect(db.OPRFKey(), raw)
			if err != nil {
				return inserted, labelSize, fmt.Errorf("store: evaluating OPRF for row %d: %w", start+inserted, err)
			}

			keyFelts, err := codec.ItemToFelts(hashed[:], params.FeltsPerItem, params.PlainModulus)
			if err != nil {
				return inserted, labelSize, fmt.Errorf("store: encoding item felts: %w", err)
			}
			item := sender.EncodedItem{Hashed: hashed, Keys: toFelts(keyFelts)}

			if labelField != "" {
				nonce, sealed, err := oprf.SealLabel(labelKey, fixedWidth([]byte(row[labelField]), labelByteCount), nonceByteCount)
				if err != nil {
					return inserted, labelSize, fmt.Errorf("store: sealing label: %w", err)
				}
				labels, err := EncodeLabelParts(append(nonce, sealed...), params.Field, params.FeltsPerItem, labelSize, params.PlainModulus)
				if err != nil {
					return inserted, labelSize, fmt.Errorf("store: encoding label parts: %w", err)
				}
				item.Labels = labels
			}

			if err := db.Insert(item); err != nil {
				return inserted, labelSize, fmt.Errorf("store: inserting row %d: %w", start+inserted, err)
			}
			inserted++
		}
	}
	return inserted, labelSize, nil
}

func toFelts(raw []uint64) []field.Felt {
	out := make([]field.Felt, len(raw))
	for i, v := range raw {
		out[i] = field.Felt(v)
	}
	return out
}

// fixedWidth pads b with zero bytes or truncates it to exactly n bytes, so
// every sealed label has identical length regardless of the source row's
// original field width.
func fixedWidth(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}
