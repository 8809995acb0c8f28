package sender

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
)

// stateMagic/stateVersion identify a SenderDB dump (spec §6 "magic number,
// version, PSIParams, label_byte_count, nonce_byte_count, OPRF key,
// bundle_count BinBundles"). Bumping stateVersion is required for any
// change to dbState's shape.
const (
	stateMagic   uint32 = 0x41505349 // "APSI"
	stateVersion uint16 = 1
)

type stateHeader struct {
	Magic   uint32
	Version uint16
}

type bundleState struct {
	BundleIdx int
	Bins      [][]BinEntry
}

type dbState struct {
	FeltsPerItem      int
	TableSize         uint32
	MaxItemsPerBin    int
	HashFuncCount     int
	PowersSet         []uint32
	PolyModulusDegree int
	CoeffModuliBits   []int
	PlainModulus      uint64
	LabelSize         int
	LabelByteCount    int
	NonceByteCount    int
	OPRFKey           []byte
	Bundles           []bundleState
}

// DumpState writes a stable binary snapshot of db to w: a fixed header
// followed by a gob-encoded payload carrying PSIParams, the OPRF key, and
// every BinBundle's raw bin contents (never the derived cache). labelByte/
// nonceByteCount are carried through as-is since SenderDB itself doesn't
// track them (the dispatcher does, per negotiated Params).
func (db *SenderDB) DumpState(w io.Writer, labelByteCount, nonceByteCount int) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	hdr := stateHeader{Magic: stateMagic, Version: stateVersion}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("senderdb: writing state header: %w", err)
	}

	st := dbState{
		FeltsPerItem:      db.params.FeltsPerItem,
		TableSize:         db.params.TableSize,
		MaxItemsPerBin:    db.params.MaxItemsPerBin,
		HashFuncCount:     db.params.HashFuncCount,
		PowersSet:         db.params.PowersSet,
		PolyModulusDegree: db.params.PolyModulusDegree,
		CoeffModuliBits:   db.params.CoeffModuliBits,
		PlainModulus:      db.params.PlainModulus,
		LabelSize:         db.labelSize,
		LabelByteCount:    labelByteCount,
		NonceByteCount:    nonceByteCount,
		OPRFKey:           db.oprfKey.Bytes(),
	}
	for idx, bundles := range db.bundles {
		for _, bndl := range bundles {
			st.Bundles = append(st.Bundles, bundleState{BundleIdx: idx, Bins: bndl.ExportBins()})
		}
	}

	if err := gob.NewEncoder(w).Encode(st); err != nil {
		return fmt.Errorf("senderdb: encoding state: %w", err)
	}
	return nil
}

// LoadState reconstructs a SenderDB from a DumpState snapshot. ctx is used
// only for the subsequent RegenerateStaleCaches call (see NewSenderDB's
// doc); every restored BinBundle starts with an invalid cache, so callers
// must call RegenerateStaleCaches before serving queries.
func LoadState(r io.Reader, ctx *crypto.Context) (*SenderDB, int, int, error) {
	var hdr stateHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, fmt.Errorf("senderdb: reading state header: %w", err)
	}
	if hdr.Magic != stateMagic {
		return nil, 0, 0, fmt.Errorf("senderdb: bad magic number %#x", hdr.Magic)
	}
	if hdr.Version != stateVersion {
		return nil, 0, 0, fmt.Errorf("senderdb: unsupported state version %d", hdr.Version)
	}

	var st dbState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return nil, 0, 0, fmt.Errorf("senderdb: decoding state: %w", err)
	}

	params, err := field.NewPSIParams(st.FeltsPerItem, st.TableSize, st.MaxItemsPerBin, st.HashFuncCount,
		st.PowersSet, st.PolyModulusDegree, st.CoeffModuliBits, st.PlainModulus)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("senderdb: reconstructing parameters: %w", err)
	}
	oprfKey, err := oprf.KeyFromBytes(st.OPRFKey)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("senderdb: reconstructing OPRF key: %w", err)
	}

	db := &SenderDB{
		params:    params,
		ctx:       ctx,
		labelSize: st.LabelSize,
		oprfKey:   oprfKey,
		bundles:   make(map[int][]*BinBundle),
	}
	for _, bs := range st.Bundles {
		bndl := RestoreBinBundle(params.Field, params.MaxItemsPerBin, st.LabelSize, bs.Bins)
		db.bundles[bs.BundleIdx] = append(db.bundles[bs.BundleIdx], bndl)
	}
	return db, st.LabelByteCount, st.NonceByteCount, nil
}
