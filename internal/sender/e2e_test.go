package sender_test

import (
	"testing"

	"github.com/auroradata-ai/apsi-engine/internal/channel"
	"github.com/auroradata-ai/apsi-engine/internal/codec"
	"github.com/auroradata-ai/apsi-engine/internal/config"
	"github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
	"github.com/auroradata-ai/apsi-engine/internal/protocol"
	"github.com/auroradata-ai/apsi-engine/internal/receiver"
	"github.com/auroradata-ai/apsi-engine/internal/sender"
	"github.com/auroradata-ai/apsi-engine/internal/store"
)

// buildDB loads the sender's set with the given fixture items, each hashed
// directly under the Sender's own OPRF key (spec §4.3 — the Sender never
// runs the blind/unblind round trip it hands the Receiver).
func buildDB(t *testing.T, present []string) *sender.SenderDB {
	t.Helper()
	params, err := field.NewPSIParams(1, 64, 8, 3, []uint32{1, 2, 4}, 4096, []int{48, 30, 30}, 65537)
	if err != nil {
		t.Fatalf("NewPSIParams: %v", err)
	}
	ctx, err := crypto.NewContext(params)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	db, err := sender.NewSenderDB(params, ctx, 0, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	for _, item := range present {
		hashed, _, err := oprf.EvaluateDirect(db.OPRFKey(), []byte(item))
		if err != nil {
			t.Fatalf("EvaluateDirect(%q): %v", item, err)
		}
		raw, err := codec.ItemToFelts(hashed[:], params.FeltsPerItem, params.PlainModulus)
		if err != nil {
			t.Fatalf("encoding %q: %v", item, err)
		}
		keys := make([]field.Felt, len(raw))
		for i, v := range raw {
			keys[i] = field.Felt(v)
		}
		if err := db.Insert(sender.EncodedItem{Hashed: hashed, Keys: keys}); err != nil {
			t.Fatalf("Insert(%q): %v", item, err)
		}
	}
	if err := db.RegenerateStaleCaches(); err != nil {
		t.Fatalf("RegenerateStaleCaches: %v", err)
	}
	return db
}

// TestEndToEndQueryFindsOnlyPresentItems drives the full wire protocol over
// a real TCP loopback connection: a Dispatcher serving one SenderDB against
// a Receiver asking about a mix of present and absent items, with no label
// layer involved (spec §4.9's unlabeled path).
func TestEndToEndQueryFindsOnlyPresentItems(t *testing.T) {
	db := buildDB(t, []string{"alice@example.com", "bob@example.com"})

	eng, err := sender.NewEngine(db, 2, 0, 0)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ln, err := channel.Listen("127.0.0.1:0", &config.Config{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	dispatcher := sender.NewDispatcher(ln, db, eng, false, 0, 0)
	go func() {
		_ = dispatcher.Serve()
	}()
	defer dispatcher.Stop()

	ch, err := channel.Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	r := receiver.New(ch)
	defer r.Close()

	if _, err := r.RequestParams(); err != nil {
		t.Fatalf("RequestParams: %v", err)
	}

	items := [][]byte{[]byte("alice@example.com"), []byte("carol@example.com")}
	hashed, labelKeys, err := r.RequestOPRF(items)
	if err != nil {
		t.Fatalf("RequestOPRF: %v", err)
	}

	query, err := r.CreateQuery(hashed)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	packageCount, err := r.SendQuery(query)
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}

	packages := make([]protocol.ResultPackageMsg, 0, packageCount)
	for i := 0; i < packageCount; i++ {
		pkg, err := r.ReceivePackage()
		if err != nil {
			t.Fatalf("ReceivePackage %d/%d: %v", i+1, packageCount, err)
		}
		packages = append(packages, pkg)
	}

	matches, err := r.ExtractResult(query, packages, labelKeys, oprf.OpenLabel)
	if err != nil {
		t.Fatalf("ExtractResult: %v", err)
	}

	matched := map[int]bool{}
	for _, m := range matches {
		matched[m.OriginalIndex] = true
	}
	if !matched[0] {
		t.Errorf("expected item 0 (alice) to match")
	}
	if matched[1] {
		t.Errorf("item 1 (carol) should not match")
	}
}

// TestEndToEndQueryWithLabelsDecryptsCorrectLabel exercises the labeled path
// end to end, including the label cipher's AEAD round trip (spec §9).
func TestEndToEndQueryWithLabelsDecryptsCorrectLabel(t *testing.T) {
	params, err := field.NewPSIParams(1, 64, 8, 3, []uint32{1, 2, 4}, 4096, []int{48, 30, 30}, 65537)
	if err != nil {
		t.Fatalf("NewPSIParams: %v", err)
	}
	ctx, err := crypto.NewContext(params)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	const labelByteCount, nonceByteCount = 8, 12
	labelSize := store.LabelSize(params.Field, params.FeltsPerItem, labelByteCount, nonceByteCount)
	db, err := sender.NewSenderDB(params, ctx, labelSize, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	const itemText, labelText = "alice@example.com", "VIP-0001"
	hashed, labelKey, err := oprf.EvaluateDirect(db.OPRFKey(), []byte(itemText))
	if err != nil {
		t.Fatalf("EvaluateDirect: %v", err)
	}
	raw, err := codec.ItemToFelts(hashed[:], params.FeltsPerItem, params.PlainModulus)
	if err != nil {
		t.Fatalf("encoding item: %v", err)
	}
	keys := make([]field.Felt, len(raw))
	for i, v := range raw {
		keys[i] = field.Felt(v)
	}

	padded := make([]byte, labelByteCount)
	copy(padded, labelText)
	nonce, sealed, err := oprf.SealLabel(labelKey, padded, nonceByteCount)
	if err != nil {
		t.Fatalf("SealLabel: %v", err)
	}
	labelParts, err := store.EncodeLabelParts(append(nonce, sealed...), params.Field, params.FeltsPerItem, labelSize, params.PlainModulus)
	if err != nil {
		t.Fatalf("encodeLabelParts: %v", err)
	}

	if err := db.Insert(sender.EncodedItem{Hashed: hashed, Keys: keys, Labels: labelParts}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.RegenerateStaleCaches(); err != nil {
		t.Fatalf("RegenerateStaleCaches: %v", err)
	}

	eng, err := sender.NewEngine(db, 2, labelByteCount, nonceByteCount)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ln, err := channel.Listen("127.0.0.1:0", &config.Config{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	dispatcher := sender.NewDispatcher(ln, db, eng, true, labelByteCount, nonceByteCount)
	go func() {
		_ = dispatcher.Serve()
	}()
	defer dispatcher.Stop()

	ch, err := channel.Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	r := receiver.New(ch)
	defer r.Close()

	if _, err := r.RequestParams(); err != nil {
		t.Fatalf("RequestParams: %v", err)
	}

	hashedQ, labelKeysQ, err := r.RequestOPRF([][]byte{[]byte(itemText)})
	if err != nil {
		t.Fatalf("RequestOPRF: %v", err)
	}
	query, err := r.CreateQuery(hashedQ)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	packageCount, err := r.SendQuery(query)
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	packages := make([]protocol.ResultPackageMsg, 0, packageCount)
	for i := 0; i < packageCount; i++ {
		pkg, err := r.ReceivePackage()
		if err != nil {
			t.Fatalf("ReceivePackage: %v", err)
		}
		packages = append(packages, pkg)
	}

	matches, err := r.ExtractResult(query, packages, labelKeysQ, oprf.OpenLabel)
	if err != nil {
		t.Fatalf("ExtractResult: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}
	if got := string(matches[0].Label[:len(labelText)]); got != labelText {
		t.Errorf("decoded label = %q, want %q", got, labelText)
	}
}

