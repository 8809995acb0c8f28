package store

import (
	"bytes"
	"testing"

	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
	"github.com/auroradata-ai/apsi-engine/internal/sender"
)

func testParams(t *testing.T) *field.PSIParams {
	t.Helper()
	p, err := field.NewPSIParams(1, 16, 4, 3, []uint32{1, 2}, 4096, []int{48, 30, 30}, 65537)
	if err != nil {
		t.Fatalf("NewPSIParams: %v", err)
	}
	return p
}

type memSource struct {
	rows []map[string]string
}

func (m *memSource) List(start, size int) ([]map[string]string, error) {
	if start >= len(m.rows) {
		return nil, nil
	}
	end := min(start+size, len(m.rows))
	return m.rows[start:end], nil
}

func TestPopulateUnlabeledInsertsEveryRow(t *testing.T) {
	params := testParams(t)
	key, err := oprf.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	db, err := sender.NewSenderDB(params, nil, 0, key)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	src := &memSource{rows: []map[string]string{
		{"email": "alice@example.com"},
		{"email": "bob@example.com"},
	}}

	inserted, labelSize, err := Populate(db, src, []string{"email"}, "", 0, 0)
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 rows inserted, got %d", inserted)
	}
	if labelSize != 0 {
		t.Fatalf("expected label_size 0 in unlabeled mode, got %d", labelSize)
	}
	if len(db.BundleIndices()) == 0 {
		t.Fatalf("expected at least one bundle allocated")
	}
}

func TestPopulateLabeledFixesLabelWidthAcrossRows(t *testing.T) {
	params := testParams(t)
	key, err := oprf.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	db, err := sender.NewSenderDB(params, nil, 0, key)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	src := &memSource{rows: []map[string]string{
		{"email": "alice@example.com", "label": "short"},
		{"email": "bob@example.com", "label": "a much longer label value than the first row"},
	}}

	inserted, labelSize, err := Populate(db, src, []string{"email"}, "label", 16, 12)
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 rows inserted, got %d", inserted)
	}
	if labelSize == 0 {
		t.Fatalf("expected nonzero label_size in labeled mode")
	}
}

func TestLabelSizeAndEncodeRoundTripShape(t *testing.T) {
	fld, err := field.New(65537)
	if err != nil {
		t.Fatalf("field.New: %v", err)
	}
	size := LabelSize(fld, 1, 16, 12)
	if size == 0 {
		t.Fatalf("expected nonzero label_size")
	}

	sealed := bytes.Repeat([]byte{0xAB}, 12+16+oprf.MACByteCount)
	parts, err := EncodeLabelParts(sealed, fld, 1, size, 65537)
	if err != nil {
		t.Fatalf("EncodeLabelParts: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected feltsPerItem=1 outer dimension, got %d", len(parts))
	}
	if len(parts[0]) != size {
		t.Fatalf("expected %d label parts, got %d", size, len(parts[0]))
	}
}
