package protocol

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := QueryRequest{
		RelinKey: []byte{1, 2, 3},
		Powers: []PowerCiphertext{
			{Power: 1, BundleIdx: 0, Ciphertext: []byte{9, 9}},
			{Power: 2, BundleIdx: 0, Ciphertext: []byte{8, 8}},
		},
	}
	if err := WriteFrame(&buf, SOPQuery, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got QueryRequest
	msgType, err := ReadFrame(bufio.NewReader(&buf), &got)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != SOPQuery {
		t.Fatalf("got message type %s, want %s", msgType, SOPQuery)
	}
	if len(got.Powers) != 2 || got.Powers[0].Power != 1 || got.Powers[1].Power != 2 {
		t.Fatalf("unexpected decoded payload: %+v", got)
	}
}

func TestReadFrameRejectsVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, RSPParms, ParmsResponse{}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()
	raw[1] = byte(Version + 1) // corrupt the low byte of the version field

	var got ParmsResponse
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)), &got)
	if err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestReadRawFrameThenDecodePayload(t *testing.T) {
	var buf bytes.Buffer
	req := OPRFRequest{BlindedPoints: [][]byte{{1, 2}, {3, 4}}}
	if err := WriteFrame(&buf, SOPOPRF, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	msgType, payload, err := ReadRawFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadRawFrame: %v", err)
	}
	if msgType != SOPOPRF {
		t.Fatalf("got message type %s, want %s", msgType, SOPOPRF)
	}

	var got OPRFRequest
	if err := DecodePayload(payload, &got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(got.BlindedPoints) != 2 {
		t.Fatalf("unexpected decoded payload: %+v", got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	hdr := make([]byte, headerBytes)
	hdr[0] = byte(Version >> 8)
	hdr[1] = byte(Version)
	hdr[2] = byte(SOPQuery)
	hdr[3] = 0xFF
	hdr[4] = 0xFF
	hdr[5] = 0xFF
	hdr[6] = 0xFF

	var got QueryRequest
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(hdr)), &got)
	if err == nil {
		t.Fatalf("expected frame-too-large error")
	}
}
