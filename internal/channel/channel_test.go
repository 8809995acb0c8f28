package channel

import (
	"net"
	"sync"
	"testing"

	"github.com/auroradata-ai/apsi-engine/internal/protocol"
)

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	return Accept(a), Accept(b)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	var got protocol.QueryRequest
	go func() {
		defer wg.Done()
		_, gotErr = server.Receive(&got)
	}()

	req := protocol.QueryRequest{Powers: []protocol.PowerCiphertext{{Power: 1, BundleIdx: 0, Ciphertext: []byte{1}}}}
	if err := client.Send(protocol.SOPQuery, req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("Receive: %v", gotErr)
	}
	if len(got.Powers) != 1 || got.Powers[0].Power != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHandshakeDerivesMatchingSalt(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr, serverErr error
	go func() {
		defer wg.Done()
		clientErr = client.Handshake(true)
	}()
	go func() {
		defer wg.Done()
		serverErr = server.Handshake(false)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	if client.SessionSalt() != server.SessionSalt() {
		t.Fatalf("handshake salts diverged")
	}
}

func TestReceiveRawLetsCallerPickTargetType(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	var msgType protocol.MessageType
	var payload []byte
	go func() {
		defer wg.Done()
		msgType, payload, gotErr = server.ReceiveRaw()
	}()

	req := protocol.OPRFRequest{BlindedPoints: [][]byte{{7}}}
	if err := client.Send(protocol.SOPOPRF, req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("ReceiveRaw: %v", gotErr)
	}
	if msgType != protocol.SOPOPRF {
		t.Fatalf("got message type %s, want %s", msgType, protocol.SOPOPRF)
	}

	var got protocol.OPRFRequest
	if err := protocol.DecodePayload(payload, &got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(got.BlindedPoints) != 1 || got.BlindedPoints[0][0] != 7 {
		t.Fatalf("unexpected decoded payload: %+v", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	client, server := pipeChannels(t)
	defer server.Close()

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Send(protocol.SOPParms, protocol.ParmsRequest{}); err != ErrChannelClosed {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}
