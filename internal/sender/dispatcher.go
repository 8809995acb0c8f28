package sender

import (
	"context"
	"fmt"
	"sync"

	"github.com/auroradata-ai/apsi-engine/internal/applog"
	"github.com/auroradata-ai/apsi-engine/internal/channel"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
	"github.com/auroradata-ai/apsi-engine/internal/protocol"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// Dispatcher accepts connections on a channel.Listener and serves
// SOP_PARMS/SOP_OPRF/SOP_QUERY requests against one SenderDB and Engine
// (spec §5, §6). Grounded on the teacher's internal/server/server.go
// accept-loop shape, generalized from a single hardcoded peer into a
// concurrent per-connection handler loop, with an external stop flag
// instead of the teacher's single-shot Listen.
type Dispatcher struct {
	ln  *channel.Listener
	db  *SenderDB
	eng *Engine

	labelEnabled bool
	labelByteCnt int
	nonceByteCnt int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher builds a Dispatcher serving db/eng over ln.
func NewDispatcher(ln *channel.Listener, db *SenderDB, eng *Engine, labelEnabled bool, labelByteCount, nonceByteCount int) *Dispatcher {
	return &Dispatcher{
		ln:           ln,
		db:           db,
		eng:          eng,
		labelEnabled: labelEnabled,
		labelByteCnt: labelByteCount,
		nonceByteCnt: nonceByteCount,
		stop:         make(chan struct{}),
	}
}

// Serve runs the accept loop until Stop is called or the listener errors.
// Each accepted connection is handled on its own goroutine so one slow or
// malicious peer cannot stall the rest (spec §5 "concurrency: one
// goroutine per connection, bounded by the listener's max-connections
// gate").
func (d *Dispatcher) Serve() error {
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}

		ch, err := d.ln.Accept()
		if err != nil {
			select {
			case <-d.stop:
				return nil
			default:
				return fmt.Errorf("sender: accept: %w", err)
			}
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.ln.Release()
			defer ch.Close()
			if err := d.handleConnection(ch); err != nil {
				applog.Warn("sender: connection %s: %v", ch.RemoteAddr(), err)
			}
		}()
	}
}

// Stop signals Serve to return and waits for in-flight connections to
// finish handling their current request.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.ln.Close()
	d.wg.Wait()
}

// handleConnection serves a single peer's request/response sequence: one
// SOP_PARMS, zero or more SOP_OPRF batches, then one SOP_QUERY (spec §4.9's
// request shape from the Sender's perspective).
func (d *Dispatcher) handleConnection(ch *channel.Channel) error {
	for {
		msgType, payload, err := ch.ReceiveRaw()
		if err != nil {
			return err
		}

		switch msgType {
		case protocol.SOPParms:
			if err := d.handleParms(ch, payload); err != nil {
				return fmt.Errorf("SOP_PARMS: %w", err)
			}
		case protocol.SOPOPRF:
			if err := d.handleOPRF(ch, payload); err != nil {
				return fmt.Errorf("SOP_OPRF: %w", err)
			}
		case protocol.SOPQuery:
			return d.handleQuery(ch, payload)
		default:
			return fmt.Errorf("unexpected message type %s", msgType)
		}
	}
}

func (d *Dispatcher) handleParms(ch *channel.Channel, payload []byte) error {
	var req protocol.ParmsRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return err
	}

	p := d.db.Params()
	resp := protocol.ParmsResponse{
		FeltsPerItem:      p.FeltsPerItem,
		TableSize:         p.TableSize,
		MaxItemsPerBin:    p.MaxItemsPerBin,
		HashFuncCount:     p.HashFuncCount,
		PowersSet:         p.PowersSet,
		PolyModulusDegree: p.PolyModulusDegree,
		CoeffModuliBits:   p.CoeffModuliBits,
		PlainModulus:      p.PlainModulus,
		LabelEnabled:      d.labelEnabled,
		LabelByteCount:    d.labelByteCnt,
		NonceByteCount:    d.nonceByteCnt,
	}
	return ch.Send(protocol.RSPParms, resp)
}

// handleOPRF evaluates every blinded point under the Sender's OPRF key,
// since the whole point of the protocol is that this evaluation never
// learns the underlying item (spec §4.9 step 1).
func (d *Dispatcher) handleOPRF(ch *channel.Channel, payload []byte) error {
	var req protocol.OPRFRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return err
	}

	resp := protocol.OPRFResponse{EvaluatedPoints: make([][]byte, len(req.BlindedPoints))}
	for i, pt := range req.BlindedPoints {
		evaluated, err := oprf.Evaluate(d.db.OPRFKey(), pt)
		if err != nil {
			return fmt.Errorf("evaluating blinded point %d: %w", i, err)
		}
		resp.EvaluatedPoints[i] = evaluated
	}
	return ch.Send(protocol.RSPOPRF, resp)
}

// handleQuery decodes the Receiver's ciphertexts, builds a sender.Query,
// runs it through the Engine, and streams back one RESULT_PACKAGE per
// BinBundle answer (spec §4.8).
func (d *Dispatcher) handleQuery(ch *channel.Channel, payload []byte) error {
	sw := applog.NewStopwatch()

	var req protocol.QueryRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return err
	}
	sw.Mark("decode query")

	q := Query{
		PublicKey: req.PublicKey,
		RelinKey:  req.RelinKey,
		Powers:    make(map[uint32]map[int]*rlwe.Ciphertext),
	}
	for _, pc := range req.Powers {
		ct := new(rlwe.Ciphertext)
		if err := ct.UnmarshalBinary(pc.Ciphertext); err != nil {
			return fmt.Errorf("unmarshaling power %d bundle %d ciphertext: %w", pc.Power, pc.BundleIdx, err)
		}
		if q.Powers[pc.Power] == nil {
			q.Powers[pc.Power] = make(map[int]*rlwe.Ciphertext)
		}
		q.Powers[pc.Power][pc.BundleIdx] = ct
	}

	packages, err := d.eng.Answer(context.Background(), q)
	if err != nil {
		return fmt.Errorf("answering query: %w", err)
	}
	sw.Mark(fmt.Sprintf("evaluate %d packages", len(packages)))

	if err := ch.Send(protocol.RSPQuery, protocol.QueryResponseHeader{PackageCount: len(packages)}); err != nil {
		return err
	}

	for _, pkg := range packages {
		msg, err := marshalResultPackage(pkg)
		if err != nil {
			return fmt.Errorf("marshaling result package for bundle %d: %w", pkg.BundleIdx, err)
		}
		if err := ch.Send(protocol.ResultPackage, msg); err != nil {
			return fmt.Errorf("sending result package for bundle %d: %w", pkg.BundleIdx, err)
		}
	}
	sw.Mark("stream result packages")
	sw.LogPhases("sender: query")
	return nil
}

// marshalResultPackage serializes a ResultPackage's ciphertexts for
// transmission, since lattigo types never cross internal/protocol's gob
// boundary directly.
func marshalResultPackage(pkg ResultPackage) (protocol.ResultPackageMsg, error) {
	psiBytes, err := marshalCiphertext(pkg.PSIResult)
	if err != nil {
		return protocol.ResultPackageMsg{}, fmt.Errorf("PSI result: %w", err)
	}

	labelBytes := make([][]byte, len(pkg.LabelResult))
	for i, ct := range pkg.LabelResult {
		b, err := marshalCiphertext(ct)
		if err != nil {
			return protocol.ResultPackageMsg{}, fmt.Errorf("label part %d: %w", i, err)
		}
		labelBytes[i] = b
	}

	return protocol.ResultPackageMsg{
		BundleIdx:      pkg.BundleIdx,
		LabelByteCount: pkg.LabelByteCount,
		NonceByteCount: pkg.NonceByteCount,
		PSIResult:      psiBytes,
		LabelResults:   labelBytes,
	}, nil
}

func marshalCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	return ct.MarshalBinary()
}
