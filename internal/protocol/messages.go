package protocol

// Ciphertexts, plaintexts, and keys cross the wire as their binary
// serialization (rlwe.Ciphertext/PublicKey/RelinearizationKey all expose
// MarshalBinary/UnmarshalBinary), never as lattigo types directly, so this
// package never imports lattigo.

// ParmsRequest is SOP_PARMS: the Receiver asking the Sender which PSIParams
// it is configured with (spec §6).
type ParmsRequest struct{}

// ParmsResponse is RSP_PARMS: the negotiated PSIParams the Receiver must
// build its own HE context from. Per the protocol's asymmetry (spec §1),
// the Sender never holds a long-lived keypair of its own — it evaluates
// under whatever public key and relinearization key the Receiver submits
// alongside a query (QueryRequest) — so no key material travels here.
type ParmsResponse struct {
	FeltsPerItem      int
	TableSize         uint32
	MaxItemsPerBin    int
	HashFuncCount     int
	PowersSet         []uint32
	PolyModulusDegree int
	CoeffModuliBits   []int
	PlainModulus      uint64

	LabelEnabled   bool
	LabelByteCount int
	NonceByteCount int
}

// OPRFRequest is SOP_OPRF: a batch of blinded item points (spec §4.9
// step 1).
type OPRFRequest struct {
	BlindedPoints [][]byte // one per queried item, each an encoded curve point
}

// OPRFResponse is RSP_OPRF: the Sender's evaluation of each blinded point.
type OPRFResponse struct {
	EvaluatedPoints [][]byte // parallel to OPRFRequest.BlindedPoints
}

// PowerCiphertext names one (power, bundle_idx) ciphertext submitted as part
// of a query (spec §4.9 step 3).
type PowerCiphertext struct {
	Power      uint32
	BundleIdx  int
	Ciphertext []byte
}

// QueryRequest is SOP_QUERY: the Receiver's encrypted power basis, one
// ciphertext per (source power, bundle_idx) pair, for every bundle_idx in
// [0, bundle_count) whether or not it holds any of the Receiver's items,
// plus the public key and relinearization key the Sender needs to build an
// evaluation-only crypto context for this query (it holds neither key
// permanently; see ParmsResponse).
type QueryRequest struct {
	PublicKey []byte
	RelinKey  []byte
	Powers    []PowerCiphertext
}

// QueryResponseHeader is RSP_QUERY: announces how many RESULT_PACKAGE
// messages will follow before they are streamed (spec §4.8: "emit
// package_count before streaming packages").
type QueryResponseHeader struct {
	PackageCount int
}

// ResultPackageMsg is one streamed RESULT_PACKAGE (spec §3, §6).
type ResultPackageMsg struct {
	BundleIdx      int
	LabelByteCount int
	NonceByteCount int
	PSIResult      []byte
	LabelResults   [][]byte
}
