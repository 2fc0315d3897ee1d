package core

// Header is the part of a Certificate the Output Pipeline reads. Validation
// of parents/payload/signature is entirely the producer's (primary's and
// consensus's) responsibility — spec.md §1 places header proposal and vote
// assembly out of scope, so this repo treats a Header as opaque data and
// must not crash on a malformed one.
type Header struct {
	Author   PublicKey            `json:"author"`
	Round    uint64               `json:"round"`
	ID       Digest               `json:"id"`
	Payload  []PayloadEntry       `json:"payload"`
	Parents  []Digest             `json:"parents"`
	Signature []byte              `json:"signature"`
}

// PayloadEntry names one batch digest and the worker that authored it. Order
// is significant and preserved through serialization (spec.md §4.D step 1).
type PayloadEntry struct {
	Digest   Digest
	WorkerID WorkerID
}

// TimeoutCert aggregates per-round timeout signatures peers observed.
type TimeoutCert struct {
	Round    uint64
	Timeouts []SignedStatement
}

// NoVoteCert aggregates per-round no-vote signatures peers observed.
type NoVoteCert struct {
	Round   uint64
	NoVotes []SignedStatement
}

// SignedStatement is one peer's signature over some protocol event; the
// signature scheme itself is out of scope (spec.md §1), so it is kept as an
// opaque byte string here.
type SignedStatement struct {
	Author    PublicKey
	Signature []byte
}

// Certificate is a DAG vertex: a header plus the aggregates that attest it
// was produced honestly. The Output Pipeline consumes a totally-ordered
// stream of these, each delivered at most once.
type Certificate struct {
	Header      Header
	TimeoutCert *TimeoutCert
	NoVoteCert  *NoVoteCert
}
