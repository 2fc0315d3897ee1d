package core

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// WorkerID identifies one worker process of an authority. IDs need not be
// dense; an authority's worker map is keyed by this type.
type WorkerID uint32

// PublicKey is an authority's fixed-length identity. Equality and hashing of
// an Authority are defined entirely by this value; everything else in the
// record is metadata.
type PublicKey [ed25519.PublicKeySize]byte

func (k PublicKey) String() string {
	return fmt.Sprintf("%x", k[:8])
}

// Hex returns the full-length hex encoding of the key, used wherever the
// identity must round-trip (committee files, certificate records) as
// opposed to String's truncated form for log lines.
func (k PublicKey) Hex() string {
	return encodePublicKeyHex(k)
}

// PrimaryAddresses are the two endpoints a primary exposes to peers.
type PrimaryAddresses struct {
	PrimaryToPrimary string `json:"primary_to_primary"`
	WorkerToPrimary  string `json:"worker_to_primary"`
}

// WorkerAddresses are the three endpoints a single worker exposes.
type WorkerAddresses struct {
	PrimaryToWorker string `json:"primary_to_worker"`
	Transactions    string `json:"transactions"`
	WorkerToWorker  string `json:"worker_to_worker"`
}

// Authority is one committee member: its stake, its primary's addresses, and
// the addresses of each of its worker processes.
type Authority struct {
	Stake   uint64                     `json:"stake"`
	Primary PrimaryAddresses           `json:"primary"`
	Workers map[WorkerID]WorkerAddresses `json:"workers"`
}

// ErrUnknownAuthority is returned when a committee lookup names an authority
// that is not a member of the committee.
type ErrUnknownAuthority struct {
	Authority PublicKey
}

func (e *ErrUnknownAuthority) Error() string {
	return fmt.Sprintf("unknown authority %s", e.Authority)
}

// ErrUnknownWorker is returned when a committee lookup names a worker ID that
// is not registered for an otherwise-known authority.
type ErrUnknownWorker struct {
	Authority PublicKey
	Worker    WorkerID
}

func (e *ErrUnknownWorker) Error() string {
	return fmt.Sprintf("unknown worker %d for authority %s", e.Worker, e.Authority)
}

// Committee is the immutable membership table for one run. It is loaded once
// at process start and never mutated; every task clones it by value.
type Committee struct {
	Authorities map[PublicKey]Authority `json:"authorities"`
}

// Size returns the number of member authorities.
func (c Committee) Size() int {
	return len(c.Authorities)
}

// Stake returns the total stake across all authorities.
func (c Committee) Stake() uint64 {
	var total uint64
	for _, a := range c.Authorities {
		total += a.Stake
	}
	return total
}

// Worker looks up the network addresses of one worker belonging to one
// authority. It fails with *ErrUnknownAuthority if the authority is absent,
// or *ErrUnknownWorker if the authority exists but the worker id does not.
func (c Committee) Worker(authority PublicKey, id WorkerID) (WorkerAddresses, error) {
	a, ok := c.Authorities[authority]
	if !ok {
		return WorkerAddresses{}, &ErrUnknownAuthority{Authority: authority}
	}
	w, ok := a.Workers[id]
	if !ok {
		return WorkerAddresses{}, &ErrUnknownWorker{Authority: authority, Worker: id}
	}
	return w, nil
}

// Authority looks up a committee member by its identity, failing with
// *ErrUnknownAuthority if it is not a member.
func (c Committee) Authority(authority PublicKey) (Authority, error) {
	a, ok := c.Authorities[authority]
	if !ok {
		return Authority{}, &ErrUnknownAuthority{Authority: authority}
	}
	return a, nil
}

// validate checks the structural invariants spec'd for committee data: a
// positive stake, well-formed host:port endpoints, and a non-empty worker
// map for every authority.
func (c Committee) validate() error {
	for key, a := range c.Authorities {
		if a.Stake < 1 {
			return fmt.Errorf("authority %s: stake must be >= 1, got %d", key, a.Stake)
		}
		if len(a.Workers) == 0 {
			return fmt.Errorf("authority %s: worker map must be non-empty", key)
		}
		if err := checkHostPort(a.Primary.PrimaryToPrimary); err != nil {
			return fmt.Errorf("authority %s: primary_to_primary: %w", key, err)
		}
		if err := checkHostPort(a.Primary.WorkerToPrimary); err != nil {
			return fmt.Errorf("authority %s: worker_to_primary: %w", key, err)
		}
		for id, w := range a.Workers {
			if err := checkHostPort(w.PrimaryToWorker); err != nil {
				return fmt.Errorf("authority %s worker %d: primary_to_worker: %w", key, id, err)
			}
			if err := checkHostPort(w.Transactions); err != nil {
				return fmt.Errorf("authority %s worker %d: transactions: %w", key, id, err)
			}
			if err := checkHostPort(w.WorkerToWorker); err != nil {
				return fmt.Errorf("authority %s worker %d: worker_to_worker: %w", key, id, err)
			}
		}
	}
	return nil
}

func checkHostPort(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	return err
}

// committeeWire is the JSON wire shape: authority keys are hex-encoded
// strings since Go map keys must be strings to round-trip through
// encoding/json, and the committee file is meant to be hand-readable.
type committeeWire struct {
	Authorities map[string]Authority `json:"authorities"`
}

// ImportCommittee reads a committee file. Unknown top-level and nested
// fields are rejected, matching the importer contract in spec.md §4.A/§6.
func ImportCommittee(filename string) (Committee, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Committee{}, fmt.Errorf("open committee file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var wire committeeWire
	if err := dec.Decode(&wire); err != nil {
		return Committee{}, fmt.Errorf("decode committee file: %w", err)
	}

	c := Committee{Authorities: make(map[PublicKey]Authority, len(wire.Authorities))}
	for hexKey, a := range wire.Authorities {
		pk, err := decodePublicKeyHex(hexKey)
		if err != nil {
			return Committee{}, fmt.Errorf("authority key %q: %w", hexKey, err)
		}
		c.Authorities[pk] = a
	}
	if err := c.validate(); err != nil {
		return Committee{}, err
	}
	return c, nil
}

// Export writes the committee to filename as stable, human-readable JSON.
func (c Committee) Export(filename string) error {
	wire := committeeWire{Authorities: make(map[string]Authority, len(c.Authorities))}
	for pk, a := range c.Authorities {
		wire.Authorities[encodePublicKeyHex(pk)] = a
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(wire); err != nil {
		return fmt.Errorf("encode committee: %w", err)
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write committee file: %w", err)
	}
	return nil
}

func encodePublicKeyHex(pk PublicKey) string {
	return fmt.Sprintf("%x", pk[:])
}

func decodePublicKeyHex(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := hexDecode(s)
	if err != nil {
		return pk, err
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("want %d bytes, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}
