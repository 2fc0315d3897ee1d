package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// primaryPollInterval is how often Run rescans this authority's worker
// stores for batch digests not yet referenced by a header, re-opening each
// worker's read-only handle on every tick. It matches the Output Pipeline's
// store-discovery cadence (spec.md §4.D) and relies only on point Reads of a
// fresh handle, never NotifyRead, since a read-only handle in another
// process's store directory should not block on a write it may never
// observe (spec.md §4.B "Read-only mode").
const primaryPollInterval = 500 * time.Millisecond

// Primary is the minimal external-collaborator stand-in for spec.md §1's
// "Primary internals (header proposal, voting, certificate assembly, GC)"
// — explicitly out of scope. It does the one thing downstream components
// need a real producer for: turning a worker's freshly-written batch
// digests into a Header, so Consensus and the Output Pipeline have
// something real to consume. There is no voting, no GC, and no multi-
// worker payload aggregation beyond what Run discovers by polling.
type Primary struct {
	author PublicKey
	lg     *log.Logger
	reg    prometheus.Registerer
}

// NewPrimary returns a Primary proposing headers under author's identity.
// reg may be nil to skip metrics registration for any worker store handle
// Run opens, the same convention NewStore/NewOutputPipeline use.
func NewPrimary(author PublicKey, lg *log.Logger, reg prometheus.Registerer) *Primary {
	if lg == nil {
		lg = log.New()
	}
	return &Primary{author: author, lg: lg, reg: reg}
}

// ProposeHeader builds a Header over payload at round, referencing parent
// as its sole parent. The header ID is a deterministic digest of its
// content; signing is out of scope per spec.md §1, so Signature is left
// empty rather than fabricating a scheme this repo does not implement.
func (p *Primary) ProposeHeader(round uint64, payload []PayloadEntry, parent Digest) Header {
	h := Header{
		Author:  p.author,
		Round:   round,
		Payload: payload,
		Parents: []Digest{parent},
	}
	h.ID = headerDigest(h)
	p.lg.Debugf("primary %s proposed header %s at round %d (%d payload entries)", p.author, h.ID, round, len(payload))
	return h
}

// Run drives the primary-role data flow spec.md §2 describes: "workers
// write batches → Store (per-worker directory). Primary builds headers
// referencing digests." It polls each of workers' stores (opened read-only
// fresh on every tick) for batch digests not yet claimed by a proposed
// header, and emits one header per poll tick that finds anything new, in
// round order. Consensus's acknowledgements on feedback are logged, not
// acted on — GC and retry policy are out of scope. Run returns ctx.Err()
// once ctx is cancelled; it never closes out, leaving that to the caller,
// who alone knows when every producer has stopped.
func (p *Primary) Run(ctx context.Context, storeBase string, workers []WorkerID, out chan<- Header, feedback <-chan Digest) error {
	seen := make(map[Digest]struct{})
	round := uint64(1)
	var parent Digest

	ticker := time.NewTicker(primaryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-feedback:
			if !ok {
				feedback = nil
				continue
			}
			p.lg.Debugf("primary %s: consensus acknowledged header %s", p.author, d)

		case <-ticker.C:
			h, ok := p.pollOnce(storeBase, workers, seen, round, parent)
			if !ok {
				continue
			}
			select {
			case out <- h:
				// Only now, with the header actually handed to the caller,
				// do the digests it carries stop being candidates for a
				// future header — marking seen any earlier would drop them
				// for the rest of the run if this send instead lost the
				// race to ctx cancellation below.
				for _, entry := range h.Payload {
					seen[entry.Digest] = struct{}{}
				}
				parent = h.ID
				round++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pollOnce scans every worker store once for digests not yet in seen and
// returns a freshly proposed header over them, without mutating seen itself
// — the caller commits them to seen only once the header is confirmed
// delivered. It returns false if nothing new was found this tick. Each
// worker's read-only handle is opened fresh and closed before returning
// rather than cached across ticks: a read-only badger handle is a snapshot
// as of its Open() call, so a handle kept open across ticks would never
// observe a batch the worker wrote after that first open (the same
// staleness OutputPipeline.awaitBatch works around by re-opening on a miss).
func (p *Primary) pollOnce(storeBase string, workers []WorkerID, seen map[Digest]struct{}, round uint64, parent Digest) (Header, bool) {
	var payload []PayloadEntry
	for _, id := range workers {
		digests, err := p.scanWorker(storeBase, id, seen)
		if err != nil {
			p.lg.Debugf("primary %s: worker %d store not ready: %v", p.author, id, err)
			continue
		}
		for _, d := range digests {
			payload = append(payload, PayloadEntry{Digest: d, WorkerID: id})
		}
	}
	if len(payload) == 0 {
		return Header{}, false
	}
	return p.ProposeHeader(round, payload, parent), true
}

// scanWorker opens worker id's store read-only, lists the digests it holds
// that are not already in seen, and closes the handle again. It skips
// ListBatchDigests's own key-then-read-then-decode walk over every key in
// the store: without this filter, a long-running worker's store would cost
// Keys()+Read()+decode for every batch it has ever held on every poll tick,
// even though only digests new since the last tick are ever used. A worker
// that has not started yet just yields no digests this tick and is retried
// on the next one.
func (p *Primary) scanWorker(storeBase string, id WorkerID, seen map[Digest]struct{}) ([]Digest, error) {
	path := fmt.Sprintf("%s-%d", storeBase, id)
	s, err := NewReadOnlyStore(path, p.lg, p.reg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			p.lg.Debugf("primary %s: close worker %d store: %v", p.author, id, err)
		}
	}()

	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	var out []Digest
	for _, k := range keys {
		d, err := DigestFromBytes(k)
		if err != nil {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		val, found, err := s.Read(k)
		if err != nil || !found {
			continue
		}
		if _, ok := AsBatch(val); !ok {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// headerDigest hashes the fields that identify a header, independent of its
// (out-of-scope) signature.
func headerDigest(h Header) Digest {
	buf := &bytes.Buffer{}
	_ = gob.NewEncoder(buf).Encode(struct {
		Author  PublicKey
		Round   uint64
		Payload []PayloadEntry
		Parents []Digest
	}{h.Author, h.Round, h.Payload, h.Parents})
	return Digest(sha256.Sum256(buf.Bytes()))
}
