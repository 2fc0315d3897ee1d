package core

import "fmt"

// InspectorEntry is one digest found while listing a set of stores.
type InspectorEntry struct {
	Digest Digest
}

// ListBatchDigests walks each of the given stores and returns every digest whose
// stored value decodes to the Batch variant, deduplicated across stores
// (spec.md §4.C, §8 property 4 / scenario S6). Values that are present but
// don't decode as a Batch are silently skipped, per the listing policy.
func ListBatchDigests(stores []*Store) ([]Digest, error) {
	seen := make(map[Digest]struct{})
	var out []Digest

	for _, s := range stores {
		keys, err := s.Keys()
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		for _, k := range keys {
			d, err := DigestFromBytes(k)
			if err != nil {
				continue // not a digest-keyed entry; not our concern here
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
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out, nil
}

// ErrDigestNotFound is returned by FetchBatch when no probed store contains
// the digest.
var ErrDigestNotFound = fmt.Errorf("digest not found in any given store")

// ErrNotABatch is returned by FetchBatch when the digest resolves to a value
// that does not decode to the Batch envelope variant.
var ErrNotABatch = fmt.Errorf("value is not a Batch envelope")

// FetchBatch probes stores in the given order and returns the transactions
// for the first store that contains digest (spec.md §4.C "Cross-store
// lookup", §8 property 4).
func FetchBatch(stores []*Store, digest Digest) ([][]byte, error) {
	for _, s := range stores {
		val, found, err := s.Read(digest.Bytes())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", digest, err)
		}
		if !found {
			continue
		}
		txs, ok := AsBatch(val)
		if !ok {
			return nil, ErrNotABatch
		}
		return txs, nil
	}
	return nil, ErrDigestNotFound
}
