package store

import (
	"bytes"
	"context"
	"sort"

	"lens/pkg/docid"
	"lens/pkg/document"
	"lens/pkg/identity"
)

const digestDomain = "lens/digest/v1"

// Digest summarizes the operations a store holds from one signer. Two
// stores with equal digests for a signer hold the same operations from
// it, whatever order they arrived in.
type Digest struct {
	Signer identity.Identity `cbor:"signer" json:"signer"`
	Count  int               `cbor:"count" json:"count"`
	// Clock is the highest clock among the signer's operations.
	Clock uint64 `cbor:"clock" json:"clock"`
	Hash  string `cbor:"hash" json:"hash"`
}

// Summary is a store's digests, ordered by signer.
type Summary []Digest

// Operations returns the number of operations the summary covers.
func (s Summary) Operations() int {
	n := 0
	for _, d := range s {
		n += d.Count
	}
	return n
}

// Batch is one response of a Source.
type Batch struct {
	// Ops are missing operations ordered by clock.
	Ops []*document.Operation `cbor:"ops"`
	// Diverged lists signers both sides hold operations from but whose
	// digests differ. The requester resolves them by asking again with
	// its hashes for those signers in known.
	Diverged []identity.Identity `cbor:"diverged,omitempty"`
	// More is set when Ops was truncated.
	More bool `cbor:"more,omitempty"`
}

// Source serves the operations a requester is missing, from a store in
// this process or from a peer replica.
type Source interface {
	Missing(ctx context.Context, summary Summary, known []string, limit int) (Batch, error)
}

var _ Source = (*Store)(nil)

// signerLog is the set of op hashes held from one signer.
type signerLog struct {
	hashes []string // sorted
	clock  uint64
	digest string // empty when stale
}

func (l *signerLog) add(hash string, clock uint64) {
	i := sort.SearchStrings(l.hashes, hash)
	l.hashes = append(l.hashes, "")
	copy(l.hashes[i+1:], l.hashes[i:])
	l.hashes[i] = hash
	if clock > l.clock {
		l.clock = clock
	}
	l.digest = ""
}

func (l *signerLog) sum() string {
	if l.digest == "" {
		parts := make([][]byte, len(l.hashes))
		for i, h := range l.hashes {
			parts[i] = []byte(h)
		}
		l.digest = docid.Derive(digestDomain, parts...)
	}
	return l.digest
}

// Summary digests the admitted operations held per signer.
func (s *Store) Summary() Summary {
	// sum caches into the signer log, so this takes the write lock.
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Summary, 0, len(s.signers))
	for who, log := range s.signers {
		out = append(out, Digest{Signer: who, Count: len(log.hashes), Clock: log.clock, Hash: log.sum()})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Signer[:], out[j].Signer[:]) < 0
	})
	return out
}

// Has reports whether the store holds the operation with hash.
func (s *Store) Has(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ops[hash]
	return ok
}

// Hashes returns the hashes of every operation held from who.
func (s *Store) Hashes(who identity.Identity) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.signers[who]
	if !ok {
		return nil
	}
	return append([]string(nil), log.hashes...)
}

// Missing implements Source. Operations from signers the requester has
// nothing of are returned outright. For a signer whose digest differs,
// operations are returned only once known is non-empty, and then only
// those whose hash is not in known; until then the signer is reported
// as diverged. A positive limit truncates the result.
func (s *Store) Missing(ctx context.Context, summary Summary, known []string, limit int) (Batch, error) {
	theirs := make(map[identity.Identity]Digest, len(summary))
	for _, d := range summary {
		theirs[d.Signer] = d
	}
	have := make(map[string]struct{}, len(known))
	for _, h := range known {
		have[h] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var batch Batch
	for who, log := range s.signers {
		d, ok := theirs[who]
		if ok && d.Count == len(log.hashes) && d.Hash == log.sum() {
			continue
		}
		if ok && len(known) == 0 {
			batch.Diverged = append(batch.Diverged, who)
			continue
		}
		for _, h := range log.hashes {
			if _, skip := have[h]; !skip {
				batch.Ops = append(batch.Ops, s.ops[h])
			}
		}
	}

	sort.Slice(batch.Diverged, func(i, j int) bool {
		return bytes.Compare(batch.Diverged[i][:], batch.Diverged[j][:]) < 0
	})
	sortOps(batch.Ops)
	if limit > 0 && len(batch.Ops) > limit {
		batch.Ops = batch.Ops[:limit]
		batch.More = true
	}
	return batch, nil
}

// sortOps orders operations by clock so causally earlier ones are
// merged first; ties break on signer, then hash.
func sortOps(ops []*document.Operation) {
	hashes := make(map[*document.Operation]string, len(ops))
	for _, op := range ops {
		hashes[op] = op.Hash()
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Clock != ops[j].Clock {
			return ops[i].Clock < ops[j].Clock
		}
		if c := bytes.Compare(ops[i].Signer[:], ops[j].Signer[:]); c != 0 {
			return c < 0
		}
		return hashes[ops[i]] < hashes[ops[j]]
	})
}

// PullStats counts the operations one pull merged or dropped.
type PullStats struct {
	Applied int
	Dropped int
}

// PullFrom merges everything src holds that s is missing. Operations the
// admission policy drops are remembered for the rest of the pull only, so
// they cannot starve later batches and are offered again next time, when
// the prior state that decides them may have changed. A positive limit
// bounds each batch.
func (s *Store) PullFrom(ctx context.Context, src Source, limit int) (PullStats, error) {
	var stats PullStats
	known := make(map[string]struct{})
	resolved := make(map[identity.Identity]bool)

	for {
		batch, err := src.Missing(ctx, s.Summary(), keys(known), limit)
		if err != nil {
			return stats, err
		}

		progress := false
		for _, who := range batch.Diverged {
			if resolved[who] {
				continue
			}
			resolved[who] = true
			progress = true
			for _, h := range s.Hashes(who) {
				known[h] = struct{}{}
			}
		}
		for _, op := range batch.Ops {
			h := op.Hash()
			if _, seen := known[h]; seen {
				continue
			}
			known[h] = struct{}{}
			progress = true
			if s.Has(h) {
				continue
			}
			if s.ApplyRemote(op) {
				stats.Applied++
			} else {
				stats.Dropped++
			}
		}

		if !progress || (!batch.More && len(batch.Diverged) == 0) {
			return stats, nil
		}
	}
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
