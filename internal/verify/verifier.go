// Package verify recomputes content hashes against stored fields to detect
// tampering. Findings are returned as values, never as errors: a mismatch is
// evidence about the data, not a failure of the audit.
package verify

import (
	"fmt"

	"github.com/soulfra/lineage/internal/domain"
	"github.com/soulfra/lineage/internal/hasher"
	"github.com/soulfra/lineage/internal/store"
)

// Status classifies the outcome of verifying one entry.
type Status string

const (
	// StatusValid means the entry and its whole ancestor chain reproduce
	// their stored hashes.
	StatusValid Status = "valid"
	// StatusHashMismatch means the entry's own stored fields do not
	// reproduce its stored content hash.
	StatusHashMismatch Status = "hash_mismatch"
	// StatusBrokenChain means the entry itself checks out but an ancestor
	// is missing or fails to reproduce its hash.
	StatusBrokenChain Status = "broken_chain"
)

// Result is the verification outcome for a single entry.
type Result struct {
	ContentHash string `json:"content_hash"`
	Status      Status `json:"status"`
	Detail      string `json:"detail,omitempty"`
}

// OK reports whether the result found nothing wrong.
func (r Result) OK() bool {
	return r.Status == StatusValid
}

// Verifier checks stored entries against their content hashes. It never
// mutates the store and never caches outcomes; every call recomputes from
// scratch.
type Verifier struct {
	store *store.Store
}

// New creates a Verifier over s.
func New(s *store.Store) *Verifier {
	return &Verifier{store: s}
}

// Verify recomputes the hash of the named entry from its stored fields and
// then walks the parent chain up to a root, recomputing each ancestor.
// Returns domain.ErrNotFound when contentHash itself is not in the store;
// everything the audit finds about stored data comes back in the Result.
func (v *Verifier) Verify(contentHash string) (Result, error) {
	entry, err := v.store.Get(contentHash)
	if err != nil {
		return Result{}, err
	}

	recomputed, err := hasher.Compute(entry.Payload, entry.ParentHash, entry.CreatedAt)
	if err != nil || recomputed != entry.ContentHash {
		return Result{
			ContentHash: contentHash,
			Status:      StatusHashMismatch,
			Detail:      "stored fields do not reproduce stored hash",
		}, nil
	}

	// Ascend to a root. Any gap or mismatch above this entry breaks the
	// chain it depends on.
	seen := map[string]bool{entry.ContentHash: true}
	for cur := entry; cur.ParentHash != ""; {
		if seen[cur.ParentHash] {
			return Result{
				ContentHash: contentHash,
				Status:      StatusBrokenChain,
				Detail:      fmt.Sprintf("ancestry cycle at %s", cur.ParentHash),
			}, nil
		}
		seen[cur.ParentHash] = true

		parent, err := v.store.Get(cur.ParentHash)
		if err == domain.ErrNotFound {
			return Result{
				ContentHash: contentHash,
				Status:      StatusBrokenChain,
				Detail:      fmt.Sprintf("ancestor %s unavailable", cur.ParentHash),
			}, nil
		}
		if err != nil {
			return Result{}, err
		}

		recomputed, err := hasher.Compute(parent.Payload, parent.ParentHash, parent.CreatedAt)
		if err != nil || recomputed != parent.ContentHash {
			return Result{
				ContentHash: contentHash,
				Status:      StatusBrokenChain,
				Detail:      fmt.Sprintf("ancestor %s does not reproduce its hash", parent.ContentHash),
			}, nil
		}
		cur = parent
	}

	return Result{ContentHash: contentHash, Status: StatusValid}, nil
}

// VerifyAll audits every entry in the store, orphans included, and returns
// one Result per content hash.
func (v *Verifier) VerifyAll() (map[string]Result, error) {
	results := make(map[string]Result)
	for entry, err := range v.store.All() {
		if err != nil {
			return nil, err
		}
		res, err := v.Verify(entry.ContentHash)
		if err != nil {
			return nil, err
		}
		results[entry.ContentHash] = res
	}
	return results, nil
}
