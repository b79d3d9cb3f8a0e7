// Package export writes a lineage subtree out as a self-describing JSON
// manifest. Each exported entry carries a CIDv1 of its payload bytes so an
// archive can be checked for integrity without access to the original store.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/soulfra/lineage/internal/domain"
	"github.com/soulfra/lineage/internal/payload"
	"github.com/soulfra/lineage/internal/store"
)

// ManifestEntry is one exported entry.
type ManifestEntry struct {
	ContentHash string          `json:"content_hash"`
	ParentHash  string          `json:"parent_hash,omitempty"`
	Kind        string          `json:"kind"`
	PayloadCID  string          `json:"payload_cid"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Manifest is the export document for one subtree, entries in walk order
// (depth-first pre-order from the root).
type Manifest struct {
	ExportID    string          `json:"export_id"`
	Root        string          `json:"root"`
	GeneratedAt time.Time       `json:"generated_at"`
	Entries     []ManifestEntry `json:"entries"`
}

// Subtree walks the tree rooted at contentHash and builds its manifest.
func Subtree(s *store.Store, contentHash string) (*Manifest, error) {
	m := &Manifest{
		ExportID:    uuid.New().String(),
		Root:        contentHash,
		GeneratedAt: time.Now().UTC(),
	}

	for entry, err := range s.Walk(contentHash) {
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", contentHash, err)
		}
		me, err := toManifestEntry(entry)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, me)
	}
	return m, nil
}

// WriteTo writes the manifest as indented JSON.
func (m *Manifest) WriteTo(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func toManifestEntry(e domain.Entry) (ManifestEntry, error) {
	env, err := payload.Decode(e.Payload)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("entry %s: %w", e.ContentHash, err)
	}
	return ManifestEntry{
		ContentHash: e.ContentHash,
		ParentHash:  e.ParentHash,
		Kind:        env.Kind,
		PayloadCID:  payloadCID(e.Payload),
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}, nil
}

// payloadCID returns a CIDv1 string (raw multicodec, sha2-256 multihash)
// over the payload bytes.
func payloadCID(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and
		// default length this is unreachable.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
