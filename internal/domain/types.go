package domain

import (
	"errors"
	"fmt"
	"time"
)

// Entry is one node of the lineage forest. The content hash commits to the
// payload bytes, the parent hash, and the creation time; the id is a local
// row number and carries no integrity meaning.
type Entry struct {
	ID          int64     `json:"id"`
	ContentHash string    `json:"content_hash"`
	ParentHash  string    `json:"parent_hash,omitempty"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsRoot reports whether the entry has no parent.
func (e Entry) IsRoot() bool {
	return e.ParentHash == ""
}

// Sentinel errors for store operations.
var (
	ErrNotFound      = errors.New("lineage: entry not found")
	ErrUnknownParent = errors.New("lineage: parent hash not present in store")
)

// EncodingError reports a payload that cannot be canonicalized for hashing.
// It indicates a caller bug; retrying with the same input will not help.
type EncodingError struct {
	Kind   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("lineage: encode payload: %s", e.Reason)
	}
	return fmt.Sprintf("lineage: encode %s payload: %s", e.Kind, e.Reason)
}
