// Package payload defines the record kinds producers feed into the lineage
// chain and their canonical byte encoding. The chain itself treats the
// encoded bytes as opaque; validation happens here, before hashing, so a
// malformed record fails loudly instead of being committed.
package payload

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/soulfra/lineage/internal/domain"
)

// Payload kinds, one per producer of the platform.
const (
	KindScan     = "scan"
	KindVoice    = "voice"
	KindSnapshot = "snapshot"
	KindCapture  = "capture"
)

// Envelope wraps a record with its kind tag. Its canonical JSON form is what
// gets hashed and stored.
type Envelope struct {
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// Scan records one QR-code scan event.
type Scan struct {
	ScanID    string `json:"scan_id"`
	Slug      string `json:"slug"`
	Source    string `json:"source"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Voice records one voice-archive transcription.
type Voice struct {
	RecordingID string `json:"recording_id"`
	Transcript  string `json:"transcript"`
	DurationMS  int64  `json:"duration_ms"`
}

// Snapshot records one database row captured at snapshot time.
type Snapshot struct {
	Table   string            `json:"table"`
	RowKey  string            `json:"row_key"`
	Columns map[string]string `json:"columns"`
}

// Capture records readable text extracted from a fetched web page.
type Capture struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Encode validates record against the rules for kind and returns the
// canonical envelope bytes. Field order is fixed by the struct definitions
// and map keys are sorted by encoding/json, so identical logical records
// always produce identical bytes.
func Encode(kind string, record json.RawMessage) ([]byte, error) {
	if err := Validate(kind, record); err != nil {
		return nil, err
	}

	compact, err := canonicalRecord(kind, record)
	if err != nil {
		return nil, &domain.EncodingError{Kind: kind, Reason: err.Error()}
	}

	b, err := json.Marshal(Envelope{Kind: kind, Record: compact})
	if err != nil {
		return nil, &domain.EncodingError{Kind: kind, Reason: err.Error()}
	}
	return b, nil
}

// Decode parses stored envelope bytes back into kind and record.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, &domain.EncodingError{Reason: "not an envelope: " + err.Error()}
	}
	if env.Kind == "" {
		return Envelope{}, &domain.EncodingError{Reason: "missing kind tag"}
	}
	return env, nil
}

// Validate checks record against the schema for kind.
func Validate(kind string, record json.RawMessage) error {
	switch kind {
	case KindScan:
		var s Scan
		if err := strictUnmarshal(record, &s); err != nil {
			return &domain.EncodingError{Kind: kind, Reason: err.Error()}
		}
		if _, err := uuid.Parse(s.ScanID); err != nil {
			return &domain.EncodingError{Kind: kind, Reason: "scan_id is not a valid uuid"}
		}
		if s.Slug == "" {
			return &domain.EncodingError{Kind: kind, Reason: "slug is required"}
		}
		if s.Source == "" {
			return &domain.EncodingError{Kind: kind, Reason: "source is required"}
		}
	case KindVoice:
		var v Voice
		if err := strictUnmarshal(record, &v); err != nil {
			return &domain.EncodingError{Kind: kind, Reason: err.Error()}
		}
		if _, err := uuid.Parse(v.RecordingID); err != nil {
			return &domain.EncodingError{Kind: kind, Reason: "recording_id is not a valid uuid"}
		}
		if strings.TrimSpace(v.Transcript) == "" {
			return &domain.EncodingError{Kind: kind, Reason: "transcript is required"}
		}
		if v.DurationMS < 0 {
			return &domain.EncodingError{Kind: kind, Reason: "duration_ms must not be negative"}
		}
	case KindSnapshot:
		var sn Snapshot
		if err := strictUnmarshal(record, &sn); err != nil {
			return &domain.EncodingError{Kind: kind, Reason: err.Error()}
		}
		if sn.Table == "" {
			return &domain.EncodingError{Kind: kind, Reason: "table is required"}
		}
		if sn.RowKey == "" {
			return &domain.EncodingError{Kind: kind, Reason: "row_key is required"}
		}
		if len(sn.Columns) == 0 {
			return &domain.EncodingError{Kind: kind, Reason: "columns must not be empty"}
		}
	case KindCapture:
		var c Capture
		if err := strictUnmarshal(record, &c); err != nil {
			return &domain.EncodingError{Kind: kind, Reason: err.Error()}
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &domain.EncodingError{Kind: kind, Reason: "url must be http or https"}
		}
		if strings.TrimSpace(c.Text) == "" {
			return &domain.EncodingError{Kind: kind, Reason: "text is required"}
		}
	default:
		return &domain.EncodingError{Kind: kind, Reason: "unknown payload kind"}
	}
	return nil
}

// canonicalRecord re-marshals the record through its typed struct, dropping
// any formatting the caller's JSON carried.
func canonicalRecord(kind string, record json.RawMessage) (json.RawMessage, error) {
	var typed any
	switch kind {
	case KindScan:
		typed = &Scan{}
	case KindVoice:
		typed = &Voice{}
	case KindSnapshot:
		typed = &Snapshot{}
	case KindCapture:
		typed = &Capture{}
	}
	if err := json.Unmarshal(record, typed); err != nil {
		return nil, err
	}
	return json.Marshal(typed)
}

// strictUnmarshal rejects fields the schema does not declare.
func strictUnmarshal(data json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
