package hasher

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/soulfra/lineage/internal/domain"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestComputeDeterministic(t *testing.T) {
	a, err := Compute([]byte(`{"type":"scan","src":"qr1"}`), "", t0)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, err := Compute([]byte(`{"type":"scan","src":"qr1"}`), "", t0)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a != b {
		t.Fatalf("same input produced different hashes: %s vs %s", a, b)
	}
	if !ValidHash(a) {
		t.Fatalf("hash %q is not 64 lowercase hex chars", a)
	}
}

func TestComputeSensitivity(t *testing.T) {
	base, _ := Compute([]byte("payload"), "", t0)

	parent := strings.Repeat("ab", 32)
	cases := map[string]func() (string, error){
		"payload changed": func() (string, error) {
			return Compute([]byte("payload!"), "", t0)
		},
		"parent changed": func() (string, error) {
			return Compute([]byte("payload"), parent, t0)
		},
		"timestamp changed": func() (string, error) {
			return Compute([]byte("payload"), "", t0.Add(time.Nanosecond))
		},
	}

	for name, fn := range cases {
		got, err := fn()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got == base {
			t.Errorf("%s: hash did not change", name)
		}
	}
}

func TestComputeTimezoneInsensitive(t *testing.T) {
	loc := time.FixedZone("plus9", 9*3600)
	a, _ := Compute([]byte("x"), "", t0)
	b, _ := Compute([]byte("x"), "", t0.In(loc))
	if a != b {
		t.Fatalf("same instant in different zones hashed differently")
	}
}

func TestComputeRejectsBadInput(t *testing.T) {
	var encErr *domain.EncodingError

	if _, err := Compute(nil, "", t0); !errors.As(err, &encErr) {
		t.Errorf("empty payload: want EncodingError, got %v", err)
	}
	if _, err := Compute([]byte("x"), "not-hex!", t0); !errors.As(err, &encErr) {
		t.Errorf("bad parent hex: want EncodingError, got %v", err)
	}
	if _, err := Compute([]byte("x"), "deadbeef", t0); !errors.As(err, &encErr) {
		t.Errorf("short parent: want EncodingError, got %v", err)
	}
	big := make([]byte, MaxPayloadBytes+1)
	if _, err := Compute(big, "", t0); !errors.As(err, &encErr) {
		t.Errorf("oversized payload: want EncodingError, got %v", err)
	}
}

func TestValidHash(t *testing.T) {
	ok, _ := Compute([]byte("x"), "", t0)
	if !ValidHash(ok) {
		t.Errorf("computed hash rejected: %s", ok)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("A", 64), strings.Repeat("g", 64)} {
		if ValidHash(bad) {
			t.Errorf("ValidHash(%q) = true, want false", bad)
		}
	}
}
