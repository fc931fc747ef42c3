package serial

import (
	"errors"
	"testing"
)

func TestGenerate(t *testing.T) {
	got := Generate("9f3a1c2b-44d1-4a02-9c01-aabbccddeeff", 7)
	want := "SOOQ-9f3a1c2b-0007"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestGenerate_UppercaseLotID(t *testing.T) {
	got := Generate("9F3A1C2B-44D1-4A02-9C01-AABBCCDDEEFF", 1)
	if got != "SOOQ-9f3a1c2b-0001" {
		t.Errorf("expected lowercased prefix, got %s", got)
	}
}

func TestLotPrefix_StripsDashes(t *testing.T) {
	if got := LotPrefix("ab-cd-ef-12-34"); got != "abcdef12" {
		t.Errorf("expected abcdef12, got %s", got)
	}
}

func TestParse_Valid(t *testing.T) {
	s, err := Parse("SOOQ-9f3a1c2b-0042")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.LotPrefix != "9f3a1c2b" {
		t.Errorf("expected prefix 9f3a1c2b, got %s", s.LotPrefix)
	}
	if s.Sequence != 42 {
		t.Errorf("expected sequence 42, got %d", s.Sequence)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"SOOQ-9f3a1c2b",          // missing sequence
		"SOOQ-9F3A1C2B-0001",     // uppercase prefix
		"SOOQ-9f3a1c2-0001",      // short prefix
		"SOOQ-9f3a1c2b-001",      // short sequence
		"ATMX-9f3a1c2b-0001",     // wrong brand
		"SOOQ-9f3a1c2b-0001-xy",  // trailing garbage
	}
	for _, number := range cases {
		if _, err := Parse(number); !errors.Is(err, ErrInvalidSerial) {
			t.Errorf("expected ErrInvalidSerial for %q, got %v", number, err)
		}
	}
}

func TestBelongsTo(t *testing.T) {
	s, err := Parse(Generate("9f3a1c2b-44d1-4a02-9c01-aabbccddeeff", 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.BelongsTo("9f3a1c2b-44d1-4a02-9c01-aabbccddeeff") {
		t.Error("expected serial to belong to its own lot")
	}
	if s.BelongsTo("00000000-0000-0000-0000-000000000000") {
		t.Error("expected serial not to belong to a different lot")
	}
}
