package crypto

import "testing"

func TestSealRoundTrip(t *testing.T) {
	s, err := NewSealer("test-passphrase")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := s.Seal("api-secret-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "api-secret-value" {
		t.Fatalf("sealed value must not equal plaintext")
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "api-secret-value" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestOpenPassesThroughPlaintext(t *testing.T) {
	s, err := NewSealer("k")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	got, err := s.Open("legacy-plain-key")
	if err != nil {
		t.Fatalf("Open plaintext: %v", err)
	}
	if got != "legacy-plain-key" {
		t.Fatalf("plaintext pass-through broken: %q", got)
	}
}

func TestNilSealerPassThrough(t *testing.T) {
	var s *Sealer
	sealed, err := s.Seal("v")
	if err != nil || sealed != "v" {
		t.Fatalf("nil sealer Seal = %q, %v", sealed, err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	s, err := NewSealer("k")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := s.Open("enc:v1:!!!not-base64"); err == nil {
		t.Fatalf("expected error for malformed ciphertext")
	}
}
