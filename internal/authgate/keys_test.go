package authgate

import "testing"

func TestGenerateKey_RoundTripsThroughVerify(t *testing.T) {
	plaintext, hashed, prefix, err := GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !HasPrefix(plaintext) {
		t.Fatalf("expected generated key to carry the btr- prefix, got %q", plaintext)
	}
	if len(prefix) != 8 {
		t.Fatalf("expected an 8-char display suffix, got %q", prefix)
	}
	if !VerifyKey(plaintext, hashed) {
		t.Fatal("expected the generated plaintext to verify against its own hash")
	}
}

func TestVerifyKey_RejectsWrongKey(t *testing.T) {
	_, hashed, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if VerifyKey("btr-not-the-right-key", hashed) {
		t.Fatal("expected verification to fail for an unrelated key")
	}
}

func TestVerifyKey_RejectsMalformedStoredValue(t *testing.T) {
	if VerifyKey("btr-anything", "not-a-salt-hash-pair") {
		t.Fatal("expected malformed stored hash to fail closed")
	}
}

func TestHashKey_ProducesDistinctSaltsPerCall(t *testing.T) {
	h1, err := HashKey("btr-samekey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := HashKey("btr-samekey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct salts to produce distinct stored hashes for the same plaintext")
	}
	if !VerifyKey("btr-samekey", h1) || !VerifyKey("btr-samekey", h2) {
		t.Fatal("expected both salted hashes to verify the same plaintext")
	}
}
