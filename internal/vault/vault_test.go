package vault

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v, err := New("master-secret-1")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	plaintext := "root:sup3r-s3cret\x00binary\xffsafe"
	ct, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := v.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("master-secret-1")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	a, _ := v.Encrypt("same input")
	b, _ := v.Encrypt("same input")
	if a == b {
		t.Fatal("expected distinct ciphertexts for repeated encryptions")
	}
}

func TestDecryptWithForeignSecretFails(t *testing.T) {
	v1, err := New("master-secret-1")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	v2, err := New("master-secret-2")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	ct, err := v1.Encrypt("admin password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := v2.Decrypt(ct); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto, got %v", err)
	}
}

func TestDecryptCorruptedCiphertext(t *testing.T) {
	v, err := New("master-secret-1")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	for _, ct := range []string{"", "not-base64!!!", "c2hvcnQ=", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="} {
		if _, err := v.Decrypt(ct); !errors.Is(err, ErrCrypto) {
			t.Fatalf("ciphertext %q: expected ErrCrypto, got %v", ct, err)
		}
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty master secret")
	}
}
