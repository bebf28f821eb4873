package tokencrypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		plaintext []byte
	}{
		{"short", []byte("hello")},
		{"empty", []byte("")},
		{"json", []byte(`{"token":"abc123","agent_id":"xyz"}`)},
		{"binary-ish", []byte{0x00, 0x01, 0xff, 0x80, 0x7f}},
	}

	enc, err := New([]byte("a reasonably long master passphrase"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct, err := enc.Encrypt(tc.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			pt, err := enc.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if string(pt) != string(tc.plaintext) {
				t.Fatalf("round trip mismatch: got %q want %q", pt, tc.plaintext)
			}
		})
	}
}

func TestEncryptIsNondeterministic(t *testing.T) {
	enc, err := New([]byte("master passphrase"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := enc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ciphertexts for repeated encryption of identical plaintext")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, err := New([]byte("master passphrase"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := flipLastChar(ct)
	if _, err := enc.Decrypt(tampered); err != ErrCrypto {
		t.Fatalf("Decrypt(tampered) = %v, want ErrCrypto", err)
	}
}

func TestDecryptRejectsTruncated(t *testing.T) {
	enc, err := New([]byte("master passphrase"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	truncated := ct[:len(ct)/2]
	if _, err := enc.Decrypt(truncated); err != ErrCrypto {
		t.Fatalf("Decrypt(truncated) = %v, want ErrCrypto", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a, err := New([]byte("passphrase one"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New([]byte("passphrase two"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := a.Encrypt([]byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(ct); err != ErrCrypto {
		t.Fatalf("Decrypt with wrong key = %v, want ErrCrypto", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := New([]byte("master passphrase"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := enc.Decrypt("not valid base64url!!"); err != ErrCrypto {
		t.Fatalf("Decrypt(garbage) = %v, want ErrCrypto", err)
	}
}

func TestNewRejectsEmptyPassphrase(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func flipLastChar(s string) string {
	if len(s) == 0 {
		return s
	}
	b := []byte(s)
	last := b[len(b)-1]
	if last == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return strings.TrimRight(string(b), "")
}
