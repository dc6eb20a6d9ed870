package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	b, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	plaintext := []byte("hello, modem")
	blob, err := b.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := b.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestSealNonceUniqueness(t *testing.T) {
	b, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	plaintext := []byte("identical plaintext")
	a, err := b.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	c, err := b.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("two seals of identical plaintext produced identical ciphertext")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	b, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	blob, err := b.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := b.Open(blob); err != ErrCiphertext {
		t.Errorf("Open of tampered blob = %v, want ErrCiphertext", err)
	}
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	b, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	if _, err := b.Open([]byte("short")); err != ErrCiphertext {
		t.Errorf("Open of short blob = %v, want ErrCiphertext", err)
	}
}
