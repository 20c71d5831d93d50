package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateKeySizes(t *testing.T) {
	for _, bits := range []int{128, 192, 256} {
		key, err := GenerateKey(bits)
		if err != nil {
			t.Fatalf("GenerateKey(%d): %v", bits, err)
		}
		if len(key) != bits/8*2 {
			t.Errorf("expected %d hex chars, got %d", bits/8*2, len(key))
		}
	}
	if _, err := GenerateKey(100); err == nil {
		t.Error("expected error for invalid key size")
	}
}

func TestEncryptDecryptAES(t *testing.T) {
	key, err := GenerateKey(256)
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte(`{"type":1,"client_id":"abc123"}`)

	out, err := EncryptAES(plain, key)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.SplitN(out, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("expected iv:ciphertext, got %q", out)
	}
	if len(parts[0]) != 32 {
		t.Errorf("expected 32 hex char IV, got %d", len(parts[0]))
	}

	got, err := DecryptAES(parts[1], key, parts[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestDecryptAESWrongKey(t *testing.T) {
	key, _ := GenerateKey(128)
	other, _ := GenerateKey(128)
	out, err := EncryptAES([]byte("some payload for the wrong key"), key)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.SplitN(out, ":", 2)
	got, err := DecryptAES(parts[1], other, parts[0])
	if err == nil && bytes.Equal(got, []byte("some payload for the wrong key")) {
		t.Error("decryption with the wrong key should not yield the plaintext")
	}
}

func TestRSARoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := LoadPrivateKey(privPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	pub, err := LoadPublicKey(pubPEM)
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte(`{"status":0,"key":"deadbeef"}`)
	ct, err := EncryptRSA(plain, pub)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptRSA(ct, priv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestSignVerify(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	priv, _ := LoadPrivateKey(privPEM, "")
	pub, _ := LoadPublicKey(pubPEM)

	sig, err := Sign([]byte("client-one"), priv)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify([]byte("client-one"), sig, pub); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := Verify([]byte("client-two"), sig, pub); err == nil {
		t.Error("signature over different data accepted")
	}
}

func TestGenerateKeyPairMinimumSize(t *testing.T) {
	if _, _, err := GenerateKeyPair(1024); err == nil {
		t.Error("expected error for key below 2048 bits")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("log line payload "), 100)
	packed, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) >= len(data) {
		t.Errorf("expected compression to shrink payload, %d -> %d", len(data), len(packed))
	}
	got, err := Decompress(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip mismatch")
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not compressed at all")); err == nil {
		t.Error("expected error for non-compressed input")
	}
}
