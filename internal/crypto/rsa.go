package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// LoadPublicKey parses a PEM-encoded RSA public key. Both PKCS#1 and
// PKIX encodings are accepted since clients generate their keys with a
// variety of tools.
func LoadPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

// LoadPrivateKey parses a PEM-encoded RSA private key. If secret is
// non-empty the PEM block is decrypted with it first.
func LoadPrivateKey(pemData []byte, secret string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	der := block.Bytes
	if secret != "" {
		var err error
		der, err = x509.DecryptPEMBlock(block, []byte(secret)) //nolint:staticcheck // legacy encrypted keys
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// EncryptRSA encrypts plain for the given public key and returns it
// base64-encoded. The payload must fit a single PKCS#1 v1.5 block, which
// is why server keys are required to be at least 2048 bits.
func EncryptRSA(plain []byte, pub *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptRSA decrypts a base64-encoded PKCS#1 v1.5 ciphertext.
func DecryptRSA(ciphertextB64 string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("bad ciphertext: %w", err)
	}
	return rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
}

// Sign returns a base64 SHA-256 PKCS#1 v1.5 signature of data.
func Sign(data []byte, priv *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature produced by Sign.
func Verify(data []byte, signatureB64 string, pub *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("bad signature: %w", err)
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// GenerateKeyPair creates a new RSA key pair and returns the private and
// public halves PEM-encoded.
func GenerateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	if bits < 2048 {
		return nil, nil, errors.New("key size below 2048 bits")
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})
	return privPEM, pubPEM, nil
}
