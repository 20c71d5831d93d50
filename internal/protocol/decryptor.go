package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/crypto"
	"github.com/loghaven/loghaven/internal/lease"
)

// Decrypted is the outcome of running a raw frame through the
// decryption pipeline. When Status is not StatusOK the frame was
// rejected and ErrorText says why.
type Decrypted struct {
	Data []byte

	// LeaseID and HasLease are set when the frame was opened with a
	// lease session key (current or backup).
	LeaseID  string
	HasLease bool

	// Plain marks a frame that arrived unencrypted.
	Plain bool

	// UsedMasterKey marks a frame opened with the server-wide key.
	UsedMasterKey bool

	Status    int
	ErrorText string
}

// Decryptor turns raw frames into plaintext payloads. Layers are tried
// in a fixed order: the lease session key named in the envelope (then
// its backup key during rotation), the server-wide master key for
// envelopes naming no client, the server RSA key for whole-payload
// ciphertexts, and finally the plain-frame policy.
type Decryptor struct {
	Registry *lease.Registry
	Config   *config.Config
	Now      func() time.Time
}

// NewDecryptor builds a decryptor over the given registry and config.
func NewDecryptor(registry *lease.Registry, cfg *config.Config) *Decryptor {
	return &Decryptor{
		Registry: registry,
		Config:   cfg,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func reject(status int, text string) Decrypted {
	return Decrypted{Status: status, ErrorText: text}
}

// Decrypt runs one raw frame through the pipeline.
func (d *Decryptor) Decrypt(raw RawRequest) Decrypted {
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 {
		return reject(StatusBadRequest, "empty request")
	}

	if env, ok := ParseEnvelope(data); ok {
		if env.ClientID != "" {
			return d.openWithLease(env)
		}
		return d.openWithMasterKey(env)
	}

	if json.Valid(data) {
		return d.acceptPlain(data)
	}

	if priv := d.Config.ServerPrivateKey(); priv != nil {
		if plain, err := crypto.DecryptRSA(string(data), priv); err == nil && json.Valid(plain) {
			return Decrypted{Data: plain, Status: StatusOK}
		}
	}

	// Last chance: an unencrypted frame that only parses after
	// decompression.
	if inflated := d.maybeDecompress(data); json.Valid(inflated) {
		return d.acceptPlain(inflated)
	}

	return reject(StatusBadRequest, "unable to read request")
}

func (d *Decryptor) openWithLease(env Envelope) Decrypted {
	l, ok := d.Registry.Find(env.ClientID)
	if !ok {
		return reject(StatusInvalidClient, "client is not connected")
	}

	plain, err := crypto.DecryptAES(env.Ciphertext, l.Key, env.IV)
	if err != nil && l.BackupKey != "" {
		plain, err = crypto.DecryptAES(env.Ciphertext, l.BackupKey, env.IV)
	}
	if err != nil {
		return reject(StatusInvalidClient, "could not decrypt request with client key")
	}
	return Decrypted{
		Data:     d.maybeDecompress(plain),
		LeaseID:  env.ClientID,
		HasLease: true,
		Status:   StatusOK,
	}
}

func (d *Decryptor) openWithMasterKey(env Envelope) Decrypted {
	masterKey := d.Config.MasterKey()
	if masterKey == "" {
		return reject(StatusBadRequest, "server has no master key configured")
	}
	plain, err := crypto.DecryptAES(env.Ciphertext, masterKey, env.IV)
	if err != nil {
		return reject(StatusBadRequest, "could not decrypt request")
	}
	return Decrypted{
		Data:          d.maybeDecompress(plain),
		UsedMasterKey: true,
		Status:        StatusOK,
	}
}

func (d *Decryptor) acceptPlain(data []byte) Decrypted {
	if !d.Config.AllowPlainConnection() {
		return reject(StatusBadRequest, "plain requests are not allowed")
	}
	return Decrypted{Data: data, Plain: true, Status: StatusOK}
}

// maybeDecompress inflates a decrypted payload that is not yet JSON.
// Payloads are compressed before encryption and base64 encoded, so the
// inverse runs base64 then inflate. Failures fall back to the input
// untouched; the caller's JSON parse produces the real error.
func (d *Decryptor) maybeDecompress(data []byte) []byte {
	if json.Valid(data) || !d.Config.Compression() {
		return data
	}
	packed := data
	if decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data))); err == nil {
		packed = decoded
	}
	if inflated, err := crypto.Decompress(packed); err == nil {
		return inflated
	}
	return data
}
