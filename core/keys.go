package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// KeyPair is one authority's full identity: the public key that names it in
// the committee, and the private key used to sign headers and votes — out
// of scope here beyond being opaque bytes to persist (spec.md §1 "Key
// generation, signature schemes ... out of scope").
type KeyPair struct {
	Name   PublicKey
	Secret ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 identity (spec.md §4.E
// "generate_keys").
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	var name PublicKey
	copy(name[:], pub)
	return KeyPair{Name: name, Secret: priv}, nil
}

// keyFileWire is the on-disk JSON shape for a key file: a random id (useful
// for operators tracking which file belongs to which run) plus the hex-
// encoded name and secret.
type keyFileWire struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// ExportKeyFile writes kp to filename as human-readable JSON.
func ExportKeyFile(kp KeyPair, filename string) error {
	wire := keyFileWire{
		ID:     uuid.NewString(),
		Name:   encodePublicKeyHex(kp.Name),
		Secret: fmt.Sprintf("%x", []byte(kp.Secret)),
	}
	buf, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	if err := os.WriteFile(filename, buf, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// ImportKeyFile reads a key file written by ExportKeyFile, rejecting unknown
// fields.
func ImportKeyFile(filename string) (KeyPair, error) {
	f, err := os.Open(filename)
	if err != nil {
		return KeyPair{}, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var wire keyFileWire
	if err := dec.Decode(&wire); err != nil {
		return KeyPair{}, fmt.Errorf("decode key file: %w", err)
	}

	name, err := decodePublicKeyHex(wire.Name)
	if err != nil {
		return KeyPair{}, fmt.Errorf("key file name: %w", err)
	}
	secretRaw, err := hexDecode(wire.Secret)
	if err != nil {
		return KeyPair{}, fmt.Errorf("key file secret: %w", err)
	}
	if len(secretRaw) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("key file secret: want %d bytes, got %d", ed25519.PrivateKeySize, len(secretRaw))
	}
	return KeyPair{Name: name, Secret: ed25519.PrivateKey(secretRaw)}, nil
}
