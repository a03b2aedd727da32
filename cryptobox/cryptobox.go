// Package cryptobox implements the relay's per-hop encryption envelope:
// RSA-OAEP encrypt/decrypt under a peer's hostkey, and the SHA-256
// fingerprint used to address hops without trial decryption.
package cryptobox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
)

var (
	ErrInvalidKey      = errors.New("invalid key")
	ErrCorruptEnvelope = errors.New("corrupt envelope")
)

const lengthPrefixSize = 4

// chunkSizes returns the maximum plaintext and ciphertext block size for
// OAEP under the given public key, derived from its modulus so callers
// don't hardcode a key size.
func chunkSizes(pub *rsa.PublicKey) (plain, cipher int) {
	cipher = pub.Size()
	plain = cipher - 2*sha256.Size - 2
	return plain, cipher
}

// Encrypt encrypts an arbitrary-length plaintext under pub using RSA-OAEP
// (SHA-256), chunking it into key-sized blocks since OAEP alone bounds
// plaintext to roughly modulus-size minus twice the hash size. The result is
// a 4-byte big-endian plaintext length followed by the concatenated
// ciphertext blocks, so Decrypt can trim padding introduced by the final
// partial block.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, ErrInvalidKey
	}

	plainChunk, cipherChunk := chunkSizes(pub)
	if plainChunk <= 0 {
		return nil, ErrInvalidKey
	}

	numChunks := (len(plaintext) + plainChunk - 1) / plainChunk
	if numChunks == 0 {
		numChunks = 1
	}

	out := make([]byte, lengthPrefixSize, lengthPrefixSize+numChunks*cipherChunk)
	out[0] = byte(len(plaintext) >> 24)
	out[1] = byte(len(plaintext) >> 16)
	out[2] = byte(len(plaintext) >> 8)
	out[3] = byte(len(plaintext))

	for i := 0; i < numChunks; i++ {
		start := i * plainChunk
		end := start + plainChunk
		if end > len(plaintext) {
			end = len(plaintext)
		}

		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext[start:end], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}

	return out, nil
}

// Decrypt reverses Encrypt under the given private key, concatenating the
// decrypted chunks and trimming back to the original plaintext length.
func Decrypt(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, ErrInvalidKey
	}
	if len(ciphertext) < lengthPrefixSize {
		return nil, ErrCorruptEnvelope
	}

	plainLen := int(ciphertext[0])<<24 | int(ciphertext[1])<<16 | int(ciphertext[2])<<8 | int(ciphertext[3])
	body := ciphertext[lengthPrefixSize:]

	cipherChunk := priv.Size()
	if cipherChunk == 0 || len(body)%cipherChunk != 0 {
		return nil, ErrCorruptEnvelope
	}

	out := make([]byte, 0, plainLen)
	for start := 0; start < len(body); start += cipherChunk {
		block, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, body[start:start+cipherChunk], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}

	if plainLen > len(out) {
		return nil, ErrCorruptEnvelope
	}
	return out[:plainLen], nil
}

// Fingerprint returns the SHA-256 digest of a hostkey's canonical byte
// representation (the PKCS1 DER encoding carried in API frames' hostkey
// fields), a stable address-independent identifier for the key.
func Fingerprint(hostKey []byte) [32]byte {
	return sha256.Sum256(hostKey)
}

// FingerprintBytes returns the low 16 bits of Fingerprint, the width
// carried by APIData.HopFingerprint on the wire.
func FingerprintBytes(hostKey []byte) uint16 {
	fp := Fingerprint(hostKey)
	return uint16(fp[30])<<8 | uint16(fp[31])
}

// MarshalHostKey renders a public key into the canonical hostkey byte
// representation used on the wire (PKCS1 DER, matching the ancestry's
// existing hostkey handling in its control-plane codec).
func MarshalHostKey(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// ParseHostKey parses the canonical wire hostkey bytes back into an RSA
// public key.
func ParseHostKey(data []byte) (*rsa.PublicKey, error) {
	return x509.ParsePKCS1PublicKey(data)
}
