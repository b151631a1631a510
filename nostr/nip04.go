package nostr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SharedSecret derives the NIP-04 AES key: sha256 of the x-coordinate of
// sk * pub. NIP-04 is fixed to AES-256-CBC, so no ecosystem cipher library
// choice applies here — this is a protocol-mandated primitive, not a place
// to swap in a pack dependency.
func SharedSecret(sk *secp256k1.PrivateKey, pub *secp256k1.PublicKey) [32]byte {
	var point secp256k1.JacobianPoint
	var pubJ secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)

	var scalar secp256k1.ModNScalar
	scalar.Set(&sk.Key)
	secp256k1.ScalarMultNonConst(&scalar, &pubJ, &point)
	point.ToAffine()

	return sha256.Sum256(point.X.Bytes()[:])
}

// EncryptNIP04 encrypts plaintext under key, returning "<b64 ciphertext>?iv=<b64 iv>".
func EncryptNIP04(key [32]byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return fmt.Sprintf("%s?iv=%s",
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(iv),
	), nil
}

// DecryptNIP04 reverses EncryptNIP04.
func DecryptNIP04(key [32]byte, payload string) (string, error) {
	parts := strings.SplitN(payload, "?iv=", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed nip-04 payload")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length %d", len(iv))
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not a multiple of block size")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// ParsePubKeyHex is a small convenience used at the NIP-04 boundary.
func ParsePubKeyHex(pubHex string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, err
	}
	// NIP-04 exchanges use 32-byte x-only keys with an implied even-y,
	// matching the x-only keys events carry (see schnorr.ParsePubKey in event.go
	// for the equivalent event-signature-side parsing).
	return secp256k1.ParsePubKey(append([]byte{0x02}, b...))
}
