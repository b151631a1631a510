// Package keys manages the DVM's two long-lived secp256k1 identities (the
// server key used for Nostr event signing and the oracle key used for DLC
// announcements/attestations), persisted as a single keys.json written
// with an atomic temp-file-plus-rename so a crash mid-write never leaves a
// corrupt file behind.
package keys

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/nostr"
)

type fileFormat struct {
	ServerKeyHex string       `json:"server_key"`
	OracleKeyHex string       `json:"oracle_key"`
	Kind0        *nostr.Event `json:"kind0,omitempty"`
	Kind31990    *nostr.Event `json:"kind31990,omitempty"`
}

// Keyring holds the server and oracle private keys for the process
// lifetime, plus the two startup-announcement events (kind:0 metadata and
// kind:31990 service ad) once they have been published, so a restart never
// re-emits them (spec.md §6).
type Keyring struct {
	path      string
	ServerKey *secp256k1.PrivateKey
	OracleKey *secp256k1.PrivateKey
	Kind0     *nostr.Event
	Kind31990 *nostr.Event
}

// Load reads keys.json under dir, generating and persisting fresh keys on
// first run.
func Load(dir string) (*Keyring, error) {
	path := filepath.Join(dir, "keys.json")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("keys: no keyring found, generating fresh keys")
		kr, genErr := generate(path)
		if genErr != nil {
			return nil, genErr
		}
		if err := kr.flush(); err != nil {
			return nil, err
		}
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("keys: parse %s: %w", path, err)
	}

	serverKey, err := decodeKey(ff.ServerKeyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: decode server key: %w", err)
	}
	oracleKey, err := decodeKey(ff.OracleKeyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: decode oracle key: %w", err)
	}

	return &Keyring{path: path, ServerKey: serverKey, OracleKey: oracleKey, Kind0: ff.Kind0, Kind31990: ff.Kind31990}, nil
}

func generate(path string) (*Keyring, error) {
	serverKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate server key: %w", err)
	}
	oracleKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate oracle key: %w", err)
	}
	return &Keyring{path: path, ServerKey: serverKey, OracleKey: oracleKey}, nil
}

func decodeKey(hexStr string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// flush writes the keyring to a temp file in the same directory and
// renames it over the real path, so readers never observe a partial
// write.
func (k *Keyring) flush() error {
	ff := fileFormat{
		ServerKeyHex: hex.EncodeToString(k.ServerKey.Serialize()),
		OracleKeyHex: hex.EncodeToString(k.OracleKey.Serialize()),
		Kind0:        k.Kind0,
		Kind31990:    k.Kind31990,
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal: %w", err)
	}

	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keys: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*.json.tmp")
	if err != nil {
		return fmt.Errorf("keys: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("keys: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keys: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keys: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, k.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keys: rename into place: %w", err)
	}
	return nil
}

// MarkKind0Published records ev as the metadata event already emitted for
// this identity and persists it, so a subsequent process start does not
// publish a second one.
func (k *Keyring) MarkKind0Published(ev nostr.Event) error {
	k.Kind0 = &ev
	return k.flush()
}

// MarkKind31990Published records ev as the service-advertisement event
// already emitted for this identity and persists it.
func (k *Keyring) MarkKind31990Published(ev nostr.Event) error {
	k.Kind31990 = &ev
	return k.flush()
}
