// Package seal encrypts the sensitive diagnosis fields of a scan record at
// rest. Each record gets its own random AES-256 key, wrapped by a master
// wrapping key; the wrapped key travels in the record's encryption metadata
// as an opaque handle. Decryption requires a token the external auth
// collaborator accepts, and fails closed on any metadata or tag problem.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/stridelab/footscan/internal/monitoring"
	"github.com/stridelab/footscan/internal/scan"
)

// AlgorithmID identifies the sealing scheme in encryption metadata.
const AlgorithmID = "aes-256-gcm"

const (
	keySize = 32
	tagSize = 16
)

var (
	// ErrAlreadyEncrypted rejects sealing a record that is already sealed.
	// Re-encryption would destroy the key linkage of the first seal.
	ErrAlreadyEncrypted = errors.New("scan record is already encrypted")

	// ErrNotEncrypted rejects unsealing a plaintext record.
	ErrNotEncrypted = errors.New("scan record is not encrypted")

	// ErrUnauthorized is returned when the presented token is refused.
	ErrUnauthorized = errors.New("access token refused for scan")

	// ErrSealCorrupt covers missing metadata, a bad key handle and tag
	// mismatches. No partial plaintext ever accompanies it.
	ErrSealCorrupt = errors.New("encrypted diagnosis failed integrity check")
)

// TokenVerifier is the auth collaborator contract: given a caller token and
// a scan id, answer yes or no. No further identity logic happens here.
type TokenVerifier interface {
	Verify(token, scanID string) bool
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(token, scanID string) bool

func (f TokenVerifierFunc) Verify(token, scanID string) bool { return f(token, scanID) }

// envelope is the plaintext sealed as one unit, so the record carries a
// single IV and tag.
type envelope struct {
	Diagnosis string `json:"diagnosis"`
	Details   []byte `json:"details,omitempty"`
}

// Sealer seals and unseals records with keys derived from one master key.
type Sealer struct {
	wrapKey  []byte
	verifier TokenVerifier
}

// NewSealer derives the wrapping key from the master key with HKDF-SHA256.
// The master key must carry at least 16 bytes of entropy.
func NewSealer(masterKey []byte, verifier TokenVerifier) (*Sealer, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("master key too short")
	}
	if verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	wrapKey := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("footscan diagnosis wrapping key v1"))
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return &Sealer{wrapKey: wrapKey, verifier: verifier}, nil
}

// EncryptRecord seals the record's diagnosis fields. It returns the
// ciphertext (tag stripped into the metadata) and the metadata to persist.
// The record itself is not mutated; persisting is the caller's job.
func (s *Sealer) EncryptRecord(rec *scan.ScanRecord) ([]byte, *scan.EncryptionMetadata, error) {
	if rec.IsEncrypted {
		return nil, nil, ErrAlreadyEncrypted
	}

	plaintext, err := json.Marshal(envelope{Diagnosis: rec.Diagnosis, Details: rec.DiagnosisDetails})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal diagnosis envelope: %w", err)
	}

	recordKey := make([]byte, keySize)
	if _, err := rand.Read(recordKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate record key: %w", err)
	}

	gcm, err := newGCM(recordKey)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	// The scan id is bound as additional data so a sealed blob cannot be
	// replayed onto a different record.
	sealed := gcm.Seal(nil, iv, plaintext, []byte(rec.ID))
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	handle, err := s.wrapRecordKey(recordKey, rec.ID)
	if err != nil {
		return nil, nil, err
	}

	meta := &scan.EncryptionMetadata{
		Algorithm: AlgorithmID,
		IV:        iv,
		AuthTag:   tag,
		KeyHandle: handle,
	}
	return ciphertext, meta, nil
}

// DecryptRecord unseals a record's diagnosis fields after verifying the
// caller's token. Any failure returns no data at all.
func (s *Sealer) DecryptRecord(rec *scan.ScanRecord, token string) (string, []byte, error) {
	if !s.verifier.Verify(token, rec.ID) {
		monitoring.Logf("[security] token refused for scan %s", rec.ID)
		return "", nil, ErrUnauthorized
	}
	if !rec.IsEncrypted {
		return "", nil, ErrNotEncrypted
	}
	meta := rec.Encryption
	if meta == nil || meta.Algorithm != AlgorithmID || len(meta.IV) == 0 || len(meta.AuthTag) != tagSize || len(meta.KeyHandle) == 0 {
		monitoring.Logf("[security] scan %s has missing or malformed encryption metadata", rec.ID)
		return "", nil, ErrSealCorrupt
	}

	recordKey, err := s.unwrapKey(meta.KeyHandle, rec.ID)
	if err != nil {
		monitoring.Logf("[security] scan %s key handle rejected: %v", rec.ID, err)
		return "", nil, ErrSealCorrupt
	}

	gcm, err := newGCM(recordKey)
	if err != nil {
		return "", nil, err
	}
	sealed := append(append([]byte(nil), []byte(rec.Diagnosis)...), meta.AuthTag...)
	plaintext, err := gcm.Open(nil, meta.IV, sealed, []byte(rec.ID))
	if err != nil {
		monitoring.Logf("[security] scan %s diagnosis failed authentication", rec.ID)
		return "", nil, ErrSealCorrupt
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode diagnosis envelope: %w", err)
	}
	return env.Diagnosis, env.Details, nil
}

// wrapRecordKey seals the per-record key under the wrapping key. The record
// id is bound as additional data; the nonce is prepended to the blob.
func (s *Sealer) wrapRecordKey(recordKey []byte, scanID string) ([]byte, error) {
	gcm, err := newGCM(s.wrapKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, recordKey, []byte(scanID)), nil
}

func (s *Sealer) unwrapKey(handle []byte, scanID string) ([]byte, error) {
	gcm, err := newGCM(s.wrapKey)
	if err != nil {
		return nil, err
	}
	if len(handle) < gcm.NonceSize() {
		return nil, errors.New("key handle truncated")
	}
	nonce, wrapped := handle[:gcm.NonceSize()], handle[gcm.NonceSize():]
	key, err := gcm.Open(nil, nonce, wrapped, []byte(scanID))
	if err != nil {
		return nil, fmt.Errorf("key unwrap failed: %w", err)
	}
	if len(key) != keySize {
		return nil, errors.New("unwrapped key has wrong size")
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return gcm, nil
}
