// Package kms implements the engine's key-management service
// (spec.md §4.A): symmetric envelope encryption of caller-provided
// secrets and Ed25519 signing of engine-produced bytes, backed by a
// directory of append-only signing keys.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidCiphertext is returned by Unwrap/EnvelopeDecrypt when the
// AEAD tag does not verify.
var ErrInvalidCiphertext = errors.New("kms: invalid ciphertext")

// KeyManagementService is the narrow interface every caller depends
// on; the engine never references *LocalKMS directly outside of the
// cmd/ binaries' wiring (edgegate-server, edgegatectl).
type KeyManagementService interface {
	Wrap(dek []byte) ([]byte, error)
	Unwrap(blob []byte) ([]byte, error)
	EnvelopeEncrypt(plaintext []byte) ([]byte, error)
	EnvelopeDecrypt(blob []byte) ([]byte, error)
	Sign(data []byte) (keyID string, signature []byte, err error)
	Verify(data, signature []byte, keyID string) bool
	Rotate() (newKeyID string, err error)
	KeyID() string
}

type signingKey struct {
	id         string
	public     ed25519.PublicKey
	private    ed25519.PrivateKey
	createdAt  time.Time
	revokedAt  *time.Time
}

// LocalKMS is the production KeyManagementService: a 32-byte master
// key held in memory and a directory of Ed25519 signing keys, each
// persisted as <id>.key.enc (master-key-wrapped private key) and
// <id>.pub (raw public key).
type LocalKMS struct {
	masterKey []byte
	keysDir   string

	mu         sync.RWMutex
	keys       map[string]*signingKey
	currentID  string
}

// NewLocalKMS loads (or bootstraps) the signing-key directory under
// keysDir using masterKeyB64 (base64url, padding tolerated). On an
// empty directory it creates and persists an initial key pair; on
// restart it loads every on-disk key and selects the
// lexicographically largest id as current.
func NewLocalKMS(masterKeyB64 string, keysDir string) (*LocalKMS, error) {
	if masterKeyB64 == "" {
		return nil, fmt.Errorf("kms: master key is required")
	}
	masterKey, err := decodeMasterKey(masterKeyB64)
	if err != nil {
		return nil, err
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("kms: master key must be 32 bytes, got %d", len(masterKey))
	}

	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("kms: failed to create signing keys directory: %w", err)
	}

	kms := &LocalKMS{
		masterKey: masterKey,
		keysDir:   keysDir,
		keys:      make(map[string]*signingKey),
	}

	if err := kms.loadKeys(); err != nil {
		return nil, err
	}

	if len(kms.keys) == 0 {
		if _, err := kms.Rotate(); err != nil {
			return nil, fmt.Errorf("kms: failed to bootstrap initial signing key: %w", err)
		}
	}

	return kms, nil
}

func decodeMasterKey(b64 string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if key, err := enc.DecodeString(b64); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("kms: master key is not valid base64")
}

// DecodeMasterKey exposes the master-key decoding NewLocalKMS uses
// internally, for callers (such as pkg/ciauth's deterministic
// fallback) that need the same raw key bytes outside of a LocalKMS.
func DecodeMasterKey(b64 string) ([]byte, error) {
	return decodeMasterKey(b64)
}

// newKeyID mints a monotonically non-decreasing id of the form
// "key-v<unix-nanos>".
func newKeyID() string {
	return fmt.Sprintf("key-v%d", time.Now().UnixNano())
}

func (k *LocalKMS) loadKeys() error {
	entries, err := os.ReadDir(k.keysDir)
	if err != nil {
		return fmt.Errorf("kms: failed to read signing keys directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".key.enc") {
			continue
		}
		id := strings.TrimSuffix(name, ".key.enc")

		wrapped, err := os.ReadFile(filepath.Join(k.keysDir, name))
		if err != nil {
			return fmt.Errorf("kms: failed to read signing key %s: %w", id, err)
		}
		privBytes, err := k.unwrapBytes(wrapped)
		if err != nil {
			return fmt.Errorf("kms: failed to unwrap signing key %s: %w", id, err)
		}
		if len(privBytes) != ed25519.PrivateKeySize {
			return fmt.Errorf("kms: corrupt signing key %s: unexpected length %d", id, len(privBytes))
		}
		priv := ed25519.PrivateKey(privBytes)

		k.keys[id] = &signingKey{
			id:      id,
			public:  priv.Public().(ed25519.PublicKey),
			private: priv,
		}
	}

	if len(k.keys) > 0 {
		ids := make([]string, 0, len(k.keys))
		for id := range k.keys {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		k.currentID = ids[len(ids)-1]
	}

	return nil
}

// KeyID returns the current signing key's id.
func (k *LocalKMS) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentID
}

// Rotate creates a new Ed25519 key pair, persists it to disk wrapped
// under the master key, and makes it current. Existing keys (and
// anything they signed) remain verifiable.
func (k *LocalKMS) Rotate() (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("kms: failed to generate signing key: %w", err)
	}

	id := newKeyID()

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[id]; exists {
		// extremely unlikely UnixNano collision; append a "-1" suffix
		id = fmt.Sprintf("%s-1", id)
	}

	wrapped, err := k.wrapBytes(priv)
	if err != nil {
		return "", fmt.Errorf("kms: failed to wrap new signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(k.keysDir, id+".key.enc"), wrapped, 0o600); err != nil {
		return "", fmt.Errorf("kms: failed to persist signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(k.keysDir, id+".pub"), []byte(pub), 0o644); err != nil {
		return "", fmt.Errorf("kms: failed to persist public key: %w", err)
	}

	k.keys[id] = &signingKey{id: id, public: pub, private: priv, createdAt: time.Now()}
	k.currentID = id

	return id, nil
}

// Sign signs data with the current signing key.
func (k *LocalKMS) Sign(data []byte) (string, []byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[k.currentID]
	if !ok {
		return "", nil, fmt.Errorf("kms: no current signing key loaded")
	}
	return key.id, ed25519.Sign(key.private, data), nil
}

// Verify reports whether signature is a valid Ed25519 signature of
// data under keyID. It never returns an error: any failure (unknown
// key, malformed signature, mismatch) simply yields false.
func (k *LocalKMS) Verify(data, signature []byte, keyID string) bool {
	k.mu.RLock()
	key, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		pub, err := k.loadPublicKeyFromDisk(keyID)
		if err != nil {
			return false
		}
		return ed25519.Verify(pub, data, signature)
	}
	return ed25519.Verify(key.public, data, signature)
}

func (k *LocalKMS) loadPublicKeyFromDisk(keyID string) (ed25519.PublicKey, error) {
	if strings.ContainsAny(keyID, "/\\") {
		return nil, fmt.Errorf("kms: invalid key id")
	}
	raw, err := os.ReadFile(filepath.Join(k.keysDir, keyID+".pub"))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("kms: corrupt public key %s", keyID)
	}
	return ed25519.PublicKey(raw), nil
}

// Wrap produces a self-contained blob nonce(12) || ciphertext-with-tag
// encrypting dek under the master key with AES-256-GCM.
func (k *LocalKMS) Wrap(dek []byte) ([]byte, error) {
	return k.wrapBytes(dek)
}

// Unwrap is the inverse of Wrap.
func (k *LocalKMS) Unwrap(blob []byte) ([]byte, error) {
	return k.unwrapBytes(blob)
}

func (k *LocalKMS) wrapBytes(plaintext []byte) ([]byte, error) {
	gcm, err := newMasterGCM(k.masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("kms: failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

func (k *LocalKMS) unwrapBytes(blob []byte) ([]byte, error) {
	gcm, err := newMasterGCM(k.masterKey)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newMasterGCM(masterKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to initialize GCM: %w", err)
	}
	return gcm, nil
}

// EnvelopeEncrypt generates a fresh 32-byte DEK, encrypts plaintext
// under it with AES-256-GCM, wraps the DEK under the master key, and
// returns the self-describing layout:
// u16-be wrapped-len || wrapped-dek || nonce(12) || ciphertext.
func (k *LocalKMS) EnvelopeEncrypt(plaintext []byte) ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("kms: failed to generate data key: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to initialize data key cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to initialize data key GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("kms: failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrapped, err := k.Wrap(dek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) > 0xFFFF {
		return nil, fmt.Errorf("kms: wrapped data key unexpectedly large")
	}

	out := make([]byte, 0, 2+len(wrapped)+len(nonce)+len(ciphertext))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(wrapped)))
	out = append(out, lenBuf...)
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// EnvelopeDecrypt is the inverse of EnvelopeEncrypt.
func (k *LocalKMS) EnvelopeDecrypt(blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrInvalidCiphertext
	}
	wrappedLen := int(binary.BigEndian.Uint16(blob[:2]))
	rest := blob[2:]
	if len(rest) < wrappedLen {
		return nil, ErrInvalidCiphertext
	}
	wrapped, rest := rest[:wrappedLen], rest[wrappedLen:]

	dek, err := k.Unwrap(wrapped)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
