// Package secret implements swap secret custody: generation, SHA-256
// commitments, sealed at-rest storage, and gated disclosure. The raw secret
// leaves this package exactly once per session, through Disclose, and is
// never logged.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/logging"
)

// Common errors
var (
	ErrUnauthorized = errors.New("requester is not authorized for this secret")
	ErrNotReady     = errors.New("secret is not yet disclosable")
	ErrNoKey        = errors.New("sealing key not configured")
)

// Vault stores sealed secrets. session.SQLiteStore implements it; MemoryVault
// serves tests and simulation mode.
type Vault interface {
	PutSealed(sessionID string, sealed []byte, commitment string) error
	GetSealed(sessionID string) (sealed []byte, disclosed bool, err error)
	MarkDisclosed(sessionID string) error
}

// Manager generates, seals, and discloses swap secrets.
type Manager struct {
	key      []byte // 32-byte sealing key
	vault    Vault
	sessions session.Store
	log      *logging.Logger
}

// NewManager creates a Manager with the given sealing key and vault.
func NewManager(key []byte, vault Vault) (*Manager, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrNoKey, chacha20poly1305.KeySize, len(key))
	}
	return &Manager{
		key:   key,
		vault: vault,
		log:   logging.Component("secrets"),
	}, nil
}

// SetSessions injects the session store. Disclosure gating reads session
// status and party identity through it.
func (m *Manager) SetSessions(store session.Store) {
	m.sessions = store
}

// Generate creates a fresh 32-byte secret for a session, seals it into the
// vault, and returns the hex SHA-256 commitment. The secret itself is not
// returned.
func (m *Manager) Generate(sessionID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	sum := sha256.Sum256(raw)
	commitment := hex.EncodeToString(sum[:])

	sealed, err := m.seal(sessionID, raw)
	if err != nil {
		return "", err
	}
	if err := m.vault.PutSealed(sessionID, sealed, commitment); err != nil {
		return "", err
	}

	m.log.Debug("Generated swap secret", "session", sessionID, "commitment", commitment)
	return commitment, nil
}

// Disclose returns the session's secret to its taker once both escrows are
// locked. Idempotent: repeated calls return the same secret. The first
// successful call records disclosure, sets the session's secret field, and
// moves the reveal step to in_progress.
//
// The authorization check runs before the readiness check: a requester who
// is not the taker learns nothing about the session's progress.
func (m *Manager) Disclose(sessionID, requester string) (string, error) {
	if m.sessions == nil {
		return "", errors.New("session store not configured")
	}

	sess, err := m.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	if requester != sess.Taker {
		return "", fmt.Errorf("%w: session %s", ErrUnauthorized, sessionID)
	}
	if !sess.Status.AtLeast(session.StatusBothLocked) {
		return "", fmt.Errorf("%w: session %s is %s", ErrNotReady, sessionID, sess.Status)
	}

	sealed, disclosed, err := m.vault.GetSealed(sessionID)
	if err != nil {
		return "", err
	}
	raw, err := m.open(sessionID, sealed)
	if err != nil {
		return "", err
	}
	secretHex := hex.EncodeToString(raw)

	if !disclosed {
		if err := m.vault.MarkDisclosed(sessionID); err != nil {
			return "", err
		}
		if err := m.sessions.SetSecret(sessionID, secretHex); err != nil {
			return "", err
		}
		if err := m.sessions.SetStep(sessionID, session.StepReveal, session.StepInProgress); err != nil {
			return "", err
		}
		m.log.Info("Disclosed swap secret", "session", sessionID, "commitment", sess.Commitment)
	}

	return secretHex, nil
}

// Verify checks a hex secret against a hex commitment in constant time.
func Verify(secretHex, commitment string) bool {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(commitment)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	sum := sha256.Sum256(raw)
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}

// seal encrypts a secret with XChaCha20-Poly1305, binding it to its session
// ID. Output layout: nonce || ciphertext.
func (m *Manager) seal(sessionID string, raw []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, raw, []byte(sessionID)), nil
}

func (m *Manager) open(sessionID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed secret too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	raw, err := aead.Open(nil, nonce, ct, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed secret: %w", err)
	}
	return raw, nil
}

// LoadOrCreateKey reads the sealing key from path, generating and persisting
// a fresh one on first run.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: key file %s has %d bytes", ErrNoKey, path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read sealing key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write sealing key: %w", err)
	}
	return key, nil
}
