// Sealed secret storage. Rows hold ciphertext only; the secret manager
// seals and opens them.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sealed secret errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretExists   = errors.New("secret already exists for this session")
)

// PutSealed stores the sealed secret for a session. One secret per session.
func (s *SQLiteStore) PutSealed(sessionID string, sealed []byte, commitment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_secrets (session_id, sealed, commitment, disclosed, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, sessionID, sealed, commitment, time.Now().Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSecretExists
		}
		return fmt.Errorf("failed to store sealed secret: %w", err)
	}
	return nil
}

// GetSealed returns the sealed secret and its disclosure flag.
func (s *SQLiteStore) GetSealed(sessionID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sealed []byte
	var disclosed int
	err := s.db.QueryRow(`
		SELECT sealed, disclosed FROM session_secrets WHERE session_id = ?
	`, sessionID).Scan(&sealed, &disclosed)
	if err == sql.ErrNoRows {
		return nil, false, ErrSecretNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read sealed secret: %w", err)
	}
	return sealed, disclosed != 0, nil
}

// MarkDisclosed records that the secret has been handed out. Idempotent.
func (s *SQLiteStore) MarkDisclosed(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE session_secrets SET disclosed = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark secret disclosed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSecretNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
