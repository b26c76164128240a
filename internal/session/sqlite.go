package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store backed by SQLite. Sessions survive
// daemon restarts; the coordinator reloads non-terminal ones on startup.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// SQLiteConfig holds storage configuration.
type SQLiteConfig struct {
	DataDir string
}

// NewSQLiteStore opens (or creates) the session database under DataDir.
func NewSQLiteStore(cfg *SQLiteConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "driftlock.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Swap sessions. Never deleted: terminal rows are the audit trail.
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		source_chain TEXT NOT NULL,
		dest_chain TEXT NOT NULL,
		source_token TEXT NOT NULL,
		dest_token TEXT NOT NULL,
		source_amount INTEGER NOT NULL,
		dest_amount INTEGER NOT NULL,
		maker TEXT NOT NULL,
		taker TEXT NOT NULL,
		commitment TEXT NOT NULL,
		secret TEXT DEFAULT '',
		status TEXT NOT NULL,
		steps TEXT NOT NULL,
		src_escrow_id TEXT DEFAULT '',
		dst_escrow_id TEXT DEFAULT '',
		network_fee INTEGER DEFAULT 0,
		protocol_fee INTEGER DEFAULT 0,
		degraded INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	-- Sealed swap secrets, keyed by session. Ciphertext only.
	CREATE TABLE IF NOT EXISTS session_secrets (
		session_id TEXT PRIMARY KEY,
		sealed BLOB NOT NULL,
		commitment TEXT NOT NULL,
		disclosed INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, source_chain, dest_chain, source_token, dest_token,
	source_amount, dest_amount, maker, taker, commitment, secret, status, steps,
	src_escrow_id, dst_escrow_id, network_fee, protocol_fee, degraded,
	created_at, expires_at, updated_at`

func (s *SQLiteStore) Create(sess *SwapSession) error {
	if sess.Status != StatusInitialized {
		return fmt.Errorf("%w: new sessions must be initialized", ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	steps, err := json.Marshal(sess.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		sess.ID,
		sess.SourceChain,
		sess.DestChain,
		sess.SourceToken,
		sess.DestToken,
		sess.SourceAmount,
		sess.DestAmount,
		sess.Maker,
		sess.Taker,
		sess.Commitment,
		sess.Secret,
		string(sess.Status),
		string(steps),
		sess.SrcEscrowID,
		sess.DstEscrowID,
		sess.Fees.NetworkFee,
		sess.Fees.ProtocolFee,
		boolToInt(sess.Degraded),
		sess.CreatedAt.Unix(),
		sess.ExpiresAt.Unix(),
		sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*SwapSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

// get reads a session without taking the lock; callers hold it.
func (s *SQLiteStore) get(id string) (*SwapSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) List(f Filter) ([]*SwapSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SwapSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if f.Matches(sess) {
			out = append(out, sess)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(id string, to Status) (*SwapSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if !ValidTransition(sess.Status, to) {
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, sess.Status, to)
	}

	sess.Status = to
	sess.UpdatedAt = time.Now()
	_, err = s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), sess.UpdatedAt.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) SetStep(id string, step StepName, status StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}
	if err := sess.SetStep(step, status); err != nil {
		return err
	}

	steps, err := json.Marshal(sess.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	_, err = s.db.Exec(`UPDATE sessions SET steps = ?, updated_at = ? WHERE id = ?`,
		string(steps), time.Now().Unix(), id)
	return err
}

func (s *SQLiteStore) SetEscrow(id string, role EscrowRole, escrowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}

	var column string
	switch role {
	case RoleSource:
		column = "src_escrow_id"
	case RoleDestination:
		column = "dst_escrow_id"
	default:
		return fmt.Errorf("%w: unknown escrow role %s", ErrValidation, role)
	}
	_, err = s.db.Exec(`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		escrowID, time.Now().Unix(), id)
	return err
}

func (s *SQLiteStore) SetSecret(id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}
	_, err = s.db.Exec(`UPDATE sessions SET secret = ?, updated_at = ? WHERE id = ?`,
		secret, time.Now().Unix(), id)
	return err
}

func (s *SQLiteStore) SetDegraded(id string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}
	_, err = s.db.Exec(`UPDATE sessions SET degraded = ?, updated_at = ? WHERE id = ?`,
		boolToInt(degraded), time.Now().Unix(), id)
	return err
}

// scanner abstracts sql.Row and sql.Rows for scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*SwapSession, error) {
	var sess SwapSession
	var status, steps string
	var degraded int
	var createdAt, expiresAt, updatedAt int64

	err := row.Scan(
		&sess.ID,
		&sess.SourceChain,
		&sess.DestChain,
		&sess.SourceToken,
		&sess.DestToken,
		&sess.SourceAmount,
		&sess.DestAmount,
		&sess.Maker,
		&sess.Taker,
		&sess.Commitment,
		&sess.Secret,
		&status,
		&steps,
		&sess.SrcEscrowID,
		&sess.DstEscrowID,
		&sess.Fees.NetworkFee,
		&sess.Fees.ProtocolFee,
		&degraded,
		&createdAt,
		&expiresAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(steps), &sess.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	sess.Degraded = degraded != 0
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
