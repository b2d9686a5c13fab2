// Package credentials is the Credential Store: it holds subscriber exchange
// API keys encrypted at rest under the engine's master key, and is the only
// package ever permitted to see a credential's plaintext form.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/domain"
)

// ErrNotFound is returned when no credential exists for a subscriber/exchange pair.
var ErrNotFound = errors.New("credential not found")

// Store persists encrypted credentials and resolves them back to plaintext
// on demand for the exchange adapter factory.
type Store struct {
	db        *sql.DB
	masterKey string
	log       zerolog.Logger
}

// New creates a credential store keyed by masterKey.
func New(db *sql.DB, masterKey string, log zerolog.Logger) *Store {
	return &Store{db: db, masterKey: masterKey, log: log.With().Str("component", "credentials").Logger()}
}

// Put encrypts and stores apiKey/apiSecret for subscriberID on exchangeID,
// replacing any existing credential for that pair. New credentials start
// PENDING and inactive until approved through the review workflow.
func (s *Store) Put(ctx context.Context, subscriberID, exchangeID string, plain domain.PlaintextCredential) (*domain.Credential, error) {
	payload := fmt.Sprintf("%s\x00%s", plain.APIKey, plain.APISecret)
	sealed, err := Encrypt(s.masterKey, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	nonceLen := 12 // AES-GCM standard nonce size; stored inline with ciphertext by Encrypt
	if len(sealed) < nonceLen {
		return nil, errors.New("encrypted payload shorter than nonce size")
	}
	nonce, ciphertext := sealed[:nonceLen], sealed[nonceLen:]

	now := time.Now()
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, subscriber_id, exchange_id, ciphertext, nonce, status, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'PENDING', 0, ?, ?)
		ON CONFLICT (subscriber_id, exchange_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			status = 'PENDING',
			active = 0,
			last_error = NULL,
			updated_at = excluded.updated_at`,
		id, subscriberID, exchangeID, ciphertext, nonce, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	return s.Status(ctx, subscriberID, exchangeID)
}

// Status returns the metadata row for a credential, without decrypting it.
func (s *Store) Status(ctx context.Context, subscriberID, exchangeID string) (*domain.Credential, error) {
	var (
		id, status        string
		active             bool
		lastError          sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, active, last_error, created_at, updated_at
		FROM credentials WHERE subscriber_id = ? AND exchange_id = ?`,
		subscriberID, exchangeID,
	).Scan(&id, &status, &active, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential status: %w", err)
	}

	return &domain.Credential{
		ID:           id,
		SubscriberID: subscriberID,
		ExchangeID:   exchangeID,
		Status:       domain.CredentialStatus(status),
		Active:       active,
		LastError:    lastError.String,
		CreatedAt:    time.Unix(createdAt, 0),
		UpdatedAt:    time.Unix(updatedAt, 0),
	}, nil
}

// Approve marks a pending credential active, enabling it for order placement.
func (s *Store) Approve(ctx context.Context, subscriberID, exchangeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET status = 'APPROVED', active = 1, updated_at = ?
		WHERE subscriber_id = ? AND exchange_id = ?`,
		time.Now().Unix(), subscriberID, exchangeID,
	)
	if err != nil {
		return fmt.Errorf("failed to approve credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable deactivates a credential after an unrecoverable exchange auth
// failure, recording reason so an operator can diagnose without re-deriving
// it from logs.
func (s *Store) Disable(ctx context.Context, subscriberID, exchangeID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET status = 'REJECTED', active = 0, last_error = ?, updated_at = ?
		WHERE subscriber_id = ? AND exchange_id = ?`,
		reason, time.Now().Unix(), subscriberID, exchangeID,
	)
	if err != nil {
		return fmt.Errorf("failed to disable credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.log.Warn().Str("subscriber_id", subscriberID).Str("exchange_id", exchangeID).Str("reason", reason).Msg("credential disabled")
	return nil
}

// Resolve decrypts and returns the plaintext API key/secret for an active
// credential. Implements domain.CredentialProvider.
func (s *Store) Resolve(ctx context.Context, subscriberID, exchangeID string) (*domain.PlaintextCredential, error) {
	var (
		ciphertext, nonce []byte
		active            bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, nonce, active FROM credentials
		WHERE subscriber_id = ? AND exchange_id = ?`,
		subscriberID, exchangeID,
	).Scan(&ciphertext, &nonce, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("credential for %s/%s is not active", subscriberID, exchangeID)
	}

	sealed := append(append([]byte{}, nonce...), ciphertext...)
	plain, err := Decrypt(s.masterKey, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	parts := splitOnce(string(plain), '\x00')
	if len(parts) != 2 {
		return nil, errors.New("corrupt credential payload")
	}
	return &domain.PlaintextCredential{APIKey: parts[0], APISecret: parts[1]}, nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
