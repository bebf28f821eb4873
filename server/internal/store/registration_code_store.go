package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cbabil/fleetline/server/internal/lifecycle"
)

// RegistrationCodeStore is the GORM-backed implementation of
// lifecycle.RegistrationCodeStore.
type RegistrationCodeStore struct {
	db *gorm.DB
}

// NewRegistrationCodeStore wraps db as a lifecycle.RegistrationCodeStore.
func NewRegistrationCodeStore(db *gorm.DB) *RegistrationCodeStore {
	return &RegistrationCodeStore{db: db}
}

// Issue mints a new registration code for serverID, valid for ttl. Used by
// the server's issue-code CLI subcommand, not by the agent handshake path.
func (s *RegistrationCodeStore) Issue(ctx context.Context, serverID string, ttl time.Duration) (string, error) {
	code, err := lifecycle.GenerateRegistrationCode()
	if err != nil {
		return "", fmt.Errorf("store: generate registration code: %w", err)
	}

	rc := RegistrationCode{
		Code:      code,
		ServerID:  serverID,
		ExpiresAt: time.Now().UTC().Add(ttl),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rc).Error; err != nil {
		return "", fmt.Errorf("store: create registration code: %w", err)
	}
	return code, nil
}

// Consume implements lifecycle.RegistrationCodeStore: it atomically marks
// code used and returns the server it was issued for, or a sentinel error
// if the code is unknown, expired, or already consumed.
func (s *RegistrationCodeStore) Consume(ctx context.Context, code string) (*lifecycle.ConsumedCode, error) {
	var result *lifecycle.ConsumedCode

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rc RegistrationCode
		if err := tx.First(&rc, "code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrCodeNotFound
			}
			return fmt.Errorf("store: lookup registration code: %w", err)
		}

		if rc.ConsumedAt != nil {
			return lifecycle.ErrCodeConsumed
		}
		if time.Now().UTC().After(rc.ExpiresAt) {
			return lifecycle.ErrCodeExpired
		}

		now := time.Now().UTC()
		if err := tx.Model(&rc).Update("consumed_at", now).Error; err != nil {
			return fmt.Errorf("store: mark registration code consumed: %w", err)
		}

		result = &lifecycle.ConsumedCode{AgentIDSeed: rc.Code, ServerID: rc.ServerID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
