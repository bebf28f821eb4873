package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/cbabil/fleetline/server/internal/router"
	"github.com/cbabil/fleetline/server/internal/sshfallback"
)

// ServerStore is the GORM-backed implementation of router.ServerStore.
// Credentials are stored encrypted at rest under the EncryptedString column
// type; the caller must have run InitEncryption before using it.
type ServerStore struct {
	db *gorm.DB
}

// NewServerStore wraps db as a router.ServerStore.
func NewServerStore(db *gorm.DB) *ServerStore {
	return &ServerStore{db: db}
}

// Register inserts or replaces the direct-shell connection info for
// serverID. plainCredential is the raw password or PEM private key; GORM
// encrypts it via EncryptedString.Value before it is persisted.
func (s *ServerStore) Register(ctx context.Context, serverID, host string, port int, user string, authType sshfallback.AuthType, plainCredential string) error {
	encrypted := EncryptedString(plainCredential)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Server
		err := tx.First(&existing, "server_id = ?", serverID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec := Server{
				ServerID:             serverID,
				Host:                 host,
				Port:                 port,
				User:                 user,
				AuthType:             string(authType),
				EncryptedCredentials: encrypted,
			}
			if createErr := tx.Create(&rec).Error; createErr != nil {
				return fmt.Errorf("store: create server: %w", createErr)
			}
			return nil
		case err != nil:
			return fmt.Errorf("store: lookup server for register: %w", err)
		}

		existing.Host = host
		existing.Port = port
		existing.User = user
		existing.AuthType = string(authType)
		existing.EncryptedCredentials = encrypted
		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return fmt.Errorf("store: update server: %w", saveErr)
		}
		return nil
	})
}

// GetServer implements router.ServerStore.
func (s *ServerStore) GetServer(ctx context.Context, serverID string) (*router.ServerConn, error) {
	var rec Server
	err := s.db.WithContext(ctx).First(&rec, "server_id = ?", serverID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, router.ErrServerNotFound
		}
		return nil, fmt.Errorf("store: get server: %w", err)
	}
	return &router.ServerConn{Host: rec.Host, Port: rec.Port, User: rec.User}, nil
}

// GetCredentials implements router.ServerStore.
func (s *ServerStore) GetCredentials(ctx context.Context, serverID string) (*sshfallback.Credentials, sshfallback.AuthType, error) {
	var rec Server
	err := s.db.WithContext(ctx).First(&rec, "server_id = ?", serverID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", router.ErrServerNotFound
		}
		return nil, "", fmt.Errorf("store: get server credentials: %w", err)
	}

	plain := string(rec.EncryptedCredentials)

	authType := sshfallback.AuthType(rec.AuthType)
	creds := &sshfallback.Credentials{}
	switch authType {
	case sshfallback.AuthKey:
		creds.PrivateKey = plain
	default:
		creds.Password = plain
	}
	return creds, authType, nil
}
