package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cbabil/fleetline/server/internal/lifecycle"
)

// AgentStore is the GORM-backed implementation of lifecycle.AgentStore and
// router.AgentLookup. Both interfaces resolve through the same agents
// table, so one type satisfies both rather than duplicating the query.
type AgentStore struct {
	db *gorm.DB
}

// NewAgentStore wraps db as a lifecycle.AgentStore / router.AgentLookup.
func NewAgentStore(db *gorm.DB) *AgentStore {
	return &AgentStore{db: db}
}

func toRecord(a *Agent) *lifecycle.AgentRecord {
	rec := &lifecycle.AgentRecord{
		AgentID:        a.AgentID,
		ServerID:       a.ServerID,
		EncryptedToken: a.EncryptedToken,
		TokenHash:      a.TokenHash,
		Status:         a.Status,
		Version:        a.Version,
	}
	if a.LastSeenAt != nil {
		rec.LastSeenAt = *a.LastSeenAt
	}
	return rec
}

// GetAgentByServer implements lifecycle.AgentStore.
func (s *AgentStore) GetAgentByServer(ctx context.Context, serverID string) (*lifecycle.AgentRecord, error) {
	var a Agent
	err := s.db.WithContext(ctx).First(&a, "server_id = ?", serverID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrAgentNotFound
		}
		return nil, fmt.Errorf("store: get agent by server: %w", err)
	}
	return toRecord(&a), nil
}

// GetAgentByTokenHash implements lifecycle.AgentStore.
func (s *AgentStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*lifecycle.AgentRecord, error) {
	var a Agent
	err := s.db.WithContext(ctx).First(&a, "token_hash = ?", tokenHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrAgentNotFound
		}
		return nil, fmt.Errorf("store: get agent by token hash: %w", err)
	}
	return toRecord(&a), nil
}

// UpsertAgent implements lifecycle.AgentStore. A registration handshake for
// a server_id that already has a row replaces its token and status rather
// than creating a duplicate, so a re-registered agent keeps one row.
func (s *AgentStore) UpsertAgent(ctx context.Context, rec *lifecycle.AgentRecord) error {
	lastSeen := rec.LastSeenAt
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Agent
		err := tx.First(&existing, "server_id = ?", rec.ServerID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			a := Agent{
				AgentID:        rec.AgentID,
				ServerID:       rec.ServerID,
				EncryptedToken: rec.EncryptedToken,
				TokenHash:      rec.TokenHash,
				Status:         rec.Status,
				Version:        rec.Version,
				LastSeenAt:     &lastSeen,
			}
			if createErr := tx.Create(&a).Error; createErr != nil {
				return fmt.Errorf("store: create agent: %w", createErr)
			}
			return nil
		case err != nil:
			return fmt.Errorf("store: lookup agent for upsert: %w", err)
		}

		existing.AgentID = rec.AgentID
		existing.EncryptedToken = rec.EncryptedToken
		existing.TokenHash = rec.TokenHash
		existing.Status = rec.Status
		existing.Version = rec.Version
		existing.LastSeenAt = &lastSeen
		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return fmt.Errorf("store: update agent on upsert: %w", saveErr)
		}
		return nil
	})
}

// UpdateAgentStatus implements lifecycle.AgentStore. metadata is accepted
// for interface compatibility; this release has no column to persist it
// into and only the status/last_seen_at transition is recorded.
func (s *AgentStore) UpdateAgentStatus(ctx context.Context, agentID, status string, metadata map[string]any) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{"status": status, "last_seen_at": now})
	if result.Error != nil {
		return fmt.Errorf("store: update agent status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return lifecycle.ErrAgentNotFound
	}
	return nil
}

// ResetStaleStatuses implements lifecycle.AgentStore: demotes every agent
// left CONNECTED from a previous process to DISCONNECTED, since no live
// session can exist yet at startup.
func (s *AgentStore) ResetStaleStatuses(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Model(&Agent{}).
		Where("status = ?", lifecycle.StatusConnected).
		Update("status", lifecycle.StatusDisconnected).Error
}

// AgentForServer implements router.AgentLookup. "Installed" means a row
// exists for serverID at all — whether it currently has a live session is
// answered separately by the session registry.
func (s *AgentStore) AgentForServer(ctx context.Context, serverID string) (agentID string, installed bool, err error) {
	var a Agent
	err = s.db.WithContext(ctx).Select("agent_id").First(&a, "server_id = ?", serverID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: agent for server: %w", err)
	}
	return a.AgentID, true, nil
}
