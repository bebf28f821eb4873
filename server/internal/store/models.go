package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base carries the common fields of every table in this package: a
// time-ordered UUIDv7 primary key plus standard timestamps, mirroring the
// teacher's persistence layer.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUIDv7 if the record was constructed without one.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Agent is the persisted counterpart of lifecycle.AgentRecord. AgentID is
// the UUID minted at registration time and is also used as the session
// registry key; ServerID names the logical server this agent runs on.
type Agent struct {
	base
	AgentID        string `gorm:"uniqueIndex;not null"`
	ServerID       string `gorm:"uniqueIndex;not null"`
	EncryptedToken string `gorm:"type:text;not null"`
	TokenHash      string `gorm:"uniqueIndex;not null"`
	Status         string `gorm:"not null;default:'PENDING'"`
	Version        string `gorm:"default:''"`
	LastSeenAt     *time.Time
}

// RegistrationCode is a single-use code minted by an operator (or the CLI)
// and exchanged by an agent during the register handshake. Code is the
// primary key since lookups are always by the code itself.
type RegistrationCode struct {
	Code       string `gorm:"primaryKey"`
	ServerID   string `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null"`
	ConsumedAt *time.Time
	CreatedAt  time.Time `gorm:"not null"`
}

// Server is a direct-shell target the router's SSH fallback can dial.
// Credentials are encrypted at rest via the EncryptedString column type,
// distinct from the tokencrypto.Encryptor used for agent auth tokens.
type Server struct {
	base
	ServerID             string          `gorm:"uniqueIndex;not null"`
	Host                 string          `gorm:"not null"`
	Port                 int             `gorm:"not null;default:22"`
	User                 string          `gorm:"not null"`
	AuthType             string          `gorm:"not null;default:'password'"` // "password" or "key"
	EncryptedCredentials EncryptedString `gorm:"type:text;not null"`          // password or PEM key, encrypted
}
