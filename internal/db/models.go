package db

import (
	"time"

	"github.com/google/uuid"
)

// StoredCredential is the persisted token pair for one vendor account. Only
// one row per account is live; it is replaced on every refresh so a restart
// does not burn an interactive login.
type StoredCredential struct {
	ID               uuid.UUID
	Account          string
	AccessToken      string
	RefreshToken     string
	IssuedAt         time.Time
	AccessExpiresIn  int
	RefreshExpiresIn int
	UpdatedAt        time.Time
}
