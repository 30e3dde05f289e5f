package ingest

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncToken is one committed cursor. The newest row is the session's resume point.
type SyncToken struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Token            string `gorm:"column:token;size:255;not null"`
	RunID            string `gorm:"column:run_id;size:64;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncToken) TableName() string {
	return "sync_tokens"
}

// SessionTokenStore persists the cursor inside the ingestion transaction.
type SessionTokenStore struct {
	db *gorm.DB
}

// NewSessionTokenStore constructs a SessionTokenStore.
func NewSessionTokenStore(database *gorm.DB) (*SessionTokenStore, error) {
	if database == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_database", errMissingDatabase)
	}
	return &SessionTokenStore{db: database}, nil
}

// SaveToken records the cursor of a delta.
func (s *SessionTokenStore) SaveToken(transaction *gorm.DB, token string, runID string, appliedAt time.Time) error {
	return transaction.Create(&SyncToken{
		Token:            token,
		RunID:            runID,
		AppliedAtSeconds: appliedAt.UTC().Unix(),
	}).Error
}

// LatestToken returns the most recently committed cursor, or nil before the first sync.
func (s *SessionTokenStore) LatestToken(ctx context.Context) (*string, error) {
	var token SyncToken
	err := s.db.WithContext(ctx).Order("id DESC").Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opLatestToken, "select_failed", err)
	}
	return &token.Token, nil
}
