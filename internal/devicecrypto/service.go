// Package devicecrypto keeps the device-level key ledger fed by to-device messages.
// It tracks which encrypted sessions have key material; it performs no cryptography.
package devicecrypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Strategy describes how the crypto subsystem was started.
type Strategy string

// Start strategies.
const (
	StrategyInitial     Strategy = "initial"
	StrategyIncremental Strategy = "incremental"
)

var (
	errMissingDatabase = errors.New("devicecrypto: database handle is required")
	// ErrNotStarted indicates that to-device traffic arrived before Start.
	ErrNotStarted = errors.New("devicecrypto: service not started")
)

// ToDeviceEvent is a persisted device-addressed message.
type ToDeviceEvent struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Type              string `gorm:"column:type;size:255;not null"`
	Sender            string `gorm:"column:sender;size:255;not null;default:''"`
	ContentJSON       string `gorm:"column:content_json;type:text;not null;default:'{}'"`
	Fingerprint       string `gorm:"column:fingerprint;size:64;not null;uniqueIndex"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null;default:0"`
	Processed         bool   `gorm:"column:processed;not null;default:false;index"`
}

// TableName provides the explicit table binding for GORM.
func (ToDeviceEvent) TableName() string {
	return "to_device_events"
}

// InboundRoomKey records that key material for an encrypted room session was received.
type InboundRoomKey struct {
	RoomID            string `gorm:"column:room_id;primaryKey;size:255;not null"`
	SessionID         string `gorm:"column:session_id;primaryKey;size:255;not null"`
	SenderKey         string `gorm:"column:sender_key;size:255;not null;default:''"`
	Algorithm         string `gorm:"column:algorithm;size:128;not null;default:''"`
	Forwarded         bool   `gorm:"column:forwarded;not null;default:false"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (InboundRoomKey) TableName() string {
	return "inbound_room_keys"
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the crypto collaborator of the ingestion orchestrator.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	started  bool
	strategy Strategy
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// IsStarted reports whether Start completed.
func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Strategy returns the strategy of the last successful start.
func (s *Service) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// Start brings the ledger online. An initial sync starts from an empty device state.
func (s *Service) Start(ctx context.Context, isInitialSync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	strategy := StrategyIncremental
	if isInitialSync {
		strategy = StrategyInitial
	}
	if err := s.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		return fmt.Errorf("devicecrypto: start: %w", err)
	}
	s.started = true
	s.strategy = strategy
	s.logger.Info("crypto service started", zap.String("strategy", string(strategy)))
	return nil
}

// HandleToDevice persists every to-device message and indexes room keys.
func (s *Service) HandleToDevice(ctx context.Context, toDevice *syncapi.ToDevice) error {
	if toDevice == nil || len(toDevice.Events) == 0 {
		return nil
	}
	if !s.IsStarted() {
		return ErrNotStarted
	}
	receivedAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, message := range toDevice.Events {
			contentJSON, err := events.EncodeObject(message.Content)
			if err != nil {
				return fmt.Errorf("encode %s content: %w", message.Type, err)
			}
			row := ToDeviceEvent{
				Type:              message.Type,
				Sender:            message.Sender,
				ContentJSON:       contentJSON,
				Fingerprint:       messageFingerprint(message.Type, message.Sender, contentJSON),
				ReceivedAtSeconds: receivedAt,
			}
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("store to-device %s: %w", message.Type, err)
			}
			if err := s.indexRoomKey(transaction, message, receivedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("devicecrypto: handle to-device: %w", err)
	}
	s.logger.Debug("to-device messages stored", zap.Int("count", len(toDevice.Events)))
	return nil
}

// messageFingerprint identifies a to-device message by its sender and canonical content.
func messageFingerprint(eventType string, sender string, contentJSON string) string {
	digest := sha256.Sum256([]byte(eventType + "\x00" + sender + "\x00" + contentJSON))
	return hex.EncodeToString(digest[:])
}

func (s *Service) indexRoomKey(transaction *gorm.DB, message syncapi.Event, receivedAt int64) error {
	if message.Type != events.TypeRoomKey && message.Type != events.TypeForwardedRoomKey {
		return nil
	}
	roomID, _ := message.Content["room_id"].(string)
	sessionID, _ := message.Content["session_id"].(string)
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(sessionID) == "" {
		s.logger.Warn("room key without room or session skipped", zap.String("sender", message.Sender))
		return nil
	}
	algorithm, _ := message.Content["algorithm"].(string)
	senderKey, _ := message.Content["sender_key"].(string)
	key := InboundRoomKey{
		RoomID:            roomID,
		SessionID:         sessionID,
		SenderKey:         senderKey,
		Algorithm:         algorithm,
		Forwarded:         message.Type == events.TypeForwardedRoomKey,
		ReceivedAtSeconds: receivedAt,
	}
	err := transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sender_key", "algorithm", "forwarded", "received_at_s"}),
	}).Create(&key).Error
	if err != nil {
		return fmt.Errorf("index room key %s/%s: %w", roomID, sessionID, err)
	}
	return nil
}

// HasInboundSession reports whether key material for the session was received.
func (s *Service) HasInboundSession(transaction *gorm.DB, roomID string, sessionID string) (bool, error) {
	var count int64
	err := transaction.Model(&InboundRoomKey{}).
		Where("room_id = ? AND session_id = ?", roomID, sessionID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// OnSyncCompleted marks the buffered to-device messages as processed.
func (s *Service) OnSyncCompleted(ctx context.Context, response *syncapi.Response) error {
	result := s.db.WithContext(ctx).Model(&ToDeviceEvent{}).
		Where("processed = ?", false).
		Update("processed", true)
	if result.Error != nil {
		return fmt.Errorf("devicecrypto: complete sync: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		fields := []zap.Field{zap.Int64("flushed", result.RowsAffected)}
		if response != nil {
			fields = append(fields, zap.String("next_batch", response.NextBatch))
		}
		s.logger.Debug("to-device messages flushed", fields...)
	}
	return nil
}
