// Package ingest applies remote sync deltas to the local replica as single atomic units.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/pushrules"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// CryptoService starts the crypto subsystem.
type CryptoService interface {
	IsStarted() bool
	Start(ctx context.Context, isInitialSync bool) error
}

// CryptoSyncHandler consumes the crypto relevant parts of a delta.
type CryptoSyncHandler interface {
	HandleToDevice(ctx context.Context, toDevice *syncapi.ToDevice) error
	OnSyncCompleted(ctx context.Context, response *syncapi.Response) error
}

// RoomSyncHandler writes the rooms section inside the ingestion transaction.
type RoomSyncHandler interface {
	Handle(ctx context.Context, transaction *gorm.DB, rooms *syncapi.Rooms, isInitialSync bool) error
}

// AccountDataSyncHandler writes global account data and reconciles invites.
type AccountDataSyncHandler interface {
	Handle(ctx context.Context, transaction *gorm.DB, accountData *syncapi.AccountData) error
	SynchronizeWithServerIfNeeded(ctx context.Context, invites map[string]syncapi.InvitedRoom) error
}

// GroupSyncHandler writes the groups section inside the ingestion transaction.
type GroupSyncHandler interface {
	Handle(ctx context.Context, transaction *gorm.DB, groups *syncapi.Groups) error
}

// PushRuleService loads the rules evaluated after commit.
type PushRuleService interface {
	GetPushRules(ctx context.Context, scope pushrules.Scope) (pushrules.RuleSet, error)
}

// PushTask evaluates push rules against a delta's rooms.
type PushTask interface {
	Schedule(ctx context.Context, rooms *syncapi.Rooms, rules pushrules.RuleSet) (int, error)
}

// TokenStore persists the cursor within the ingestion transaction and reads the committed one.
type TokenStore interface {
	SaveToken(transaction *gorm.DB, token string, runID string, appliedAt time.Time) error
	LatestToken(ctx context.Context) (*string, error)
}

// Signaler wakes the notification consumers after commit.
type Signaler interface {
	Signal()
}

// OrchestratorConfig describes the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Database    *gorm.DB
	Crypto      CryptoService
	CryptoSync  CryptoSyncHandler
	Rooms       RoomSyncHandler
	AccountData AccountDataSyncHandler
	Groups      GroupSyncHandler
	PushRules   PushRuleService
	PushTask    PushTask
	Tokens      TokenStore
	Signaler    Signaler
	Progress    ProgressReporter
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Orchestrator applies deltas one at a time.
type Orchestrator struct {
	db          *gorm.DB
	crypto      CryptoService
	cryptoSync  CryptoSyncHandler
	rooms       RoomSyncHandler
	accountData AccountDataSyncHandler
	groups      GroupSyncHandler
	pushRules   PushRuleService
	pushTask    PushTask
	tokens      TokenStore
	signaler    Signaler
	progress    ProgressReporter
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger

	mu sync.Mutex
}

// NewOrchestrator validates the collaborators and constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_database", errMissingDatabase)
	}
	required := []struct {
		name    string
		present bool
	}{
		{name: "crypto", present: cfg.Crypto != nil},
		{name: "crypto_sync", present: cfg.CryptoSync != nil},
		{name: "rooms", present: cfg.Rooms != nil},
		{name: "account_data", present: cfg.AccountData != nil},
		{name: "groups", present: cfg.Groups != nil},
		{name: "tokens", present: cfg.Tokens != nil},
	}
	for _, collaborator := range required {
		if !collaborator.present {
			return nil, newServiceError(opOrchestratorNew, "missing_"+collaborator.name, errMissingCollaborator)
		}
	}
	progress := cfg.Progress
	if progress == nil {
		progress = nopProgressReporter{}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		db:          cfg.Database,
		crypto:      cfg.Crypto,
		cryptoSync:  cfg.CryptoSync,
		rooms:       cfg.Rooms,
		accountData: cfg.AccountData,
		groups:      cfg.Groups,
		pushRules:   cfg.PushRules,
		pushTask:    cfg.PushTask,
		tokens:      cfg.Tokens,
		signaler:    cfg.Signaler,
		progress:    progress,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
	}, nil
}

// ApplyNext ingests one delta on top of the committed cursor. The cursor is read under the
// same lock that applies the delta, so overlapping callers observe each other's commits.
// It reports whether the delta was applied as the initial sync.
func (o *Orchestrator) ApplyNext(ctx context.Context, response *syncapi.Response) (bool, error) {
	if err := validateDelta(response); err != nil {
		return false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	previousCursor, err := o.tokens.LatestToken(ctx)
	if err != nil {
		o.logError(opApplyDelta, "cursor_unavailable", err)
		return false, newServiceError(opApplyDelta, "cursor_unavailable", err)
	}
	return previousCursor == nil, o.applyLocked(ctx, response, previousCursor)
}

// ApplyDelta ingests one delta. A nil previousCursor marks the initial sync.
// Everything derived from the delta commits together with its cursor, or nothing does.
func (o *Orchestrator) ApplyDelta(ctx context.Context, response *syncapi.Response, previousCursor *string) error {
	if err := validateDelta(response); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.applyLocked(ctx, response, previousCursor)
}

func validateDelta(response *syncapi.Response) error {
	if response == nil {
		return newServiceError(opApplyDelta, "missing_payload", errMissingPayload)
	}
	if strings.TrimSpace(response.NextBatch) == "" {
		return newServiceError(opApplyDelta, "missing_next_batch", errMissingNextBatch)
	}
	return nil
}

func (o *Orchestrator) applyLocked(ctx context.Context, response *syncapi.Response, previousCursor *string) error {
	if err := ctx.Err(); err != nil {
		return newServiceError(opApplyDelta, "canceled", err)
	}
	runID, err := o.idProvider.NewID()
	if err != nil {
		o.logError(opApplyDelta, "run_id_failed", err)
		return newServiceError(opApplyDelta, "run_id_failed", err)
	}
	isInitialSync := previousCursor == nil
	logger := o.logger.With(
		zap.String("run_id", runID),
		zap.Bool("initial_sync", isInitialSync),
		zap.String("next_batch", response.NextBatch))
	started := o.clock()
	logger.Debug("applying sync delta")

	if err := o.phase(isInitialSync, PhaseCrypto, logger, func() error {
		return o.prepareCrypto(ctx, response, isInitialSync)
	}); err != nil {
		o.logError(opApplyDelta, "crypto_failed", err, zap.String("run_id", runID))
		return newServiceError(opApplyDelta, "crypto_failed", err)
	}

	txErr := o.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := o.phase(isInitialSync, PhaseRooms, logger, func() error {
			return o.rooms.Handle(ctx, transaction, response.Rooms, isInitialSync)
		}); err != nil {
			return newServiceError(opApplyDelta, "rooms_failed", err)
		}
		if err := ctx.Err(); err != nil {
			return newServiceError(opApplyDelta, "canceled", err)
		}
		if err := o.phase(isInitialSync, PhaseAccountData, logger, func() error {
			return o.accountData.Handle(ctx, transaction, response.AccountData)
		}); err != nil {
			return newServiceError(opApplyDelta, "account_data_failed", err)
		}
		if err := ctx.Err(); err != nil {
			return newServiceError(opApplyDelta, "canceled", err)
		}
		if err := o.phase(isInitialSync, PhaseGroups, logger, func() error {
			return o.groups.Handle(ctx, transaction, response.Groups)
		}); err != nil {
			return newServiceError(opApplyDelta, "groups_failed", err)
		}
		if err := ctx.Err(); err != nil {
			return newServiceError(opApplyDelta, "canceled", err)
		}
		if err := o.tokens.SaveToken(transaction, response.NextBatch, runID, o.clock()); err != nil {
			return newServiceError(opApplyDelta, "token_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		o.logError(opApplyDelta, "transaction_failed", txErr, zap.String("run_id", runID))
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return txErr
		}
		return newServiceError(opApplyDelta, "transaction_failed", txErr)
	}

	o.afterCommit(context.WithoutCancel(ctx), response, isInitialSync, logger)
	logger.Info("sync delta applied", zap.Duration("duration", o.clock().Sub(started)))
	return nil
}

func (o *Orchestrator) prepareCrypto(ctx context.Context, response *syncapi.Response, isInitialSync bool) error {
	if !o.crypto.IsStarted() {
		if err := o.crypto.Start(ctx, isInitialSync); err != nil {
			return err
		}
	}
	if response.HasToDevice() {
		return o.cryptoSync.HandleToDevice(ctx, response.ToDevice)
	}
	return nil
}

// afterCommit runs the side effects that follow a committed delta. Failures are logged only.
func (o *Orchestrator) afterCommit(ctx context.Context, response *syncapi.Response, isInitialSync bool, logger *zap.Logger) {
	if !isInitialSync && o.pushRules != nil && o.pushTask != nil {
		rules, err := o.pushRules.GetPushRules(ctx, pushrules.ScopeGlobal)
		if err != nil {
			logger.Warn("push rules unavailable", zap.Error(err))
		} else if _, err := o.pushTask.Schedule(ctx, response.Rooms, rules); err != nil {
			logger.Warn("push rule evaluation failed", zap.Error(err))
		}
	}

	var invites map[string]syncapi.InvitedRoom
	if response.Rooms != nil {
		invites = response.Rooms.Invite
	}
	if err := o.accountData.SynchronizeWithServerIfNeeded(ctx, invites); err != nil {
		logger.Warn("direct room reconciliation failed", zap.Error(err))
	}
	if err := o.cryptoSync.OnSyncCompleted(ctx, response); err != nil {
		logger.Warn("crypto sync completion failed", zap.Error(err))
	}
	if o.signaler != nil {
		o.signaler.Signal()
	}
}

// phase runs fn and records its duration. During the initial sync it also reports weighted progress.
func (o *Orchestrator) phase(isInitialSync bool, name string, logger *zap.Logger, fn func() error) error {
	if isInitialSync {
		o.progress.StartPhase(name, phaseWeights[name])
	}
	started := o.clock()
	err := fn()
	logger.Debug("sync phase finished",
		zap.String("phase", name),
		zap.Duration("duration", o.clock().Sub(started)),
		zap.Bool("failed", err != nil))
	if err == nil && isInitialSync {
		o.progress.EndPhase(name)
	}
	return err
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("sync ingestion error", attrs...)
}
