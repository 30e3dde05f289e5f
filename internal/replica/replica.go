// Package replica assembles the ingestion engine and its notification consumers over one database.
package replica

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/accountdata"
	"github.com/MarcoPoloResearchLab/roomsync/internal/devicecrypto"
	"github.com/MarcoPoloResearchLab/roomsync/internal/groups"
	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"github.com/MarcoPoloResearchLab/roomsync/internal/notify"
	"github.com/MarcoPoloResearchLab/roomsync/internal/pushrules"
	"github.com/MarcoPoloResearchLab/roomsync/internal/redaction"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/timeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("replica: database handle is required")

// Config describes the session served by a Replica.
type Config struct {
	Database      *gorm.DB
	SessionUserID string
	PollInterval  time.Duration
	MaxAttempts   int
	Publisher     pushrules.Publisher
	DirectRooms   accountdata.DirectRoomsUpdater
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Replica bundles the write path, its consumers and the read side.
type Replica struct {
	Orchestrator *ingest.Orchestrator
	Queue        *notify.Queue
	Tokens       *ingest.SessionTokenStore
	Summaries    *rooms.SummaryReader
	Timeline     *timeline.Reader
	Crypto       *devicecrypto.Service

	resolver *redaction.Resolver
	observer *rooms.TombstoneObserver
	logger   *zap.Logger
}

// New wires every component and installs the notification triggers.
func New(ctx context.Context, cfg Config) (*Replica, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	queue, err := notify.NewQueue(notify.Config{
		Database:     cfg.Database,
		Logger:       logger.Named("notify"),
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	for _, class := range []notify.WatchClass{redaction.WatchClass(), rooms.WatchClass()} {
		if err := queue.Register(ctx, class); err != nil {
			return nil, err
		}
	}

	crypto, err := devicecrypto.NewService(devicecrypto.ServiceConfig{Database: cfg.Database, Clock: clock, Logger: logger.Named("crypto")})
	if err != nil {
		return nil, err
	}
	roomHandler, err := rooms.NewSyncHandler(rooms.SyncHandlerConfig{
		SessionUserID: cfg.SessionUserID,
		Keys:          crypto,
		Clock:         clock,
		Logger:        logger.Named("rooms"),
	})
	if err != nil {
		return nil, err
	}
	accountHandler, err := accountdata.NewHandler(accountdata.HandlerConfig{
		Database:      cfg.Database,
		SessionUserID: cfg.SessionUserID,
		Updater:       cfg.DirectRooms,
		Clock:         clock,
		Logger:        logger.Named("accountdata"),
	})
	if err != nil {
		return nil, err
	}
	pushRules, err := pushrules.NewService(cfg.Database)
	if err != nil {
		return nil, err
	}
	tokens, err := ingest.NewSessionTokenStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	orchestrator, err := ingest.NewOrchestrator(ingest.OrchestratorConfig{
		Database:    cfg.Database,
		Crypto:      crypto,
		CryptoSync:  crypto,
		Rooms:       roomHandler,
		AccountData: accountHandler,
		Groups:      groups.NewHandler(clock, logger.Named("groups")),
		PushRules:   pushRules,
		PushTask:    pushrules.NewProcessEventTask(cfg.SessionUserID, cfg.Publisher, clock, logger.Named("pushrules")),
		Tokens:      tokens,
		Signaler:    queue,
		Progress:    ingest.NewLogProgressReporter(logger.Named("progress")),
		Clock:       clock,
		Logger:      logger.Named("ingest"),
	})
	if err != nil {
		return nil, err
	}

	return &Replica{
		Orchestrator: orchestrator,
		Queue:        queue,
		Tokens:       tokens,
		Summaries:    rooms.NewSummaryReader(cfg.Database),
		Timeline:     timeline.NewReader(cfg.Database),
		Crypto:       crypto,
		resolver:     redaction.NewResolver(redaction.ResolverConfig{Logger: logger.Named("redaction")}),
		observer:     rooms.NewTombstoneObserver(logger.Named("tombstone")),
		logger:       logger,
	}, nil
}

// RunConsumers drains both watch classes until ctx ends or a consumer fails.
func (r *Replica) RunConsumers(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.Queue.Consume(groupCtx, redaction.WatchClassName, r.resolver.ProcessRedactionNotifications)
	})
	group.Go(func() error {
		return r.Queue.Consume(groupCtx, rooms.WatchClassName, r.observer.HandleTombstoneNotifications)
	})
	return group.Wait()
}

// DrainOnce processes whatever is pending for both classes. It returns the number of acknowledged notifications.
func (r *Replica) DrainOnce(ctx context.Context) (int, error) {
	redactions, err := r.Queue.Process(ctx, redaction.WatchClassName, r.resolver.ProcessRedactionNotifications)
	if err != nil {
		return 0, err
	}
	tombstones, err := r.Queue.Process(ctx, rooms.WatchClassName, r.observer.HandleTombstoneNotifications)
	if err != nil {
		return redactions, err
	}
	return redactions + tombstones, nil
}
