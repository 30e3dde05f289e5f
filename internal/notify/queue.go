package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultMaxAttempts  = 5
	columnID            = "id"
	columnAttempts      = "attempts"
	columnWatchClass    = "watch_class"
	orderIDAsc          = columnID + " ASC"
	queryIDIn           = columnID + " IN ?"
)

var (
	errMissingDatabase = errors.New("notify: database handle is required")
	noOpLogger         = zap.NewNop()
)

// Handler processes one batch inside the queue's transaction. Returning an error rolls back the batch.
type Handler func(ctx context.Context, transaction *gorm.DB, batch []Notification) (Outcome, error)

// Config describes the dependencies of a Queue.
type Config struct {
	Database     *gorm.DB
	Logger       *zap.Logger
	PollInterval time.Duration
	MaxAttempts  int
}

// Queue owns the notification table and the consumers draining it.
type Queue struct {
	db           *gorm.DB
	logger       *zap.Logger
	pollInterval time.Duration
	maxAttempts  int

	mu      sync.Mutex
	classes map[string]WatchClass
	active  map[string]bool
	signals map[string]chan struct{}
}

// NewQueue constructs a queue over the provided database.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Queue{
		db:           cfg.Database,
		logger:       logger,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		classes:      make(map[string]WatchClass),
		active:       make(map[string]bool),
		signals:      make(map[string]chan struct{}),
	}, nil
}

// Register installs (or reinstalls) the insert trigger for the watch class.
func (q *Queue) Register(ctx context.Context, class WatchClass) error {
	if err := class.validate(); err != nil {
		return err
	}
	err := q.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Exec(dropTriggerSQL(class)).Error; err != nil {
			return err
		}
		return transaction.Exec(createTriggerSQL(class)).Error
	})
	if err != nil {
		return fmt.Errorf("notify: install trigger for %s: %w", class.Name, err)
	}

	q.mu.Lock()
	q.classes[class.Name] = class
	if _, ok := q.signals[class.Name]; !ok {
		q.signals[class.Name] = make(chan struct{}, 1)
	}
	q.mu.Unlock()

	q.logger.Info("notification watch class registered",
		zap.String("watch_class", class.Name),
		zap.Strings("event_types", class.EventTypes))
	return nil
}

// Signal wakes every consumer. Multiple signals before a consumer runs coalesce into one.
func (q *Queue) Signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, signal := range q.signals {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

// PollAll returns the pending notifications of a class in insertion order.
func (q *Queue) PollAll(ctx context.Context, className string) ([]Notification, error) {
	return pollAll(q.db.WithContext(ctx), className)
}

// Acknowledge deletes the given notifications in one statement.
func (q *Queue) Acknowledge(ctx context.Context, ids []int64) error {
	return acknowledge(q.db.WithContext(ctx), ids)
}

// Process polls the class, hands the batch to the handler and acknowledges it, all in one transaction.
// It returns the number of acknowledged notifications.
func (q *Queue) Process(ctx context.Context, className string, handler Handler) (int, error) {
	if _, err := q.class(className); err != nil {
		return 0, err
	}
	acknowledged := 0
	err := q.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		batch, err := pollAll(transaction, className)
		if err != nil {
			return fmt.Errorf("notify: poll %s: %w", className, err)
		}
		if len(batch) == 0 {
			return nil
		}

		outcome, err := handler(ctx, transaction, batch)
		if err != nil {
			return fmt.Errorf("notify: handle %s batch: %w", className, err)
		}

		ack, retry := q.partition(className, batch, outcome)
		if err := acknowledge(transaction, ack); err != nil {
			return fmt.Errorf("notify: acknowledge %s: %w", className, err)
		}
		if len(retry) > 0 {
			if err := transaction.Model(&Notification{}).
				Where(queryIDIn, retry).
				UpdateColumn(columnAttempts, gorm.Expr(columnAttempts+" + 1")).Error; err != nil {
				return fmt.Errorf("notify: defer %s: %w", className, err)
			}
		}
		acknowledged = len(ack)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return acknowledged, nil
}

// Consume drains the class until the context ends. Only one consumer per class may run at a time.
func (q *Queue) Consume(ctx context.Context, className string, handler Handler) error {
	if _, err := q.class(className); err != nil {
		return err
	}

	q.mu.Lock()
	if q.active[className] {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConsumerActive, className)
	}
	q.active[className] = true
	signal := q.signals[className]
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.active, className)
		q.mu.Unlock()
	}()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	logger := q.logger.With(zap.String("watch_class", className))
	logger.Info("notification consumer started")
	for {
		acknowledged, err := q.Process(ctx, className, handler)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			logger.Error("notification batch failed", zap.Error(err))
		case acknowledged > 0:
			logger.Debug("notification batch acknowledged", zap.Int("count", acknowledged))
		}

		select {
		case <-ctx.Done():
			logger.Info("notification consumer stopped")
			return nil
		case <-signal:
		case <-ticker.C:
		}
	}
}

func (q *Queue) class(className string) (WatchClass, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	class, ok := q.classes[className]
	if !ok {
		return WatchClass{}, fmt.Errorf("%w: %s", ErrUnknownWatchClass, className)
	}
	return class, nil
}

func (q *Queue) partition(className string, batch []Notification, outcome Outcome) ([]int64, []int64) {
	deferred := make(map[int64]struct{}, len(outcome.Deferred))
	for _, id := range outcome.Deferred {
		deferred[id] = struct{}{}
	}
	ack := make([]int64, 0, len(batch))
	var retry []int64
	for _, notification := range batch {
		if _, ok := deferred[notification.ID]; !ok {
			ack = append(ack, notification.ID)
			continue
		}
		if notification.Attempts+1 >= q.maxAttempts {
			q.logger.Warn("notification dropped after exhausting attempts",
				zap.String("watch_class", className),
				zap.String("event_id", notification.EventID),
				zap.String("room_id", notification.RoomID),
				zap.Int("attempts", notification.Attempts+1))
			ack = append(ack, notification.ID)
			continue
		}
		retry = append(retry, notification.ID)
	}
	return ack, retry
}

func pollAll(database *gorm.DB, className string) ([]Notification, error) {
	var batch []Notification
	err := database.
		Where(columnWatchClass+" = ?", className).
		Order(orderIDAsc).
		Find(&batch).Error
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func acknowledge(database *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return database.Where(queryIDIn, ids).Delete(&Notification{}).Error
}
