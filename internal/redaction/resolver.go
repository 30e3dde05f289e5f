// Package redaction prunes already stored events when a redaction targeting them is inserted.
package redaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WatchClassName is the notification class consumed by the resolver.
const WatchClassName = "redaction"

// WatchClass returns the notification class covering redaction inserts.
func WatchClass() notify.WatchClass {
	return notify.WatchClass{Name: WatchClassName, EventTypes: []string{events.TypeRedaction}}
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Logger *zap.Logger
}

// Resolver applies redactions to their targets.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// ProcessRedactionNotifications prunes the target of every notified redaction inside the batch transaction.
// A redaction row that is not materialized yet is deferred; malformed redactions and unknown targets are skipped.
func (r *Resolver) ProcessRedactionNotifications(ctx context.Context, transaction *gorm.DB, batch []notify.Notification) (notify.Outcome, error) {
	var outcome notify.Outcome
	for _, notification := range batch {
		if err := ctx.Err(); err != nil {
			return notify.Outcome{}, err
		}
		ready, err := r.pruneEvent(transaction, notification)
		if err != nil {
			return notify.Outcome{}, err
		}
		if !ready {
			outcome.Defer(notification)
		}
	}
	return outcome, nil
}

func (r *Resolver) pruneEvent(transaction *gorm.DB, notification notify.Notification) (bool, error) {
	redactionEvent, err := events.Find(transaction, notification.EventID)
	if err != nil {
		return false, fmt.Errorf("redaction: load %s: %w", notification.EventID, err)
	}
	if redactionEvent == nil {
		r.logger.Debug("redaction event not materialized yet", zap.String("event_id", notification.EventID))
		return false, nil
	}
	redacts := strings.TrimSpace(redactionEvent.Redacts)
	if redacts == "" {
		r.logger.Warn("redaction without target skipped", zap.String("event_id", redactionEvent.EventID))
		return true, nil
	}

	r.logger.Debug("redact event",
		zap.String("redacts", redacts),
		zap.Bool("local_echo", events.EventID(redactionEvent.EventID).IsLocalEcho()))

	target, err := events.Find(transaction, redacts)
	if err != nil {
		return false, fmt.Errorf("redaction: load target %s: %w", redacts, err)
	}
	if target == nil {
		r.logger.Debug("redaction target unknown locally", zap.String("redacts", redacts))
		return true, nil
	}

	policy := PolicyFor(target.Type)
	switch policy.Kind {
	case PolicyFilterKeys:
		content, decodeErr := events.DecodeObject(target.ContentJSON)
		if decodeErr != nil {
			r.logger.Warn("redaction target content unreadable, pruning to empty",
				zap.String("event_id", target.EventID), zap.Error(decodeErr))
			content = map[string]any{}
		}
		prunedJSON, encodeErr := events.EncodeObject(policy.Filter(content))
		if encodeErr != nil {
			return false, fmt.Errorf("redaction: encode %s: %w", target.EventID, encodeErr)
		}
		if err := events.UpdateContent(transaction, target.EventID, prunedJSON); err != nil {
			return false, fmt.Errorf("redaction: update %s: %w", target.EventID, err)
		}
	case PolicyStripToEmpty:
		unsignedJSON, encodeErr := events.WithRedactedBecause(target.UnsignedJSON, *redactionEvent)
		if encodeErr != nil {
			return false, fmt.Errorf("redaction: encode unsigned %s: %w", target.EventID, encodeErr)
		}
		if err := events.Prune(transaction, target.EventID, "{}", unsignedJSON); err != nil {
			return false, fmt.Errorf("redaction: prune %s: %w", target.EventID, err)
		}
	default:
		r.logger.Debug("redaction has no effect on event type",
			zap.String("event_id", target.EventID),
			zap.String("type", target.Type))
		return true, nil
	}

	r.logger.Info("event redacted",
		zap.String("event_id", target.EventID),
		zap.String("redacted_by", redactionEvent.EventID),
		zap.String("policy", policy.Kind.String()))
	return true, nil
}
