package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
)

// NewLoggerSubscriber creates an event handler that writes pool events to the
// log. Status changes and breaker trips are operator-relevant and log at
// Info/Warn; validation results log at Debug.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		switch payload := event.Payload.(type) {
		case interfaces.StatusChange:
			logger.Info().
				Str("account_id", payload.AccountID).
				Str("from", payload.From).
				Str("to", payload.To).
				Str("reason", payload.Reason).
				Msg("Account status changed")
		case models.Lease:
			logger.Warn().
				Str("account_id", payload.AccountID).
				Str("holder_job_id", payload.HolderJobID).
				Str("acquired_at", payload.AcquiredAt.UTC().Format("2006-01-02T15:04:05Z")).
				Msg("Lease reclaimed after timeout")
		case *models.ValidationRecord:
			logger.Debug().
				Str("account_id", payload.AccountID).
				Str("method", string(payload.Method)).
				Str("verdict", string(payload.Verdict)).
				Msg("Validation completed")
		default:
			logEvent := logger.Debug()
			if event.Type == interfaces.EventBreakerTripped {
				logEvent = logger.Warn()
			}
			logEvent.
				Str("event_type", string(event.Type)).
				Str("payload", fmt.Sprintf("%+v", event.Payload)).
				Msg("Event published")
		}
		return nil
	}
}

// SubscribeLoggerToPoolEvents subscribes the logger to all pool event types
func SubscribeLoggerToPoolEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.PoolEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.PoolEventTypes)).
		Msg("Logger subscribed to pool events")

	return nil
}
