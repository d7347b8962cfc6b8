package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
)

const (
	// StreamName is the durable stream incidents land on
	StreamName = "INCIDENTS"

	subjectPrefix = "incident.raised"

	defaultRetries = 3
	defaultBackoff = 500 * time.Millisecond
)

// Publisher delivers incidents to the durable INCIDENTS stream. Delivery is
// at-least-once: publishes are retried with backoff, and the message ID is
// the incident ID so JetStream deduplicates redelivered copies.
type Publisher struct {
	js      nats.JetStreamContext
	logger  *zap.Logger
	retries int
	backoff time.Duration
}

// NewPublisher creates a publisher and ensures the incident stream exists.
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	stream, err := js.StreamInfo(StreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       StreamName,
			Subjects:   []string{subjectPrefix + ".*"},
			Storage:    nats.FileStorage,
			Duplicates: time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		logger.Info("Created stream", zap.String("name", StreamName))
	}

	return &Publisher{
		js:      js,
		logger:  logger.Named("incidents"),
		retries: defaultRetries,
		backoff: defaultBackoff,
	}, nil
}

// PublishIncident implements the orchestrator's incident sink.
func (p *Publisher) PublishIncident(ctx context.Context, incident *model.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, incident.Severity)

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}

		_, lastErr = p.js.Publish(subject, data, nats.MsgId(incident.ID))
		if lastErr == nil {
			p.logger.Info("Incident published",
				zap.String("incident_id", incident.ID),
				zap.String("execution_id", incident.ExecutionID),
				zap.String("node", incident.Node),
				zap.String("severity", string(incident.Severity)))
			return nil
		}

		p.logger.Warn("Incident publish failed, retrying",
			zap.String("incident_id", incident.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return fmt.Errorf("failed to publish incident after %d attempts: %w", p.retries+1, lastErr)
}
