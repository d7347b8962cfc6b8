package incident

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
	"github.com/runbookd/runbookd/internal/testutil"
)

func sampleIncident() *model.Incident {
	return &model.Incident{
		ID:          uuid.New().String(),
		ExecutionID: uuid.New().String(),
		Node:        "web-1",
		Severity:    model.SeverityCritical,
		Summary:     "disk usage at 97%",
		Analysis: model.AnalysisResult{
			ExtractedValue: "97%",
			ConditionMet:   true,
			Summary:        "disk usage at 97%",
			Severity:       model.SeverityCritical,
		},
		RaisedAt: time.Now().UTC(),
	}
}

func TestPublisher_PublishIncident(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	publisher, err := NewPublisher(js, logger)
	require.NoError(t, err)

	incident := sampleIncident()
	require.NoError(t, publisher.PublishIncident(context.Background(), incident))

	// The incident landed on the severity-scoped subject.
	sub, err := js.SubscribeSync("incident.raised.critical",
		nats.DeliverAll(), nats.BindStream(StreamName))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var stored model.Incident
	require.NoError(t, json.Unmarshal(msg.Data, &stored))
	assert.Equal(t, incident.ID, stored.ID)
	assert.Equal(t, incident.ExecutionID, stored.ExecutionID)
	assert.Equal(t, "web-1", stored.Node)
	assert.Equal(t, "disk usage at 97%", stored.Summary)
	assert.True(t, stored.Analysis.ConditionMet)
}

func TestPublisher_Deduplicates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	publisher, err := NewPublisher(js, logger)
	require.NoError(t, err)

	// A redelivered incident keeps the same ID and collapses to one message.
	incident := sampleIncident()
	require.NoError(t, publisher.PublishIncident(context.Background(), incident))
	require.NoError(t, publisher.PublishIncident(context.Background(), incident))

	info, err := js.StreamInfo(StreamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestPublisher_ReusesExistingStream(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	_, err := NewPublisher(js, logger)
	require.NoError(t, err)

	// Creating a second publisher against the same stream must not fail.
	_, err = NewPublisher(js, logger)
	require.NoError(t, err)
}
