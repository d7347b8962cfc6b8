package analyzer

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
	// AnalysisSubject is the request/reply subject the analysis service
	// listens on.
	AnalysisSubject = "analysis.request"

	defaultRequestTimeout = 30 * time.Second
)

// Request is the payload sent to the analysis service for one command's
// output.
type Request struct {
	Output    string `json:"output"`
	Hint      string `json:"hint"`
	Condition string `json:"condition"`
}

// Client classifies command output by asking the analysis service over NATS
// request/reply. Callers treat failures as degradable: the node worker
// swallows any error into a degraded result.
type Client struct {
	nc      *nats.Conn
	logger  *zap.Logger
	timeout time.Duration
}

// NewClient creates an analysis client. timeout <= 0 defaults to 30s.
func NewClient(nc *nats.Conn, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		nc:      nc,
		logger:  logger.Named("analyzer"),
		timeout: timeout,
	}
}

// AnalyzeOutput sends the output and condition to the analysis service and
// decodes its verdict.
func (c *Client) AnalyzeOutput(ctx context.Context, output, hint, condition string) (*model.AnalysisResult, error) {
	data, err := json.Marshal(Request{Output: output, Hint: hint, Condition: condition})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, AnalysisSubject, data)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}

	var result model.AnalysisResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis result: %w", err)
	}

	switch result.Severity {
	case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
	default:
		result.Severity = model.SeverityInfo
	}

	return &result, nil
}
