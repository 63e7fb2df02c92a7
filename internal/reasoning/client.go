package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// ErrMalformed reports a reply that could not be parsed into a
// recommendation. Malformed replies are not retried.
var ErrMalformed = errors.New("reasoning reply malformed")

// ErrRateLimited reports a consult rejected by the local rate limiter.
var ErrRateLimited = errors.New("reasoning consult rate limited")

const systemPrompt = `You are the remediation reasoner for an infrastructure fleet.
Given an incident summary, reply with a single JSON object and nothing else:
{"action": one of ROLLBACK, SCALE_UP, RESTART, ACTIVATE_CIRCUIT_BREAKER, NOOP,
 "rationale": short explanation,
 "confidence": number between 0 and 1}`

// Recommendation is the reasoning service's verdict for an incident.
type Recommendation struct {
	Action     models.Action `json:"action"`
	Rationale  string        `json:"rationale"`
	Confidence float64       `json:"confidence"`
}

// Options configure the reasoning client.
type Options struct {
	BaseURL           string
	Model             string
	APIKey            string
	Timeout           time.Duration
	ConsultsPerMinute int
}

// Client consults an OpenAI-compatible reasoning endpoint for remediation
// recommendations.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a reasoning client. httpClient may be nil; passing one
// lets callers control transport behaviour.
func NewClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	if opts.Model == "" {
		opts.Model = "remediate-reasoner-v1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ConsultsPerMinute <= 0 {
		opts.ConsultsPerMinute = 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	perConsult := time.Minute / time.Duration(opts.ConsultsPerMinute)
	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(rate.Every(perConsult), opts.ConsultsPerMinute),
		logger:  utils.ComponentLogger(logger, "reasoning"),
	}
}

// Recommend asks the reasoning endpoint for a remediation recommendation on
// the incident, summarised by its primary alert.
func (c *Client) Recommend(ctx context.Context, inc models.Incident, primary models.AnomalyAlert) (*Recommendation, error) {
	if c == nil || c.api == nil {
		return nil, fmt.Errorf("reasoning client not configured")
	}
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	summary, err := json.Marshal(struct {
		IncidentID    string          `json:"incident_id"`
		Signature     string          `json:"signature"`
		SystemID      string          `json:"system_id"`
		MetricName    string          `json:"metric_name"`
		Category      models.Category `json:"category"`
		Severity      models.Severity `json:"severity"`
		ObservedValue float64         `json:"observed_value"`
		BaselineMean  float64         `json:"baseline_mean"`
		AlertCount    int             `json:"alert_count"`
		Reason        string          `json:"reason"`
	}{
		IncidentID:    inc.ID,
		Signature:     inc.Signature,
		SystemID:      primary.SystemID,
		MetricName:    primary.MetricName,
		Category:      primary.Category,
		Severity:      primary.Severity,
		ObservedValue: primary.ObservedValue,
		BaselineMean:  primary.Baseline.Mean,
		AlertCount:    len(inc.Alerts),
		Reason:        primary.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal incident summary: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: 300,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(summary)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning consult failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformed)
	}

	rec, err := parseRecommendation(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("discarding unparseable reasoning reply", slog.String("incident_id", inc.ID), slog.Any("error", err))
		return nil, err
	}
	return rec, nil
}

// parseRecommendation decodes a reply, salvaging the first JSON object when
// the model wraps it in prose.
func parseRecommendation(content string) (*Recommendation, error) {
	var rec Recommendation
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	rec.Action = models.Action(strings.ToUpper(strings.TrimSpace(string(rec.Action))))
	if !models.KnownAction(rec.Action) {
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, rec.Action)
	}
	if rec.Confidence < 0 {
		rec.Confidence = 0
	}
	if rec.Confidence > 1 {
		rec.Confidence = 1
	}
	return &rec, nil
}
