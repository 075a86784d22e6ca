package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const systemPrompt = "You are an AI security expert analyzing system behavior for hostile AI agents."

const promptTemplate = `Analyze the following system activity for signs of hostile AI agents.
Look for:
1. Rapid API calls to AI services
2. Attempts to download or execute models
3. Suspicious prompt patterns
4. Data exfiltration attempts
5. Process spawning patterns typical of AI agents

System Activity:
%s

Respond with a JSON object {"threats": [...]} where each threat has:
- id: unique identifier
- type: behavioral
- description: what was detected
- severity: 1-10
- evidence: specific indicators`

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	base       string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithModel overrides the default model identifier.
func WithModel(model string) Option {
	return func(c *Client) error {
		c.model = model
		return nil
	}
}

// WithAPIKey attaches a bearer credential to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithRateLimit bounds outbound request rate. Classify blocks until the
// limiter admits the request or the context is cancelled.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			return fmt.Errorf("rate limit must be positive, got %v", rps)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// New creates a Client for the service at base, e.g.
// "https://api.openai.com".
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		model:      "gpt-4o",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Ready verifies the client holds credentials.
func (c *Client) Ready(_ context.Context) error {
	if c.apiKey == "" {
		return ErrNoCredentials
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

// Classify submits the activity summary for analysis and parses the
// returned candidates.
func (c *Client) Classify(ctx context.Context, activity string) ([]Candidate, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(promptTemplate, activity)},
		},
		Temperature: 0.2,
	}
	reqBody.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.base + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classification service error %d: %s", resp.StatusCode, string(body))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("classification response has no choices")
	}

	candidates, err := parseCandidates(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("classification complete", zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// parseCandidates accepts either {"threats": [...]} or a bare array.
func parseCandidates(content string) ([]Candidate, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") {
		var list []Candidate
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, fmt.Errorf("decode candidate array: %w", err)
		}
		return list, nil
	}

	var wrapper struct {
		Threats []Candidate `json:"threats"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return nil, fmt.Errorf("decode candidate object: %w", err)
	}
	return wrapper.Threats, nil
}
