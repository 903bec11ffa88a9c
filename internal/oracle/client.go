// Package oracle is the LLM client shared by every pipeline stage. It
// wraps the Gemini REST API with a bounded concurrency permit pool,
// exponential backoff with jitter, quota-error classification, and a
// silent fallback from native structured output to prompt-injected
// JSON when a model rejects response schemas.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"causeway/internal/config"
	"causeway/internal/logging"
	"causeway/internal/telemetry"
)

// Client is a concurrency-limited Gemini client. All stages share one
// instance so the permit pool bounds total in-flight API calls.
type Client struct {
	apiKey  string
	baseURL string
	model   string

	httpClient *http.Client
	sem        chan struct{}

	maxRetries    int
	backoffBase   time.Duration
	backoffJitter time.Duration

	tel *telemetry.Recorder
}

// NewClient creates a Gemini client from config. tel may not be nil;
// every call, retry, error, and fallback is recorded.
func NewClient(cfg *config.Config, tel *telemetry.Recorder) *Client {
	return &Client{
		apiKey:  cfg.LLM.APIKey,
		baseURL: cfg.LLM.BaseURL,
		model:   cfg.LLM.Model,
		httpClient: &http.Client{
			Timeout: cfg.GetLLMTimeout(),
		},
		sem:           make(chan struct{}, cfg.LLM.SemaphoreLimit),
		maxRetries:    cfg.LLM.MaxRetries,
		backoffBase:   cfg.BackoffBaseDuration(),
		backoffJitter: cfg.BackoffJitterDuration(),
		tel:           tel,
	}
}

// ForModel returns a client that targets a different model but shares
// this client's permit pool, HTTP transport, and telemetry.
func (c *Client) ForModel(model string) *Client {
	if model == "" || model == c.model {
		return c
	}
	clone := *c
	clone.model = model
	return &clone
}

// Model returns the model this client targets.
func (c *Client) Model() string {
	return c.model
}

// Complete sends a free-text prompt and returns the completion.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.generate(ctx, systemPrompt, userPrompt, nil)
}

// GenerateStructured sends a prompt with native structured-output
// enforcement. If the model rejects the response schema, the call is
// silently retried with the schema injected into the prompt instead,
// and the fallback is counted.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error) {
	out, err := c.generate(ctx, systemPrompt, userPrompt, schema)
	if err == nil {
		return out, nil
	}
	if err != ErrSchemaNotSupported && !strings.Contains(err.Error(), ErrSchemaNotSupported.Error()) {
		return "", err
	}

	logging.APIWarn("[oracle] model %s rejected response schema, falling back to prompt injection", c.model)
	c.tel.RecordLLMFallback(c.model)

	schemaJSON, merr := json.Marshal(schema)
	if merr != nil {
		return "", fmt.Errorf("failed to marshal fallback schema: %w", merr)
	}
	injected := fmt.Sprintf("%s\n\nRespond ONLY with a JSON object matching this schema, no prose, no markdown fences:\n%s",
		userPrompt, schemaJSON)
	return c.generate(ctx, systemPrompt, injected, nil)
}

// generate runs the permit-pool acquire, request build, and retry loop.
// schema != nil requests native JSON output enforcement.
func (c *Client) generate(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	// Acquire a permit; the pool bounds total in-flight calls across
	// all pipeline stages.
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature: 1.0,
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: systemPrompt}},
		}
	}
	if schema != nil {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
		reqBody.GenerationConfig.ResponseSchema = schema
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	startTime := time.Now()
	logging.APIDebug("[oracle] call model=%s system_len=%d user_len=%d schema=%t",
		c.model, len(systemPrompt), len(userPrompt), schema != nil)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.tel.RecordLLMRetry(c.model, attempt, lastErr.Error())
			backoff := c.backoffBase * time.Duration(1<<uint(attempt-1))
			if c.backoffJitter > 0 {
				backoff += time.Duration(rand.Int63n(int64(c.backoffJitter)))
			}
			logging.APIWarn("[oracle] retry %d/%d after %v: %v", attempt, c.maxRetries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.doRequest(ctx, url, jsonData, schema != nil)
		if err == nil {
			latencyMs := float64(time.Since(startTime)) / float64(time.Millisecond)
			c.tel.RecordLLMCall(c.model, len(systemPrompt)+len(userPrompt), len(text), latencyMs)
			logging.API("[oracle] call completed model=%s in %v response_len=%d",
				c.model, time.Since(startTime), len(text))
			return text, nil
		}

		if err == ErrSchemaNotSupported {
			return "", err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			c.tel.RecordLLMError(c.model, err.Error(), false)
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}

	c.tel.RecordLLMError(c.model, lastErr.Error(), IsQuotaError(lastErr))
	logging.APIError("[oracle] max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs one HTTP round trip and extracts the completion text.
func (c *Client) doRequest(ctx context.Context, url string, jsonData []byte, schemaEnforced bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyStr := string(body)
		if schemaEnforced && resp.StatusCode == http.StatusBadRequest && isSchemaRejection(bodyStr) {
			return "", ErrSchemaNotSupported
		}
		return "", &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if geminiResp.Error != nil {
		return "", fmt.Errorf("API error: %s", geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	var result strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		result.WriteString(part.Text)
	}
	return strings.TrimSpace(result.String()), nil
}

// isSchemaRejection detects a 400 caused by structured-output fields.
func isSchemaRejection(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "responsejsonschema") ||
		strings.Contains(lower, "responsemimetype") ||
		strings.Contains(lower, "response_schema") ||
		strings.Contains(lower, "response_mime_type") ||
		strings.Contains(lower, "responseschema") ||
		(strings.Contains(lower, "schema") && strings.Contains(lower, "nesting depth"))
}
