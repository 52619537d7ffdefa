package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dictation-optimizer/internal/models"
)

// APIError is a non-2xx or success=false reply from the optimizer server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("optimizer server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("optimizer server error (%d)", e.Status)
}

type envelope struct {
	Success bool            `json:"success"`
	Results json.RawMessage `json:"results"`
	Error   string          `json:"error"`
}

// Client talks to the DSPy optimizer server and implements Optimizer and Evaluator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client. A zero timeout keeps the 30 minute default for overnight runs.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	value := strings.TrimSpace(baseURL)
	if value == "" {
		return nil, errors.New("optimizer url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid optimizer url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, errors.New("optimizer url must include scheme (http://)")
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(value, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type optimizeOptions struct {
	Iterations int  `json:"iterations"`
	WithHuman  bool `json:"with_human"`
}

type optimizePayload struct {
	AgentType string          `json:"agent_type"`
	Prompt    string          `json:"prompt"`
	Examples  []Example       `json:"examples"`
	Hints     []string        `json:"hints,omitempty"`
	Options   optimizeOptions `json:"options"`
}

type optimizeResults struct {
	OptimizedPrompt string          `json:"optimized_prompt"`
	FinalScore      *float64        `json:"final_score"`
	Metrics         *models.Metrics `json:"metrics"`
}

// Optimize runs the server-side optimizer. The scoring function stays local and is not sent.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (OptimizeResponse, error) {
	payload := optimizePayload{
		AgentType: req.AgentType,
		Prompt:    req.Prompt,
		Examples:  req.Examples,
		Hints:     req.Hints,
		Options:   optimizeOptions{Iterations: req.Iterations, WithHuman: req.WithHuman},
	}
	var res optimizeResults
	if err := c.post(ctx, "/v1/dspy/optimize", payload, &res); err != nil {
		return OptimizeResponse{}, err
	}
	if strings.TrimSpace(res.OptimizedPrompt) == "" {
		return OptimizeResponse{}, errors.New("optimizer returned no prompt")
	}
	out := OptimizeResponse{Prompt: res.OptimizedPrompt, Metrics: res.Metrics}
	if out.Metrics == nil && res.FinalScore != nil {
		out.Metrics = &models.Metrics{OverallScore: *res.FinalScore}
	}
	return out, nil
}

type evaluatePayload struct {
	AgentType string `json:"agent_type"`
	Prompt    string `json:"prompt,omitempty"`
}

// Evaluate runs the development set for an agent with the given prompt.
func (c *Client) Evaluate(ctx context.Context, agentType, prompt string) (EvalReport, error) {
	var results []ExampleResult
	if err := c.post(ctx, "/v1/dspy/evaluate", evaluatePayload{AgentType: agentType, Prompt: prompt}, &results); err != nil {
		return EvalReport{}, err
	}
	return EvalReport{Results: results}, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, results any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	decodeErr := json.Unmarshal(respData, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: env.Error}
		if decodeErr != nil {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode optimizer response: %w", decodeErr)
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if results == nil || len(env.Results) == 0 {
		return nil
	}
	return json.Unmarshal(env.Results, results)
}
