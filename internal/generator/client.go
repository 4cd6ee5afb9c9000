package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"docforge/internal/logger"
)

const maxErrorBody = 512

// ClientConfig points the client at an OpenAI-compatible chat-completions API.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// HTTPClient defaults to a client without a global timeout; per-call
	// timeouts come from Options.Timeout.
	HTTPClient *http.Client
}

type Client struct {
	log     *logger.Logger
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("generator base url required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generator model required")
	}
	if log == nil {
		log = logger.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		log:     log.With("service", "GeneratorClient"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    hc,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Generate(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := chatRequest{Model: c.model, MaxTokens: opts.MaxTokens}
	if strings.TrimSpace(systemPrompt) != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if opts.ResponseFormat == FormatJSON {
		req.ResponseFormat = map[string]any{"type": string(FormatJSON)}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", transportError(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", transportError(readErr)
	}
	c.log.Debug("generator call", "status", resp.StatusCode, "duration", time.Since(start).String(), "bytes", len(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ServiceError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &ServiceError{Status: resp.StatusCode, Message: "malformed response envelope", Temporary: true}
	}
	if len(out.Choices) == 0 {
		return "", &ServiceError{Status: resp.StatusCode, Message: "empty choices", Temporary: true}
	}
	return out.Choices[0].Message.Content, nil
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	se := &ServiceError{Message: err.Error(), Temporary: true}
	if errors.Is(err, context.DeadlineExceeded) {
		se.Message = "call timed out"
		return se
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		se.Message = "call timed out"
	}
	return se
}

func errorMessage(raw []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return truncate(env.Error.Message, maxErrorBody)
	}
	return truncate(strings.TrimSpace(string(raw)), maxErrorBody)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
