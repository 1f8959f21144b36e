// Package ollama implements the llm.Provider interface against a local
// or remote Ollama server. Unlike the OpenAI-compatible family, Ollama
// frames streaming responses as newline-delimited JSON objects (one per
// line, no SSE "data:" prefix) terminated by a final object carrying
// "done": true, and nests sampling parameters under an "options" object
// rather than flattening them onto the request body.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/internal/tlsutil"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/providers"
	"go.uber.org/zap"
)

// Config holds the configuration for an Ollama connector.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Provider talks to Ollama's /api/chat endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an Ollama provider. BaseURL defaults to http://localhost:11434.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "ollama" }

// SupportsNativeFunctionCalling reports false; Ollama models vary and the
// connector does not attempt to translate tool calls.
func (p *Provider) SupportsNativeFunctionCalling() bool { return false }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	// populated only on the terminal, done:true message
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// convertMessages downgrades any role Ollama does not recognize (tool,
// function, developer) to "user", prefixing the original role so the
// content is not silently lost.
func convertMessages(msgs []llm.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		role := string(m.Role)
		content := m.FlattenParts()
		if content == "" {
			content = m.Content
		}
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
			// pass through
		default:
			content = fmt.Sprintf("[%s] %s", role, content)
			role = "user"
		}
		out = append(out, ollamaMessage{Role: role, Content: content})
	}
	return out
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) ollamaRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return ollamaRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		},
	}
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func mapOllamaError(status int, msg string) *llm.Error {
	switch status {
	case http.StatusNotFound:
		return &llm.Error{Code: llm.ErrModelNotFound, Message: msg, HTTPStatus: status, Provider: "ollama"}
	case http.StatusBadRequest:
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: "ollama"}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: "ollama"}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: "ollama"}
	}
}

// Completion performs a non-streaming chat completion by issuing a
// stream:false request and reading the single JSON object response.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := p.buildRequest(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, mapOllamaError(resp.StatusCode, msg)
	}

	var oResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&oResp); err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama"}
	}

	promptTokens := oResp.PromptEvalCount
	completionTokens := oResp.EvalCount
	if completionTokens == 0 {
		completionTokens = llm.EstimateTokens(oResp.Message.Content)
	}

	finish := "stop"
	createdAt := time.Now()
	if t, err := time.Parse(time.RFC3339Nano, oResp.CreatedAt); err == nil {
		createdAt = t
	}

	return &llm.ChatResponse{
		ID:       llm.NewCompletionID(),
		Object:   "chat.completion",
		Provider: "ollama",
		Model:    oResp.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: finish,
			Message: llm.Message{
				Role:    llm.RoleAssistant,
				Content: oResp.Message.Content,
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		CreatedAt: createdAt,
	}, nil
}

// Stream performs a streaming chat completion, reading newline-delimited
// JSON objects off the response body until one arrives with done:true.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := p.buildRequest(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama"}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, mapOllamaError(resp.StatusCode, msg)
	}

	id := llm.NewCompletionID()
	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		index := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var oResp ollamaResponse
			if err := json.Unmarshal([]byte(line), &oResp); err != nil {
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama",
				}}:
				}
				return
			}

			chunk := llm.StreamChunk{
				ID:       id,
				Provider: "ollama",
				Model:    oResp.Model,
				Index:    index,
				Delta: llm.Message{
					Role:    llm.RoleAssistant,
					Content: oResp.Message.Content,
				},
			}
			if oResp.Done {
				chunk.FinishReason = "stop"
				promptTokens := oResp.PromptEvalCount
				completionTokens := oResp.EvalCount
				chunk.Usage = &llm.ChatUsage{
					PromptTokens:     promptTokens,
					CompletionTokens: completionTokens,
					TotalTokens:      promptTokens + completionTokens,
				}
			}
			index++

			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
			if oResp.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			select {
			case <-ctx.Done():
			case ch <- llm.StreamChunk{Err: &llm.Error{
				Code: llm.ErrUpstreamError, Message: err.Error(),
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama",
			}}:
			}
		}
	}()
	return ch, nil
}

// HealthCheck hits Ollama's /api/tags endpoint, which lists local models
// and responds quickly without invoking a model.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, fmt.Errorf("build ollama health request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, fmt.Errorf("ollama health check failed: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

type tagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		ModifiedAt string `json:"modified_at"`
	} `json:"models"`
}

// ListModels returns the models currently pulled on the Ollama server.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, fmt.Errorf("build ollama models request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, mapOllamaError(resp.StatusCode, msg)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	out := make([]llm.Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, llm.Model{ID: m.Name, Object: "model", OwnedBy: "ollama", Root: m.Name})
	}
	return out, nil
}
