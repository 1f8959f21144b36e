package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/api"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/history"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// modelPrefixes are the model name prefixes accepted by validateChatRequest.
// Unprefixed/unknown model names are rejected rather than silently routed,
// matching the upstream registry's allowlist behavior.
var modelPrefixes = []string{"gpt-", "text-", "claude-", "mistral-", "llama-", "gemini-", "qwen-", "deepseek-", "glm-", "grok-", "kimi-"}

// allowedMessageRoles are the roles validateChatRequest accepts on inbound
// messages. "tool"/"developer" are gateway-internal roles produced during a
// tool-call round trip, not valid on the initial request.
var allowedMessageRoles = map[string]bool{
	"system": true, "user": true, "assistant": true, "function": true,
}

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler 聊天接口处理器
type ChatHandler struct {
	provider llm.Provider
	logger   *zap.Logger

	// history recalls/records conversation turns keyed by req.SessionID.
	// Nil disables history entirely (the default, backward-compatible
	// behavior when no memory backend is configured).
	history history.Store

	// executor races the provider call against shutdownSignal via
	// ExecuteWithCancellation. Nil disables the race entirely (the
	// completion runs under ctx alone, as before).
	executor       *llm.Executor
	shutdownSignal <-chan struct{}
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(provider llm.Provider, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		provider: provider,
		logger:   logger,
	}
}

// WithHistory attaches a history.Store so HandleCompletion recalls and
// records per-session conversation turns. Returns h for chaining.
func (h *ChatHandler) WithHistory(store history.Store) *ChatHandler {
	h.history = store
	return h
}

// WithExecutor attaches the C3 executor and a broadcast shutdown signal so
// HandleCompletion aborts an in-flight provider call within one RTT of a
// shutdown broadcast, instead of running it to completion or to ctx's own
// deadline. Returns h for chaining.
func (h *ChatHandler) WithExecutor(executor *llm.Executor, shutdownSignal <-chan struct{}) *ChatHandler {
	h.executor = executor
	h.shutdownSignal = shutdownSignal
	return h
}

// HandleCompletion 处理聊天补全请求
// @Summary 聊天完成
// @Description 发送聊天完成请求
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse "聊天响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// 解码请求
	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	// 验证请求
	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 转换为 LLM 请求
	llmReq := h.convertToLLMRequest(&req)

	// 设置超时
	ctx := r.Context()
	if llmReq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, llmReq.Timeout)
		defer cancel()
	}

	if h.history != nil && req.SessionID != "" {
		if prior, err := h.history.Recall(ctx, req.SessionID); err != nil {
			h.logger.Warn("history recall failed", zap.String("session_id", req.SessionID), zap.Error(err))
		} else if len(prior) > 0 {
			llmReq.Messages = append(append([]types.Message{}, prior...), llmReq.Messages...)
		}
	}

	// 调用 Provider
	start := time.Now()
	resp, err := h.callProvider(ctx, llmReq)
	duration := time.Since(start)

	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	if h.history != nil && req.SessionID != "" {
		h.recordTurn(ctx, req.SessionID, llmReq, resp)
	}

	// 转换响应
	apiResp := h.convertToAPIResponse(resp)

	// 记录日志
	h.logger.Info("chat completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, apiResp)
}

// HandleStream 处理流式聊天请求
// @Summary 流式聊天完成
// @Description 发送流式聊天完成请求
// @Tags 聊天
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/chat/completions/stream [post]
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// 解码请求
	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	// 验证请求
	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 转换为 LLM 请求
	llmReq := h.convertToLLMRequest(&req)

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	// 调用 Provider 流式接口
	ctx := r.Context()
	stream, err := h.provider.Stream(ctx, llmReq)
	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	// 发送流式数据
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := types.NewError(types.ErrInternalError, "streaming not supported")
		WriteError(w, err, h.logger)
		return
	}

	streamID := llm.NewCompletionID()
	for chunk := range stream {
		if chunk.ID == "" {
			chunk.ID = streamID
		}
		if chunk.Err != nil {
			h.logger.Error("stream error", zap.Error(chunk.Err))
			// SSE 错误事件 — 使用 json.Marshal 转义错误消息，防止 JSON 注入
			errPayload, _ := json.Marshal(map[string]string{"error": chunk.Err.Message})
			w.Write([]byte("event: error\n"))
			w.Write([]byte("data: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		// 转换为 API 格式
		apiChunk := h.convertToAPIStreamChunk(&chunk)

		// 发送 SSE 事件
		w.Write([]byte("data: "))
		if err := writeJSON(w, apiChunk); err != nil {
			h.logger.Error("failed to write chunk", zap.Error(err))
			return
		}
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	// 发送结束标记
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// validateChatRequest validates an inbound chat completion request against
// the full rule set: model allowlist, per-message role/content/name checks,
// message sequencing (system-first, at least one user message), and the
// sampling parameter bounds.
func (h *ChatHandler) validateChatRequest(req *api.ChatRequest) *types.Error {
	if err := validateModel(req.Model); err != nil {
		return err
	}
	if err := validateMessages(req.Messages); err != nil {
		return err
	}

	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0.0 and 2.0")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0.0 and 1.0")
	}
	if req.N != 0 && (req.N < 1 || req.N > 10) {
		return types.NewError(types.ErrInvalidRequest, "n must be between 1 and 10")
	}
	if req.MaxTokens != 0 {
		if req.MaxTokens < 0 {
			return types.NewError(types.ErrInvalidRequest, "max_tokens must be greater than 0")
		}
		if req.MaxTokens > 8192 {
			return types.NewError(types.ErrInvalidRequest, "max_tokens exceeds the maximum allowed value of 8192")
		}
	}
	if req.PresencePenalty < -2 || req.PresencePenalty > 2 {
		return types.NewError(types.ErrInvalidRequest, "presence_penalty must be between -2.0 and 2.0")
	}
	if req.FrequencyPenalty < -2 || req.FrequencyPenalty > 2 {
		return types.NewError(types.ErrInvalidRequest, "frequency_penalty must be between -2.0 and 2.0")
	}

	return nil
}

func validateModel(model string) *types.Error {
	if strings.TrimSpace(model) == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required and cannot be empty")
	}
	for _, prefix := range modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return nil
		}
	}
	return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("model '%s' is not supported", model))
}

func validateMessages(messages []api.Message) *types.Error {
	if len(messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages is required and cannot be empty")
	}

	hasUser := false
	for i, m := range messages {
		if !allowedMessageRoles[m.Role] {
			return types.NewError(types.ErrInvalidRequest, fmt.Sprintf(
				"invalid role '%s' at messages[%d], must be one of: system, user, assistant, function", m.Role, i))
		}
		if strings.TrimSpace(m.Content) == "" && len(m.Images) == 0 {
			return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("content cannot be empty at messages[%d]", i))
		}
		if m.Name != "" {
			if strings.TrimSpace(m.Name) == "" {
				return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("name cannot be empty at messages[%d]", i))
			}
			if len(m.Name) > 64 {
				return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("name at messages[%d] exceeds maximum length of 64 characters", i))
			}
		}
		if m.Role == "user" {
			hasUser = true
		}
		if m.Role == "system" && i > 0 {
			return types.NewError(types.ErrInvalidRequest, "system message must be the first message if present")
		}
	}

	if !hasUser {
		return types.NewError(types.ErrInvalidRequest, "messages must contain at least one user message")
	}
	return nil
}

// recordTurn appends the latest user message and the chosen assistant
// reply to the session's history. Failures are logged, not surfaced,
// since the completion has already been returned to the caller.
func (h *ChatHandler) recordTurn(ctx context.Context, sessionID string, llmReq *llm.ChatRequest, resp *llm.ChatResponse) {
	if len(llmReq.Messages) > 0 {
		if err := h.history.Append(ctx, sessionID, llmReq.Messages[len(llmReq.Messages)-1]); err != nil {
			h.logger.Warn("history append (user) failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if len(resp.Choices) > 0 {
		if err := h.history.Append(ctx, sessionID, resp.Choices[0].Message); err != nil {
			h.logger.Warn("history append (assistant) failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// callProvider dispatches to the provider directly, or races it against
// h.shutdownSignal via the C3 executor when one is configured.
func (h *ChatHandler) callProvider(ctx context.Context, llmReq *llm.ChatRequest) (*llm.ChatResponse, error) {
	if h.executor == nil || h.shutdownSignal == nil {
		return h.provider.Completion(ctx, llmReq)
	}

	result, err := h.executor.ExecuteWithCancellation(ctx, func(ctx context.Context) (any, error) {
		return h.provider.Completion(ctx, llmReq)
	}, h.shutdownSignal)
	if err != nil {
		return nil, err
	}
	return result.(*llm.ChatResponse), nil
}

// convertToLLMRequest 转换为 LLM 请求
func (h *ChatHandler) convertToLLMRequest(req *api.ChatRequest) *llm.ChatRequest {
	// 解析超时
	timeout := 30 * time.Second
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}

	// 转换 Messages（api.Message -> types.Message）
	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
	}

	// 转换 Tools（api.ToolSchema -> types.ToolSchema）
	tools := make([]types.ToolSchema, len(req.Tools))
	for i, tool := range req.Tools {
		tools[i] = types.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}

	return &llm.ChatRequest{
		TraceID:          req.TraceID,
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		Model:            req.Model,
		Messages:         messages,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
		Tools:            tools,
		ToolChoice:       req.ToolChoice,
		N:                req.N,
		Stream:           req.Stream,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		User:             req.UserID,
		Timeout:          timeout,
		Metadata:         req.Metadata,
		Tags:             req.Tags,
	}
}

// convertToAPIResponse 转换为 API 响应
func (h *ChatHandler) convertToAPIResponse(resp *llm.ChatResponse) *api.ChatResponse {
	id := resp.ID
	if id == "" {
		id = llm.NewCompletionID()
	}
	object := resp.Object
	if object == "" {
		object = "chat.completion"
	}
	return &api.ChatResponse{
		ID:        id,
		Object:    object,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Choices:   h.convertChoices(resp.Choices),
		Usage:     h.convertUsage(resp.Usage),
		CreatedAt: resp.CreatedAt,
	}
}

// convertChoices 转换选择列表
func (h *ChatHandler) convertChoices(choices []llm.ChatChoice) []api.ChatChoice {
	result := make([]api.ChatChoice, len(choices))
	for i, choice := range choices {
		result[i] = api.ChatChoice{
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
			Message: api.Message{
				Role:       string(choice.Message.Role),
				Content:    choice.Message.Content,
				Name:       choice.Message.Name,
				ToolCalls:  choice.Message.ToolCalls,
				ToolCallID: choice.Message.ToolCallID,
			},
		}
	}
	return result
}

// convertUsage 转换使用统计
func (h *ChatHandler) convertUsage(usage llm.ChatUsage) api.ChatUsage {
	return api.ChatUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

// convertToAPIStreamChunk 转换流式块
func (h *ChatHandler) convertToAPIStreamChunk(chunk *llm.StreamChunk) *api.StreamChunk {
	return &api.StreamChunk{
		ID:       chunk.ID,
		Provider: chunk.Provider,
		Model:    chunk.Model,
		Index:    chunk.Index,
		Delta: api.Message{
			Role:       string(chunk.Delta.Role),
			Content:    chunk.Delta.Content,
			Name:       chunk.Delta.Name,
			ToolCalls:  chunk.Delta.ToolCalls,
			ToolCallID: chunk.Delta.ToolCallID,
		},
		FinishReason: chunk.FinishReason,
		Usage:        convertStreamUsage(chunk.Usage),
	}
}

// convertStreamUsage safely converts *llm.ChatUsage to *api.ChatUsage
// without relying on unsafe pointer casts between distinct types.
func convertStreamUsage(u *llm.ChatUsage) *api.ChatUsage {
	if u == nil {
		return nil
	}
	return &api.ChatUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// handleProviderError 处理 Provider 错误
func (h *ChatHandler) handleProviderError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}

	// 未知错误，包装为内部错误
	internalErr := types.NewError(types.ErrInternalError, "provider error").
		WithCause(err).
		WithRetryable(false)

	WriteError(w, internalErr, h.logger)
}

// writeJSON 写入 JSON（不包含响应头）
func writeJSON(w http.ResponseWriter, data any) error {
	encoder := json.NewEncoder(w)
	return encoder.Encode(data)
}

// =============================================================================
// 🔄 类型转换辅助函数
// =============================================================================

// Note: convertAPIToolCallsToTypes and convertTypesToolCallsToAPI were removed
// because api.ToolCall is now a type alias for types.ToolCall — no conversion needed.
