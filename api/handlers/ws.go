package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/agentflow/api"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSHandler upgrades chat completion traffic to a WebSocket connection.
// One JSON text frame in carries one api.ChatRequest; binary frames are
// rejected outright since the wire protocol is JSON-only. Ping/pong
// frames never reach application code — the underlying connection
// answers them at the protocol layer — so unlike a raw frame-level
// implementation, this handler only ever deals with text frames.
type WSHandler struct {
	provider llm.Provider
	logger   *zap.Logger

	// AcceptOptions lets the server relax origin checks for local
	// development; nil uses the library default (same-origin only).
	AcceptOptions *websocket.AcceptOptions
}

// NewWSHandler creates a WebSocket chat completion handler.
func NewWSHandler(provider llm.Provider, logger *zap.Logger) *WSHandler {
	return &WSHandler{provider: provider, logger: logger}
}

// HandleWebSocket upgrades the connection and serves chat completion
// requests for its lifetime, one request per text frame.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.AcceptOptions)
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exit")

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			// normal closure or context cancellation; nothing to report
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			h.writeValidationError(ctx, conn, "binary messages are not supported")
			continue
		case websocket.MessageText:
			if h.processMessage(ctx, conn, data) {
				conn.Close(websocket.StatusNormalClosure, "client requested close")
				return
			}
		}
	}
}

// processMessage handles one inbound text frame. It returns true if the
// connection should be closed (reserved for a future explicit close
// message type; always false today since coder/websocket surfaces
// client-initiated closes as a Read error, not a message).
func (h *WSHandler) processMessage(ctx context.Context, conn *websocket.Conn, data []byte) bool {
	var req api.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeValidationError(ctx, conn, "invalid JSON: "+err.Error())
		return false
	}

	if verr := (&ChatHandler{logger: h.logger}).validateChatRequest(&req); verr != nil {
		h.writeError(ctx, conn, verr)
		return false
	}

	llmReq := (&ChatHandler{logger: h.logger}).convertToLLMRequest(&req)

	reqCtx := ctx
	if llmReq.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, llmReq.Timeout)
		defer cancel()
	}

	if req.Stream {
		h.handleStreamingRequest(reqCtx, conn, llmReq)
	} else {
		h.handleNonStreamingRequest(reqCtx, conn, llmReq)
	}
	return false
}

func (h *WSHandler) handleNonStreamingRequest(ctx context.Context, conn *websocket.Conn, req *llm.ChatRequest) {
	resp, err := h.provider.Completion(ctx, req)
	if err != nil {
		h.writeProviderError(ctx, conn, err)
		return
	}
	ch := (&ChatHandler{logger: h.logger}).convertToAPIResponse(resp)
	h.writeJSON(ctx, conn, ch)
}

func (h *WSHandler) handleStreamingRequest(ctx context.Context, conn *websocket.Conn, req *llm.ChatRequest) {
	stream, err := h.provider.Stream(ctx, req)
	if err != nil {
		h.writeProviderError(ctx, conn, err)
		return
	}

	streamID := llm.NewCompletionID()
	chatHandler := &ChatHandler{logger: h.logger}
	for chunk := range stream {
		if chunk.Err != nil {
			h.writeError(ctx, conn, chunk.Err)
			return
		}
		if chunk.ID == "" {
			chunk.ID = streamID
		}
		apiChunk := chatHandler.convertToAPIStreamChunk(&chunk)
		if err := h.writeSSEFramedJSON(ctx, conn, apiChunk); err != nil {
			h.logger.Warn("websocket stream write failed", zap.Error(err))
			return
		}
	}
	conn.Write(ctx, websocket.MessageText, []byte("data: [DONE]\n\n"))
}

// writeSSEFramedJSON frames a streaming chunk the same way the SSE
// ingress does ("data: {json}\n\n") even though it travels over a
// WebSocket text frame, so a single client-side parser can handle both
// transports.
func (h *WSHandler) writeSSEFramedJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	framed := append([]byte("data: "), payload...)
	framed = append(framed, '\n', '\n')
	return conn.Write(ctx, websocket.MessageText, framed)
}

func (h *WSHandler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("websocket marshal failed", zap.Error(err))
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		h.logger.Warn("websocket write failed", zap.Error(err))
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, e *types.Error) {
	h.writeJSON(ctx, conn, api.ErrorResponse{Error: api.ErrorDetail{
		Code:       string(e.Code),
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		Retryable:  e.Retryable,
		Provider:   e.Provider,
	}})
}

func (h *WSHandler) writeValidationError(ctx context.Context, conn *websocket.Conn, message string) {
	h.writeError(ctx, conn, types.NewError(types.ErrInvalidRequest, message))
}

func (h *WSHandler) writeProviderError(ctx context.Context, conn *websocket.Conn, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		h.writeError(ctx, conn, typedErr)
		return
	}
	h.writeError(ctx, conn, types.NewError(types.ErrInternalError, "provider error").WithCause(err))
}

// pingInterval documents the keepalive cadence a reverse proxy in front
// of this handler should tolerate; coder/websocket issues protocol-level
// pings on idle connections automatically when configured with
// websocket.DialOptions/AcceptOptions that enable it, so no manual timer
// lives here.
const pingInterval = 30 * time.Second
