package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Envelope types for the execution stream
const (
	streamExecute = "execute"
	streamStage   = "stage"
	streamResult  = "result"
	streamError   = "error"
)

type streamEnvelope struct {
	Type      string           `json:"type"`
	Stage     string           `json:"stage,omitempty"`
	Result    *ExecuteResponse `json:"result,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
}

type streamRequest struct {
	Type string `json:"type"`
	ExecuteRequest
}

// Stream runs one execution over a WebSocket. The client sends an "execute"
// envelope; the server answers with a "stage" envelope per stage and a final
// "result". Closing the socket cancels the execution.
func (h *ExecuteHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("execution stream: failed to accept connection", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx, cancelRead := context.WithTimeout(r.Context(), 30*time.Second)
	var req streamRequest
	err = wsjson.Read(readCtx, conn, &req)
	cancelRead()
	if err != nil {
		h.logger.Debug("execution stream: failed to read execute message", zap.Error(err))
		return
	}

	ctx := r.Context()
	if req.Type != streamExecute {
		h.sendStreamError(ctx, conn, "Expected 'execute' message as first message")
		return
	}
	if req.Spec.URL == "" {
		h.sendStreamError(ctx, conn, "Request URL is required")
		return
	}

	// The returned context ends when the client closes the socket.
	ctx = conn.CloseRead(ctx)

	envID, err := h.prepareEnvironment(r, req.EnvironmentID, &req.Environment)
	if err != nil {
		h.sendStreamError(ctx, conn, err.Error())
		return
	}

	result := h.runner.ExecuteRequestWithStages(ctx, req.ExecuteInput, func(stage string) {
		h.writeStream(ctx, conn, streamEnvelope{Type: streamStage, Stage: stage})
	})
	if ctx.Err() != nil {
		h.logger.Debug("execution stream: client went away")
		return
	}

	resp := h.finishExecution(r, envID, result)
	h.writeStream(ctx, conn, streamEnvelope{Type: streamResult, Result: &resp})
}

func (h *ExecuteHandler) sendStreamError(ctx context.Context, conn *websocket.Conn, message string) {
	h.writeStream(ctx, conn, streamEnvelope{Type: streamError, Message: message})
}

// writeStream stamps and sends one envelope. A failed write means the client
// is gone; the run itself is unaffected.
func (h *ExecuteHandler) writeStream(ctx context.Context, conn *websocket.Conn, env streamEnvelope) {
	env.Timestamp = time.Now().Format(time.RFC3339Nano)
	if err := wsjson.Write(ctx, conn, env); err != nil {
		h.logger.Debug("execution stream: failed to write message", zap.String("type", env.Type), zap.Error(err))
	}
}
