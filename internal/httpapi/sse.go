package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/loreworks/corpusd/internal/mcp"
)

// keepAliveInterval spaces the SSE keep-alive comments. Must stay
// under the 30s ceiling clients time out on.
const keepAliveInterval = 25 * time.Second

// maxSubmissionBytes bounds a POSTed frame, matching the line
// transport's frame limit.
const maxSubmissionBytes = 4 * 1024 * 1024

// sseHandler implements the streaming HTTP transport: a long-lived
// event stream per session plus a submission endpoint.
type sseHandler struct {
	engine   *mcp.Engine
	sessions *mcp.SessionStore
	baseURL  string
	logger   *zap.Logger

	// streams maps session id to the stream's context, so submissions
	// dispatched after the stream closes are cancelled with it.
	streams sync.Map
}

func newSSEHandler(engine *mcp.Engine, sessions *mcp.SessionStore, baseURL string, logger *zap.Logger) *sseHandler {
	return &sseHandler{
		engine:   engine,
		sessions: sessions,
		baseURL:  baseURL,
		logger:   logger,
	}
}

// handleStream opens the event stream for a fresh session.
//
// The first event is always `endpoint` with the submission URL; after
// that the stream carries `message` events and keep-alive comments
// until either side closes.
func (h *sseHandler) handleStream(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	sess := h.sessions.Create(mcp.TransportKindHTTP)
	sess.AttachStream()

	ctx, cancel := context.WithCancel(c.Request().Context())
	h.streams.Store(sess.ID, ctx)
	defer func() {
		h.streams.Delete(sess.ID)
		cancel()
		sess.DetachStream()
		h.sessions.Remove(sess.ID)
	}()

	endpoint := fmt.Sprintf("%s/messages?session_id=%s", h.baseURL, sess.ID)
	if err := writeEvent(res, "endpoint", endpoint); err != nil {
		return nil
	}

	h.logger.Info("event stream opened",
		zap.String("session_id", sess.ID),
	)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream closed",
				zap.String("session_id", sess.ID),
			)
			return nil

		case frame, ok := <-sess.Outbound():
			if !ok {
				// Session removed by store shutdown.
				return nil
			}
			if err := writeEvent(res, "message", string(frame)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := writeComment(res, "keep-alive"); err != nil {
				return nil
			}
		}
	}
}

// handleMessage accepts one JSON-RPC frame for an existing session.
//
// Responses are never returned on this path; they arrive as `message`
// events on the session's stream.
func (h *sseHandler) handleMessage(c echo.Context) error {
	sess, err := h.sessions.Get(c.QueryParam("session_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown_session"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSubmissionBytes+1))
	if err != nil || len(body) == 0 || len(body) > maxSubmissionBytes {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_frame"})
	}

	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// The session is identifiable, so the parse error also goes out
		// on its stream.
		_ = sess.Send(mcp.ParseErrorFrame())
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "parse_error"})
	}

	ctx := context.Background()
	if v, ok := h.streams.Load(sess.ID); ok {
		ctx = v.(context.Context)
	}

	go func() {
		resp := h.engine.Handle(ctx, sess, body)
		if resp == nil {
			return
		}
		if err := sess.Send(resp); err != nil {
			h.logger.Warn("dropping response for closed session",
				zap.String("session_id", sess.ID),
			)
		}
	}()

	if req.IsNotification() {
		return c.NoContent(http.StatusAccepted)
	}
	return c.NoContent(http.StatusOK)
}

// writeEvent emits one SSE event and flushes it.
func writeEvent(res *echo.Response, event, data string) error {
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// writeComment emits an SSE comment line, used for keep-alives.
func writeComment(res *echo.Response, comment string) error {
	if _, err := fmt.Fprintf(res, ": %s\n\n", comment); err != nil {
		return err
	}
	res.Flush()
	return nil
}
