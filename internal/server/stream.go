package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StreamFrame is one server-to-client websocket message.
type StreamFrame struct {
	// Type is "partial", "final" or "error".
	Type string `json:"type"`
	// Text is the cumulative answer of a partial frame.
	Text string `json:"text,omitempty"`
	// AskResponse is set on the final frame.
	*AskResponse
	Error string `json:"error,omitempty"`
}

// handleAskStream upgrades to a websocket, reads one AskRequest and streams
// the answer. Partial frames carry the cumulative text and are sent at most
// once per streamInterval; the final frame always follows. Closing the
// socket cancels generation.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req AskRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("WebSocket read error", zap.Error(err))
		return
	}
	if err := req.validate(); err != nil {
		_ = conn.WriteJSON(StreamFrame{Type: "error", Error: err.Error()})
		return
	}
	if s.limiter != nil {
		if res, err := s.limiter.Allow(r.Context(), req.TenantID, req.AskerID); err == nil && res != nil && !res.Allowed {
			_ = conn.WriteJSON(StreamFrame{Type: "error", Error: "rate limit exceeded"})
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing after the request; any read result means it
	// went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var (
		writeMu sync.Mutex
		last    string
	)
	write := func(frame StreamFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(frame)
	}

	throttle := &rate.Sometimes{Interval: s.streamInterval}
	onChunk := func(partial string) {
		last = partial
		throttle.Do(func() {
			if err := write(StreamFrame{Type: "partial", Text: partial}); err != nil {
				cancel()
			}
		})
	}

	res, err := s.svc.AnswerThread(ctx, req.EventID, toAnswerRequest(req), onChunk)
	if err != nil {
		_, msg := answerError(err)
		_ = write(StreamFrame{Type: "error", Error: msg})
		return
	}

	qid := s.record(ctx, req, res)
	if ctx.Err() != nil {
		s.logger.Info("Stream client left before the final answer",
			zap.String("tenant_id", req.TenantID),
			zap.Int("partial_chars", len(last)))
		return
	}
	if err := write(StreamFrame{Type: "final", AskResponse: &AskResponse{QuestionID: qid, Result: res}}); err != nil {
		s.logger.Debug("WebSocket write error", zap.Error(err))
		return
	}

	writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	writeMu.Unlock()
}
