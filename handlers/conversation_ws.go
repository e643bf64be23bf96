package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/relay"
	"go.uber.org/zap"
)

// WebSocketConfig tunes the conversation socket
type WebSocketConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string // empty means same host only
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	return c
}

// pongWait is how long the peer may stay silent; it spans two pings
func (c WebSocketConfig) pongWait() time.Duration {
	return 2 * c.PingInterval
}

func (c WebSocketConfig) checkOrigin() func(*http.Request) bool {
	if len(c.AllowedOrigins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range c.AllowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
}

// Socket frame types
const (
	FramePrompt = "prompt"
	FrameChunk  = "chunk"
	FrameDone   = "done"
	FrameError  = "error"
)

// InboundFrame is a message from the client
type InboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// OutboundFrame is a message to the client. Error frames carry the
// StreamError fields inline.
type OutboundFrame struct {
	Type         string     `json:"type"`
	Text         string     `json:"text,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	MessageID    *uuid.UUID `json:"message_id,omitempty"`
	*StreamError
}

func errorFrame(se StreamError) OutboundFrame {
	return OutboundFrame{Type: FrameError, StreamError: &se}
}

// HandleWebSocket handles GET /api/v1/conversations/{id}/ws. Each prompt
// frame is charged against the caller's quota, answered with chunk frames
// and closed by one done or error frame. Both sides of the exchange are
// stored in the conversation.
func (h *ConversationHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := middleware.GetIdentityFromContext(ctx)
	if !ok {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}
	id, err := conversationID(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if _, err := h.conversations.Get(ctx, identity, id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.ws.checkOrigin(),
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		handler:      h,
		conn:         conn,
		identity:     identity,
		conversation: id,
		send:         make(chan OutboundFrame, 16),
		prompts:      make(chan string, 1),
		done:         make(chan struct{}),
		logger: h.logger.With(
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("user_id", identity.String()),
			zap.String("conversation_id", id.String())),
	}

	c.logger.Info("websocket connected")
	c.run(ctx)
	c.logger.Info("websocket disconnected")
}

// wsClient is one socket. readPump owns reads, writePump owns writes and
// turns runs one prompt at a time. busy is set when readPump accepts a
// prompt and cleared just before that prompt's done or error frame is
// queued, so a prompt is refused exactly while a reply is outstanding.
type wsClient struct {
	handler      *ConversationHandler
	conn         *websocket.Conn
	identity     uuid.UUID
	conversation uuid.UUID
	send         chan OutboundFrame
	prompts      chan string
	busy         atomic.Bool
	done         chan struct{}
	doneOnce     sync.Once
	logger       *zap.Logger
}

func (c *wsClient) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.turns(ctx)
	}()

	c.readPump()
	c.shutdown()
	cancel()
	wg.Wait()
}

// shutdown signals every goroutine of the client to stop. Safe to call
// more than once.
func (c *wsClient) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// enqueue hands a frame to the writer, blocking while the writer is behind.
// It reports false once the client is shutting down.
func (c *wsClient) enqueue(f OutboundFrame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) readPump() {
	ws := c.handler.ws
	c.conn.SetReadLimit(ws.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ws.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ws.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ws.pongWait()))

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(errorFrame(StreamError{Error: "bad_request", Message: "frame must be a JSON object"}))
			continue
		}

		switch frame.Type {
		case FramePrompt:
			if strings.TrimSpace(frame.Content) == "" {
				c.enqueue(errorFrame(NewStreamError(services.ErrEmptyPrompt, c.logger)))
				continue
			}
			if !c.busy.CompareAndSwap(false, true) {
				c.enqueue(errorFrame(StreamError{Error: "busy", Message: "A reply is still streaming"}))
				continue
			}
			select {
			case c.prompts <- frame.Content:
			case <-c.done:
				return
			}
		default:
			c.enqueue(errorFrame(StreamError{Error: "bad_request", Message: "unknown frame type"}))
		}
	}
}

func (c *wsClient) writePump() {
	ws := c.handler.ws
	ticker := time.NewTicker(ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ws.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ws.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.shutdown()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ws.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsClient) turns(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case prompt := <-c.prompts:
			if f, ok := c.turn(ctx, prompt); ok {
				c.busy.Store(false)
				c.enqueue(f)
			}
		}
	}
}

// turn answers one prompt, streaming chunk frames itself and returning the
// terminal frame. ok is false when the client went away mid-reply.
func (c *wsClient) turn(ctx context.Context, prompt string) (OutboundFrame, bool) {
	h := c.handler

	decision := h.limiter.Admit(c.identity.String())
	if !decision.Allowed {
		return errorFrame(NewStreamError(services.NewRateLimitError(decision.RetryAfter), c.logger)), true
	}

	history, err := h.conversations.History(ctx, c.conversation)
	if err != nil {
		return errorFrame(NewStreamError(err, c.logger)), true
	}
	messages := append(history, providers.Message{Role: providers.RoleUser, Content: prompt})

	session, err := h.relay.OpenChat(ctx, c.identity, messages)
	if err != nil {
		return errorFrame(NewStreamError(err, c.logger)), true
	}
	defer session.Close()

	if _, err := h.conversations.Append(ctx, c.conversation, models.RoleUser, prompt); err != nil {
		return errorFrame(NewStreamError(err, c.logger)), true
	}

	var reply strings.Builder
	for ev := range session.Events() {
		switch ev.Type {
		case relay.EventChunk:
			reply.WriteString(ev.Text)
			if !c.enqueue(OutboundFrame{Type: FrameChunk, Text: ev.Text}) {
				return OutboundFrame{}, false
			}

		case relay.EventDone:
			msg, err := h.conversations.Append(ctx, c.conversation, models.RoleAssistant, reply.String())
			if err != nil {
				return errorFrame(NewStreamError(err, c.logger)), true
			}
			return OutboundFrame{Type: FrameDone, FinishReason: ev.FinishReason, MessageID: &msg.ID}, true

		case relay.EventError:
			return errorFrame(NewStreamError(ev.Err, c.logger)), true
		}
	}
	return OutboundFrame{}, false
}
