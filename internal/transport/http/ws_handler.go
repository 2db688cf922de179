package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"exam-session-service/internal/app"
	"exam-session-service/internal/domain"
	"exam-session-service/internal/validator"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSHandler exposes one exam-taking instance over websockets. Every
// connection sees the shared timer and draft changes, whichever instance
// made them.
type WSHandler struct {
	timer    *app.SessionTimer
	drafts   *app.DraftStore
	gate     *app.SubmissionGate
	attempts *app.Attempts
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(timer *app.SessionTimer, drafts *app.DraftStore, gate *app.SubmissionGate, attempts *app.Attempts, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		timer:    timer,
		drafts:   drafts,
		gate:     gate,
		attempts: attempts,
		log:      log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type beginPayload struct {
	ExamID       string `json:"examId" validate:"required"`
	AssignmentID string `json:"assignmentId"`
}

type answerPayload struct {
	ExamID  string         `json:"examId" validate:"required"`
	Module  string         `json:"module" validate:"required,oneof=reading writing audio listening"`
	Answers domain.Answers `json:"answers" validate:"required"`
}

type examPayload struct {
	ExamID string `json:"examId" validate:"required"`
}

type confirmPayload struct {
	Accept bool `json:"accept"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type draftMessage struct {
	ExamID string                           `json:"examId"`
	Levels map[domain.Module]domain.Answers `json:"levels"`
}

type savedMessage struct {
	ExamID  string        `json:"examId"`
	Module  domain.Module `json:"module"`
	SavedAt time.Time     `json:"savedAt"`
}

type confirmRequest struct {
	Prompt string `json:"prompt"`
}

type errorPayload struct {
	Code    domain.ErrCode    `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// conn is the per-connection state shared by the reader and its helpers.
type conn struct {
	ctx      context.Context
	send     chan outboundMessage[any]
	closing  chan struct{}
	confirms chan bool
	wg       sync.WaitGroup

	mu     sync.Mutex
	examID string // exam whose drafts are followed
}

// emit queues msg unless the connection is closing.
func (c *conn) emit(typ string, payload any) bool {
	select {
	case c.send <- outboundMessage[any]{Type: typ, Payload: payload}:
		return true
	case <-c.closing:
		return false
	}
}

func (c *conn) follow(examID string) {
	c.mu.Lock()
	c.examID = examID
	c.mu.Unlock()
}

func (c *conn) following() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.examID
}

// Confirm sends a confirmRequest and waits for the matching confirm message.
func (c *conn) Confirm(ctx context.Context, prompt string) (bool, error) {
	// Drop an answer to an earlier prompt.
	select {
	case <-c.confirms:
	default:
	}
	if !c.emit("confirmRequest", confirmRequest{Prompt: prompt}) {
		return false, context.Canceled
	}
	select {
	case accept := <-c.confirms:
		return accept, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ServeWS upgrades HTTP requests to websockets and wires them into the exam use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer ws.Close()

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	c := &conn{
		ctx:      ctx,
		send:     make(chan outboundMessage[any], 16),
		closing:  make(chan struct{}),
		confirms: make(chan bool, 1),
		examID:   r.URL.Query().Get("examId"),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ws, c.send, cancelCtx)
	}()

	updates, unsubscribe := h.timer.Subscribe()
	defer unsubscribe()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case state, ok := <-updates:
				if !ok || !c.emit("timer", state) {
					return
				}
			case <-c.closing:
				return
			}
		}
	}()

	if changes, unwatch, err := h.drafts.Watch(ctx); err != nil {
		h.log.Warn().Err(err).Msg("draft watch unavailable")
	} else {
		defer unwatch()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case examID, ok := <-changes:
					if !ok {
						return
					}
					if examID == c.following() {
						h.sendDraft(c, examID)
					}
				case <-c.closing:
					return
				}
			}
		}()
	}

	if examID := c.following(); examID != "" {
		h.sendDraft(c, examID)
	}

	for {
		var inbound inboundMessage
		if err := ws.ReadJSON(&inbound); err != nil {
			break
		}
		h.dispatch(c, inbound)
	}

	cancelCtx()
	close(c.closing)
	c.wg.Wait()
	close(c.send)
	<-writerDone
}

// jsonConn is the part of a websocket connection the writer uses.
type jsonConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// writeLoop sends queued messages until send is closed. After a write error
// it closes the connection, which ends the read loop, and keeps draining
// send so producers never block on a dead peer.
func (h *WSHandler) writeLoop(ws jsonConn, send <-chan outboundMessage[any], onError func()) {
	failed := false
	for msg := range send {
		if failed {
			continue
		}
		if err := ws.WriteJSON(msg); err != nil {
			h.log.Debug().Err(err).Msg("ws write error")
			failed = true
			onError()
			_ = ws.Close()
		}
	}
}

func (h *WSHandler) dispatch(c *conn, inbound inboundMessage) {
	switch inbound.Type {
	case "begin":
		var p beginPayload
		if !h.decode(c, inbound.Payload, &p) {
			return
		}
		c.follow(p.ExamID)
		state, err := h.attempts.Begin(c.ctx, p.ExamID, p.AssignmentID)
		if err != nil {
			h.sendError(c, err)
			return
		}
		c.emit("timer", state)
		h.sendDraft(c, p.ExamID)
	case "answer", "saveProgress":
		var p answerPayload
		if !h.decode(c, inbound.Payload, &p) {
			return
		}
		module, err := domain.ParseModule(p.Module)
		if err != nil {
			h.sendError(c, err)
			return
		}
		c.follow(p.ExamID)
		if inbound.Type == "answer" {
			if err := h.drafts.MergeModule(c.ctx, p.ExamID, module, p.Answers); err != nil {
				h.sendError(c, err)
			}
			return
		}
		savedAt, err := h.drafts.SaveProgress(c.ctx, p.ExamID, module, p.Answers)
		if err != nil {
			h.sendError(c, err)
			return
		}
		c.emit("saved", savedMessage{ExamID: p.ExamID, Module: module, SavedAt: savedAt})
	case "load":
		var p examPayload
		if !h.decode(c, inbound.Payload, &p) {
			return
		}
		c.follow(p.ExamID)
		h.sendDraft(c, p.ExamID)
	case "submit":
		var p examPayload
		if !h.decode(c, inbound.Payload, &p) {
			return
		}
		// Confirmation arrives through this read loop, so the submit cannot block it.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			summary, err := h.gate.Submit(c.ctx, p.ExamID, c)
			if err != nil {
				h.sendError(c, err)
				return
			}
			c.emit("submitted", summary)
		}()
	case "confirm":
		var p confirmPayload
		if !h.decode(c, inbound.Payload, &p) {
			return
		}
		select {
		case c.confirms <- p.Accept:
		default:
		}
	case "stop":
		if err := h.attempts.Logout(c.ctx); err != nil {
			h.sendError(c, err)
		}
	default:
		c.emit("error", errorPayload{Code: domain.CodeInvalidRequest, Message: "unsupported message type"})
	}
}

func (h *WSHandler) decode(c *conn, raw json.RawMessage, dst any) bool {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.emit("error", errorPayload{Code: domain.CodeInvalidRequest, Message: "invalid payload"})
		return false
	}
	if err := validator.Struct(dst); err != nil {
		c.emit("error", errorPayload{
			Code:    domain.CodeInvalidRequest,
			Message: "invalid payload",
			Fields:  validator.TranslateErrors(err),
		})
		return false
	}
	return true
}

func (h *WSHandler) sendDraft(c *conn, examID string) {
	bundle, err := h.drafts.Load(c.ctx, examID)
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.emit("draft", draftMessage{ExamID: examID, Levels: bundle.Modules})
}

func (h *WSHandler) sendError(c *conn, err error) {
	code := domain.Code(err)
	if code == domain.CodeInternal {
		h.log.Error().Err(err).Msg("ws request failed")
	}
	c.emit("error", errorPayload{Code: code, Message: domain.UserMessage(err)})
}
