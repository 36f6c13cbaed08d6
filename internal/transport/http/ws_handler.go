// Package http exposes the quiz over WebSocket. Every connection is one
// client in the distributed sense: it runs its own countdown projector and
// recomputes the ranked leaderboard from store pushes, exactly like the
// host dashboard, a participant phone, or an audience screen would.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quizbee-service/internal/app"
	"quizbee-service/internal/domain"
	"quizbee-service/internal/store"
	"quizbee-service/internal/timer"
)

const (
	roleHost        = "host"
	roleParticipant = "participant"
	roleAudience    = "audience"
)

type WSHandler struct {
	service  *app.QuizService
	upgrader websocket.Upgrader

	tickInterval   time.Duration
	resyncInterval time.Duration
}

func NewWSHandler(service *app.QuizService) *WSHandler {
	return NewWSHandlerWithIntervals(service, 0, 0)
}

// NewWSHandlerWithIntervals overrides the projector tick and resync
// intervals; zero keeps the defaults.
func NewWSHandlerWithIntervals(service *app.QuizService, tick, resync time.Duration) *WSHandler {
	return &WSHandler{
		service:        service,
		tickInterval:   tick,
		resyncInterval: resync,
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

type timerControlPayload struct {
	QuestionID string `json:"questionId"`
	Seconds    int64  `json:"seconds"`
}

type answerPayload struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

type timerPayload struct {
	QuestionID string  `json:"questionId"`
	State      string  `json:"state"`
	TimeLeft   float64 `json:"timeLeft"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// wsClient holds the per-connection state: the send queue, the countdown
// projector for the current question, and the store subscriptions that feed
// leaderboard and question-change pushes.
type wsClient struct {
	handler       *WSHandler
	quizID        string
	role          string
	participantID string

	send chan outboundMessage[any]

	mu        sync.Mutex
	projector *timer.Projector
}

// ServeWS upgrades the request and wires the connection into the quiz.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	quizID := query.Get("quizId")
	role := query.Get("role")
	if role == "" {
		role = roleParticipant
	}
	name := query.Get("name")
	team := query.Get("team")
	participantID := query.Get("participantId")
	if quizID == "" {
		http.Error(w, "missing quizId", http.StatusBadRequest)
		return
	}
	if role == roleParticipant && name == "" && participantID == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	client := &wsClient{
		handler: h,
		quizID:  quizID,
		role:    role,
		send:    make(chan outboundMessage[any], 32),
	}

	if role == roleParticipant {
		participant, err := h.joinParticipant(ctx, quizID, participantID, name, team)
		if err != nil {
			_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		client.participantID = participant.ID
		client.enqueue(outboundMessage[any]{Type: "joined", Payload: participant})
	} else if _, err := h.service.GetQuiz(ctx, quizID); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range client.send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	st := h.service.Store()

	boardEvents, cancelBoard, err := st.Subscribe(ctx, store.ParticipantsPattern(quizID))
	if err != nil {
		client.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		close(client.send)
		<-writerDone
		return
	}
	defer cancelBoard()

	stateEvents, cancelState, err := st.Subscribe(ctx, store.StatePath(quizID))
	if err != nil {
		cancelBoard()
		client.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		close(client.send)
		<-writerDone
		return
	}
	defer cancelState()

	client.pushLeaderboard(ctx)
	client.startProjectorForCurrent(ctx)
	defer client.stopProjector()

	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		for {
			select {
			case _, ok := <-boardEvents:
				if !ok {
					return
				}
				client.pushLeaderboard(ctx)
			case _, ok := <-stateEvents:
				if !ok {
					return
				}
				// Question identity changed: the old projector and its
				// intervals must be fully torn down before the new one
				// starts.
				client.startProjectorForCurrent(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		client.handleMessage(ctx, inbound)
	}

	cancelCtx()
	cancelBoard()
	cancelState()
	<-pushDone
	client.stopProjector()
	close(client.send)
	<-writerDone
}

func (h *WSHandler) joinParticipant(ctx context.Context, quizID, participantID, name, team string) (domain.Participant, error) {
	if participantID != "" {
		return h.service.Rejoin(ctx, quizID, participantID, name, team)
	}
	return h.service.Join(ctx, quizID, name, team)
}

func (c *wsClient) handleMessage(ctx context.Context, inbound inboundMessage) {
	switch inbound.Type {
	case "answer":
		c.handleAnswer(ctx, inbound.Payload)
	case "startTimer":
		c.handleTimerControl(ctx, inbound.Payload, func(questionID string, seconds int64) error {
			return c.handler.service.StartTimer(ctx, c.quizID, questionID, seconds)
		})
	case "stopTimer":
		c.handleTimerControl(ctx, inbound.Payload, func(questionID string, _ int64) error {
			return c.handler.service.StopTimer(ctx, c.quizID, questionID)
		})
	case "resetTimer":
		c.handleTimerControl(ctx, inbound.Payload, func(questionID string, _ int64) error {
			return c.handler.service.ResetTimer(ctx, c.quizID, questionID)
		})
	case "clearTimers":
		if !c.requireHost() {
			return
		}
		if err := c.handler.service.ClearAllTimers(ctx, c.quizID); err != nil {
			c.sendError(err, true)
		}
	case "next":
		if !c.requireHost() {
			return
		}
		if _, err := c.handler.service.AdvanceToNextQuestion(ctx, c.quizID); err != nil {
			c.sendError(err, true)
		}
	case "wake":
		// Client-side foreground-visibility or network-online transition:
		// force an immediate authoritative resync.
		c.mu.Lock()
		if c.projector != nil {
			c.projector.Wake()
		}
		c.mu.Unlock()
	default:
		c.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
	}
}

func (c *wsClient) handleAnswer(ctx context.Context, raw json.RawMessage) {
	if c.role != roleParticipant {
		c.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "only participants can answer"}})
		return
	}
	var payload answerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
		return
	}

	c.mu.Lock()
	state := timer.StateUnsynced
	if c.projector != nil && c.projector.Snapshot().QuestionID == payload.QuestionID {
		state = c.projector.State()
	}
	c.mu.Unlock()

	result, err := c.handler.service.SubmitAnswer(ctx, c.quizID, payload.QuestionID, c.participantID, payload.Answer, state)
	if err != nil {
		c.sendError(err, true)
		return
	}
	c.enqueue(outboundMessage[any]{Type: "answerResult", Payload: result})
}

func (c *wsClient) handleTimerControl(ctx context.Context, raw json.RawMessage, control func(questionID string, seconds int64) error) {
	if !c.requireHost() {
		return
	}
	var payload timerControlPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid timer payload"}})
			return
		}
	}
	questionID := payload.QuestionID
	if questionID == "" {
		question, _, err := c.handler.service.CurrentQuestion(ctx, c.quizID)
		if err != nil {
			c.sendError(err, true)
			return
		}
		questionID = question.ID
	}
	if err := control(questionID, payload.Seconds); err != nil {
		c.sendError(err, true)
	}
}

func (c *wsClient) requireHost() bool {
	if c.role == roleHost {
		return true
	}
	c.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "host-only operation"}})
	return false
}

// startProjectorForCurrent replaces the connection's projector with one for
// the quiz's current question. Close blocks until the old tick and resync
// loops have fully stopped, so no stale OnTimeUp can fire into the new
// question.
func (c *wsClient) startProjectorForCurrent(ctx context.Context) {
	question, _, err := c.handler.service.CurrentQuestion(ctx, c.quizID)
	if err != nil {
		c.sendError(err, true)
		return
	}

	c.mu.Lock()
	if c.projector != nil && c.projector.Snapshot().QuestionID == question.ID {
		c.mu.Unlock()
		return
	}
	old := c.projector
	c.projector = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	questionID := question.ID
	projector := timer.NewProjector(c.handler.service.Store(), c.quizID, questionID, timer.Options{
		TickInterval:   c.handler.tickInterval,
		ResyncInterval: c.handler.resyncInterval,
		FullDuration:   question.DurationSec,
		OnTick: func(snap timer.Snapshot) {
			c.enqueue(outboundMessage[any]{Type: "timer", Payload: timerPayload{
				QuestionID: snap.QuestionID,
				State:      snap.State.String(),
				TimeLeft:   snap.TimeLeft,
			}})
		},
		OnTimeUp: func() {
			c.enqueue(outboundMessage[any]{Type: "timeUp", Payload: timerPayload{QuestionID: questionID}})
		},
	})
	if err := projector.Run(ctx); err != nil {
		c.sendError(err, true)
		return
	}

	c.mu.Lock()
	c.projector = projector
	c.mu.Unlock()

	c.enqueue(outboundMessage[any]{Type: "question", Payload: publicQuestion(question)})
}

func (c *wsClient) stopProjector() {
	c.mu.Lock()
	projector := c.projector
	c.projector = nil
	c.mu.Unlock()
	if projector != nil {
		projector.Close()
	}
}

func (c *wsClient) pushLeaderboard(ctx context.Context) {
	board, err := c.handler.service.Leaderboard(ctx, c.quizID)
	if err != nil {
		log.Debug().Err(err).Str("quiz_id", c.quizID).Msg("leaderboard compute failed")
		return
	}
	c.enqueue(outboundMessage[any]{Type: "leaderboard", Payload: board})

	teams, err := c.handler.service.TeamLeaderboard(ctx, c.quizID)
	if err != nil {
		return
	}
	if len(teams) > 0 {
		c.enqueue(outboundMessage[any]{Type: "teams", Payload: teams})
	}
}

func (c *wsClient) sendError(err error, retryable bool) {
	c.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error(), Retryable: retryable}})
}

// enqueue never blocks the caller: when the socket cannot keep up, the
// oldest pending message is dropped in favor of the new one, since every
// push is a snapshot superseded by the next.
func (c *wsClient) enqueue(msg outboundMessage[any]) {
	defer func() {
		// The send channel closes when the connection tears down; pushes
		// racing that close are safe to drop.
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// publicQuestion strips the answer key before a question document goes to
// clients. Malformed content degrades to an empty option list rather than
// failing the push.
func publicQuestion(q any) map[string]any {
	raw, err := json.Marshal(q)
	if err != nil {
		return map[string]any{"options": []string{}}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{"options": []string{}}
	}
	delete(doc, "correctOption")
	delete(doc, "correctOptions")
	delete(doc, "correctText")
	if _, ok := doc["options"]; !ok {
		doc["options"] = []string{}
	}
	return doc
}
