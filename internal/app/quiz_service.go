// Package app wires the timer, scoring, and ranking cores into the use
// cases the transport layer exposes to hosts, participants, and audience
// displays.
package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizbee-service/internal/domain"
	"quizbee-service/internal/ranking"
	"quizbee-service/internal/scoring"
	"quizbee-service/internal/store"
	"quizbee-service/internal/timer"
)

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizService contains the core quiz use cases.
type QuizService struct {
	store    store.Store
	quizzes  QuizRepository
	anchors  *timer.AnchorManager
	recorder *scoring.Recorder
	clock    clockwork.Clock
}

func NewQuizService(st store.Store, quizzes QuizRepository) *QuizService {
	return NewQuizServiceWithClock(st, quizzes, clockwork.NewRealClock())
}

// NewQuizServiceWithClock allows deterministic timestamps in tests.
func NewQuizServiceWithClock(st store.Store, quizzes QuizRepository, clock clockwork.Clock) *QuizService {
	s := &QuizService{
		store:   st,
		quizzes: quizzes,
		anchors: timer.NewAnchorManagerWithClock(st, clock),
		clock:   clock,
	}
	s.recorder = scoring.NewRecorderWithClock(st, questionSource{s}, clock)
	return s
}

// Store exposes the underlying realtime store for transport-level
// subscriptions (leaderboard and state watches).
func (s *QuizService) Store() store.Store {
	return s.store
}

// GetQuiz loads quiz content through the repository cache.
func (s *QuizService) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	return s.quizzes.GetQuiz(ctx, quizID)
}

// Join registers a new participant under a store-generated key. Users
// cannot join unknown quizzes.
func (s *QuizService) Join(ctx context.Context, quizID, name, team string) (domain.Participant, error) {
	if _, err := s.quizzes.GetQuiz(ctx, quizID); err != nil {
		return domain.Participant{}, err
	}
	participant := domain.Participant{
		ID:       uuid.NewString(),
		Name:     name,
		Team:     team,
		JoinedAt: s.clock.Now().UnixMilli(),
	}
	doc, err := store.Marshal(participant)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("encode participant: %w", err)
	}
	if err := s.store.Set(ctx, store.ParticipantPath(quizID, participant.ID), doc); err != nil {
		return domain.Participant{}, fmt.Errorf("join quiz %s: %w", quizID, err)
	}
	return participant, nil
}

// Rejoin refreshes an existing participant's identity on reconnect. A
// non-empty stored name or team is never overwritten with a placeholder;
// only the owning session calls this for its own record.
func (s *QuizService) Rejoin(ctx context.Context, quizID, participantID, name, team string) (domain.Participant, error) {
	path := store.ParticipantPath(quizID, participantID)
	doc, ok, err := s.store.Get(ctx, path)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("rejoin quiz %s: %w", quizID, err)
	}
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	current := participantFromDoc(participantID, doc)

	partial := store.Document{}
	if name != "" && name != current.Name {
		partial["name"] = name
		current.Name = name
	}
	if team != "" && team != current.Team {
		partial["team"] = team
		current.Team = team
	}
	if len(partial) > 0 {
		if err := s.store.Update(ctx, path, partial); err != nil {
			return domain.Participant{}, fmt.Errorf("rejoin quiz %s: %w", quizID, err)
		}
	}
	return current, nil
}

// Participants reads the live participant set.
func (s *QuizService) Participants(ctx context.Context, quizID string) ([]domain.Participant, error) {
	docs, err := s.store.List(ctx, store.ParticipantsPattern(quizID))
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", quizID, err)
	}
	participants := make([]domain.Participant, 0, len(docs))
	for id, doc := range docs {
		participants = append(participants, participantFromDoc(id, doc))
	}
	// Stable input order for the ranking engine: join order, then ID.
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt != participants[j].JoinedAt {
			return participants[i].JoinedAt < participants[j].JoinedAt
		}
		return participants[i].ID < participants[j].ID
	})
	return participants, nil
}

// SubmitAnswer records an answer through the scoring recorder. timerState
// is the submitting client's local countdown state.
func (s *QuizService) SubmitAnswer(ctx context.Context, quizID, questionID, participantID, rawAnswer string, timerState timer.State) (scoring.Result, error) {
	if _, ok, err := s.store.Get(ctx, store.ParticipantPath(quizID, participantID)); err != nil {
		return scoring.Result{}, fmt.Errorf("submit answer: %w", err)
	} else if !ok {
		return scoring.Result{}, domain.ErrParticipantNotFound
	}
	return s.recorder.Submit(ctx, quizID, questionID, participantID, rawAnswer, timerState)
}

// StartTimer begins a countdown. seconds <= 0 falls back to the question's
// own duration. Host-only.
func (s *QuizService) StartTimer(ctx context.Context, quizID, questionID string, seconds int64) error {
	if seconds <= 0 {
		question, err := s.question(ctx, quizID, questionID)
		if err != nil {
			return err
		}
		seconds = question.DurationSec
	}
	return s.anchors.Start(ctx, quizID, questionID, seconds)
}

// StopTimer pauses a countdown, preserving remaining time. Host-only.
func (s *QuizService) StopTimer(ctx context.Context, quizID, questionID string) error {
	return s.anchors.Stop(ctx, quizID, questionID)
}

// ResetTimer force-clears a countdown. Host-only recovery action.
func (s *QuizService) ResetTimer(ctx context.Context, quizID, questionID string) error {
	return s.anchors.Reset(ctx, quizID, questionID)
}

// ClearAllTimers drops every timer for the quiz. Destructive recovery.
func (s *QuizService) ClearAllTimers(ctx context.Context, quizID string) error {
	return s.anchors.ClearAll(ctx, quizID)
}

// AdvanceToNextQuestion moves the shared current-question index forward and
// returns the new index. It never advances past the last question.
func (s *QuizService) AdvanceToNextQuestion(ctx context.Context, quizID string) (int, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return 0, err
	}
	statePath := store.StatePath(quizID)
	doc, ok, err := s.store.Get(ctx, statePath)
	if err != nil {
		return 0, fmt.Errorf("read quiz state %s: %w", quizID, err)
	}
	// A quiz with no state doc is implicitly positioned at question 0.
	var current int64
	if ok {
		current, _ = store.Int64(doc, "currentQuestion")
	}
	index := int(current) + 1
	if last := len(quiz.Questions) - 1; index > last {
		index = last
	}
	if index < 0 {
		index = 0
	}
	next := domain.QuizState{CurrentQuestion: index, UpdatedAt: s.clock.Now().UnixMilli()}
	stateDoc, err := store.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encode quiz state: %w", err)
	}
	if err := s.store.Set(ctx, statePath, stateDoc); err != nil {
		return 0, fmt.Errorf("advance quiz %s: %w", quizID, err)
	}
	log.Info().Str("quiz_id", quizID).Int("question_index", index).Msg("advanced to next question")
	return index, nil
}

// CurrentQuestion resolves the question the quiz is positioned at.
func (s *QuizService) CurrentQuestion(ctx context.Context, quizID string) (domain.Question, int, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Question{}, 0, err
	}
	if len(quiz.Questions) == 0 {
		return domain.Question{}, 0, domain.ErrQuestionNotFound
	}
	index := 0
	if doc, ok, err := s.store.Get(ctx, store.StatePath(quizID)); err != nil {
		return domain.Question{}, 0, fmt.Errorf("read quiz state %s: %w", quizID, err)
	} else if ok {
		current, _ := store.Int64(doc, "currentQuestion")
		index = int(current)
	}
	if index < 0 || index >= len(quiz.Questions) {
		index = 0
	}
	return quiz.Questions[index], index, nil
}

// Leaderboard ranks the live participant set using the tie-breaker answer
// log. Safe to call on every render; empty quizzes yield empty boards.
func (s *QuizService) Leaderboard(ctx context.Context, quizID string) ([]domain.RankedParticipant, error) {
	participants, err := s.Participants(ctx, quizID)
	if err != nil {
		return nil, err
	}
	answerLog, err := s.tieBreakerLog(ctx, quizID)
	if err != nil {
		return nil, err
	}
	return ranking.Rank(participants, answerLog), nil
}

// TeamLeaderboard aggregates the participant set by team.
func (s *QuizService) TeamLeaderboard(ctx context.Context, quizID string) ([]domain.TeamStanding, error) {
	participants, err := s.Participants(ctx, quizID)
	if err != nil {
		return nil, err
	}
	return ranking.TeamStandings(participants), nil
}

// tieBreakerLog collects {participant, timestamp} pairs from answers that
// earned points on tie-breaker questions.
func (s *QuizService) tieBreakerLog(ctx context.Context, quizID string) (ranking.AnswerLog, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	answerLog := make(ranking.AnswerLog)
	for _, question := range quiz.Questions {
		if !question.IsTieBreaker() {
			continue
		}
		docs, err := s.store.List(ctx, store.AnswersPattern(quizID, question.ID))
		if err != nil {
			return nil, fmt.Errorf("list answers %s/%s: %w", quizID, question.ID, err)
		}
		for participantID, doc := range docs {
			earned, _ := store.Int64(doc, "score")
			if earned <= 0 {
				continue
			}
			submittedAt, _ := store.Int64(doc, "submittedAt")
			answerLog[question.ID] = append(answerLog[question.ID], domain.TieBreakerEntry{
				ParticipantID: participantID,
				Timestamp:     submittedAt,
			})
		}
	}
	return answerLog, nil
}

func (s *QuizService) question(ctx context.Context, quizID, questionID string) (domain.Question, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Question{}, err
	}
	question, ok := quiz.Question(questionID)
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return question, nil
}

// questionSource adapts the service for the scoring recorder.
type questionSource struct {
	s *QuizService
}

func (qs questionSource) GetQuestion(ctx context.Context, quizID, questionID string) (domain.Question, error) {
	return qs.s.question(ctx, quizID, questionID)
}

func participantFromDoc(id string, doc store.Document) domain.Participant {
	var p domain.Participant
	if name, ok := doc["name"].(string); ok {
		p.Name = name
	}
	if team, ok := doc["team"].(string); ok {
		p.Team = team
	}
	p.Score, _ = store.Int64(doc, "score")
	p.JoinedAt, _ = store.Int64(doc, "joinedAt")
	p.LastAnswerAt, _ = store.Int64(doc, "lastAnswerAt")
	p.ID = id
	return p
}
