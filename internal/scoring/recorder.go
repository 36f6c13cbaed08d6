// Package scoring records submitted answers and applies score deltas. The
// answer record itself is first-writer-wins at the store level; the
// cumulative score uses the store's atomic increment, so concurrent correct
// answers can never lose an update.
package scoring

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizbee-service/internal/domain"
	"quizbee-service/internal/store"
	"quizbee-service/internal/timer"
)

// QuestionSource resolves question content for correctness checks.
type QuestionSource interface {
	GetQuestion(ctx context.Context, quizID, questionID string) (domain.Question, error)
}

// Result is returned to the submitting participant.
type Result struct {
	IsCorrect  bool  `json:"isCorrect"`
	ScoreDelta int64 `json:"scoreDelta"`
	TotalScore int64 `json:"totalScore"`
}

// Recorder validates, normalizes, and persists one participant's answers.
// It keeps a local submitted flag per (question, participant) that is only
// set after the store acknowledged the write, so a failed submission stays
// retryable.
type Recorder struct {
	store     store.Store
	questions QuestionSource
	clock     clockwork.Clock

	mu        sync.Mutex
	submitted map[string]bool
}

func NewRecorder(st store.Store, questions QuestionSource) *Recorder {
	return NewRecorderWithClock(st, questions, clockwork.NewRealClock())
}

func NewRecorderWithClock(st store.Store, questions QuestionSource, clock clockwork.Clock) *Recorder {
	return &Recorder{
		store:     st,
		questions: questions,
		clock:     clock,
		submitted: make(map[string]bool),
	}
}

// Submit records rawAnswer for the participant. timerState gates
// acceptance: answers are only taken while the local countdown is running.
func (r *Recorder) Submit(ctx context.Context, quizID, questionID, participantID, rawAnswer string, timerState timer.State) (Result, error) {
	if timerState != timer.StateRunning {
		return Result{}, domain.ErrAnswersLocked
	}

	key := quizID + "/" + questionID + "/" + participantID
	r.mu.Lock()
	already := r.submitted[key]
	r.mu.Unlock()
	if already {
		return Result{}, domain.ErrAlreadyAnswered
	}

	question, err := r.questions.GetQuestion(ctx, quizID, questionID)
	if err != nil {
		return Result{}, err
	}

	normalized, err := Normalize(question, rawAnswer)
	if err != nil {
		return Result{}, err
	}
	correct := Evaluate(question, normalized)
	var delta int64
	if correct {
		delta = question.PointsValue()
	}

	answerPath := store.AnswerPath(quizID, questionID, participantID)
	if _, exists, err := r.store.Get(ctx, answerPath); err != nil {
		return Result{}, fmt.Errorf("check answer %s: %w", answerPath, err)
	} else if exists {
		// Another session of this participant got there first; adopt the
		// outcome locally so retries stop.
		r.markSubmitted(key)
		return Result{}, domain.ErrAlreadyAnswered
	}

	now := r.clock.Now().UnixMilli()
	record := domain.AnswerRecord{
		Answer:      normalized,
		IsCorrect:   correct,
		Score:       delta,
		SubmittedAt: now,
	}
	doc, err := store.Marshal(record)
	if err != nil {
		return Result{}, fmt.Errorf("encode answer %s: %w", answerPath, err)
	}
	if err := r.store.Set(ctx, answerPath, doc); err != nil {
		return Result{}, fmt.Errorf("write answer %s: %w", answerPath, err)
	}
	r.markSubmitted(key)

	participantPath := store.ParticipantPath(quizID, participantID)
	if err := r.store.Update(ctx, participantPath, store.Document{"lastAnswerAt": now}); err != nil {
		log.Warn().Err(err).Str("participant_id", participantID).Msg("lastAnswerAt update failed")
	}
	total, err := r.store.Increment(ctx, participantPath, "score", delta)
	if err != nil {
		return Result{}, fmt.Errorf("increment score %s: %w", participantPath, err)
	}

	return Result{IsCorrect: correct, ScoreDelta: delta, TotalScore: total}, nil
}

func (r *Recorder) markSubmitted(key string) {
	r.mu.Lock()
	r.submitted[key] = true
	r.mu.Unlock()
}

// Normalize converts a raw client answer into its canonical stored form:
// a 0-based option index for choice questions (accepting "A".."Z" letters or
// a numeric index), or a string for fill-in-blank.
func Normalize(q domain.Question, raw string) (any, error) {
	if q.Type == domain.QuestionFillInBlank {
		return raw, nil
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, domain.ErrInvalidAnswer
	}
	var index int
	if len(trimmed) == 1 && !isDigit(trimmed[0]) {
		upper := strings.ToUpper(trimmed)[0]
		if upper < 'A' || upper > 'Z' {
			return nil, domain.ErrInvalidAnswer
		}
		index = int(upper - 'A')
	} else {
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return nil, domain.ErrInvalidAnswer
		}
		index = parsed
	}
	if index < 0 || (len(q.Options) > 0 && index >= len(q.Options)) {
		return nil, domain.ErrInvalidAnswer
	}
	return index, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// Evaluate checks a normalized answer against the question's key.
func Evaluate(q domain.Question, normalized any) bool {
	switch q.Type {
	case domain.QuestionFillInBlank:
		answer, ok := normalized.(string)
		return ok && q.CheckFillIn(answer)
	case domain.QuestionMultipleAnswer:
		index, ok := normalized.(int)
		if !ok {
			return false
		}
		for _, correct := range q.CorrectOptions {
			if index == correct {
				return true
			}
		}
		return false
	default:
		index, ok := normalized.(int)
		return ok && index == q.CorrectOption
	}
}
