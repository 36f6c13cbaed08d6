package domain

import (
	"strings"
	"time"
)

// QuestionType discriminates how an answer is normalized and checked.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionMultipleAnswer QuestionType = "multiple-answer"
	QuestionFillInBlank    QuestionType = "fill-in-blank"
)

// DifficultyTieBreaker marks questions whose correct-answer order resolves score ties.
const DifficultyTieBreaker = "tie-breaker"

const (
	// DefaultPoints is awarded for a correct answer when the question carries no explicit value.
	DefaultPoints = 1000
	// TieBreakerPoints is the default award for tie-breaker questions.
	TieBreakerPoints = 500
)

// QuestionTimer is the anchor record all clients derive their countdown from.
// While active, the remaining time at wall clock t is
// max(0, Duration - (t - StartTime)/1000). On pause, Duration is overwritten
// with the computed remaining value so a resume starts a fresh StartTime
// without losing time.
type QuestionTimer struct {
	IsActive  bool  `json:"isActive"`
	StartTime int64 `json:"startTime"` // epoch ms the current active interval began
	Duration  int64 `json:"duration"`  // seconds remaining at StartTime
	PausedAt  int64 `json:"pausedAt,omitempty"`
}

// Remaining returns the seconds left at t, fractional for sub-second
// rendering. Inactive anchors report Duration verbatim.
func (qt QuestionTimer) Remaining(t time.Time) float64 {
	if !qt.IsActive {
		return float64(qt.Duration)
	}
	elapsed := float64(t.UnixMilli()-qt.StartTime) / 1000.0
	remaining := float64(qt.Duration) - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Participant is one scoreboard entry, owned by the joining client.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Team         string `json:"team,omitempty"`
	Score        int64  `json:"score"`
	JoinedAt     int64  `json:"joinedAt"`
	LastAnswerAt int64  `json:"lastAnswerAt,omitempty"`
}

// AnswerRecord is the stored outcome of one submission. At most one record
// exists per (question, participant); the first writer wins.
type AnswerRecord struct {
	Answer      any   `json:"answer"` // option index for choice questions, string for fill-in
	IsCorrect   bool  `json:"isCorrect"`
	Score       int64 `json:"score"`
	SubmittedAt int64 `json:"submittedAt"`
}

// TieBreakerEntry is derived from correct answers to tie-breaker questions.
type TieBreakerEntry struct {
	ParticipantID string
	Timestamp     int64
}

// RankedParticipant augments a participant with its computed ordering.
// TieBreakerRank is 0 when the participant has no correct tie-breaker answer.
type RankedParticipant struct {
	Participant
	TieBreakerRank int `json:"tieBreakerRank,omitempty"`
	DisplayRank    int `json:"displayRank"`
}

// TeamStanding aggregates member scores. Team-level ties share a rank and
// are not broken further.
type TeamStanding struct {
	Team         string `json:"team"`
	TotalScore   int64  `json:"totalScore"`
	AverageScore int64  `json:"averageScore"`
	MemberCount  int    `json:"memberCount"`
	DisplayRank  int    `json:"displayRank"`
}

// QuizState tracks which question the host has advanced to.
type QuizState struct {
	CurrentQuestion int   `json:"currentQuestion"`
	UpdatedAt       int64 `json:"updatedAt,omitempty"`
}

// Question models quiz content. CorrectOption applies to multiple-choice,
// CorrectOptions to multiple-answer, CorrectText to fill-in-blank.
type Question struct {
	ID             string       `json:"id"`
	Text           string       `json:"text"`
	Type           QuestionType `json:"type"`
	Options        []string     `json:"options,omitempty"`
	CorrectOption  int          `json:"correctOption"`
	CorrectOptions []int        `json:"correctOptions,omitempty"`
	CorrectText    string       `json:"correctText,omitempty"`
	Points         int64        `json:"points,omitempty"`
	Difficulty     string       `json:"difficulty,omitempty"`
	DurationSec    int64        `json:"duration"`
}

// IsTieBreaker reports whether correct answers to this question feed the
// tie-break ordering.
func (q Question) IsTieBreaker() bool {
	return q.Difficulty == DifficultyTieBreaker
}

// PointsValue resolves the award for a correct answer, applying defaults.
func (q Question) PointsValue() int64 {
	if q.Points > 0 {
		return q.Points
	}
	if q.IsTieBreaker() {
		return TieBreakerPoints
	}
	return DefaultPoints
}

// CheckFillIn compares a fill-in answer case-insensitively with surrounding
// whitespace trimmed.
func (q Question) CheckFillIn(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.CorrectText))
}

// Quiz is a collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Question finds a question by ID.
func (q Quiz) Question(questionID string) (Question, bool) {
	for i := range q.Questions {
		if q.Questions[i].ID == questionID {
			return q.Questions[i], true
		}
	}
	return Question{}, false
}
