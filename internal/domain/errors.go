package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in quiz")
	// ErrAlreadyAnswered is returned when a second submission is attempted
	// for the same (question, participant) pair.
	ErrAlreadyAnswered = errors.New("answer already submitted")
	// ErrAnswersLocked is returned when the local countdown is not running.
	ErrAnswersLocked = errors.New("answers are locked")
	// ErrInvalidAnswer indicates the raw answer could not be normalized.
	ErrInvalidAnswer = errors.New("invalid answer")
)
