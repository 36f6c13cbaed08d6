package store

// Path builders for the document families the quiz core uses. Keeping them
// in one place means no component ever assembles a raw path by hand.

func TimerPath(quizID, questionID string) string {
	return "quizzes/" + quizID + "/questionTimers/" + questionID
}

func TimersPattern(quizID string) string {
	return "quizzes/" + quizID + "/questionTimers/*"
}

func ParticipantPath(quizID, participantID string) string {
	return "quizzes/" + quizID + "/participants/" + participantID
}

func ParticipantsPattern(quizID string) string {
	return "quizzes/" + quizID + "/participants/*"
}

func AnswerPath(quizID, questionID, participantID string) string {
	return "quizzes/" + quizID + "/answers/" + questionID + "/" + participantID
}

func AnswersPattern(quizID, questionID string) string {
	return "quizzes/" + quizID + "/answers/" + questionID + "/*"
}

func QuestionPath(quizID, questionID string) string {
	return "quizzes/" + quizID + "/questions/" + questionID
}

func StatePath(quizID string) string {
	return "quizzes/" + quizID + "/state"
}
