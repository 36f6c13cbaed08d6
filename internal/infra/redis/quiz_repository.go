// Package redis caches quiz content in Redis so every service instance
// checks answers against the same question documents.
package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"quizbee-service/internal/domain"
)

// QuizLoader fetches quiz content from a backing store (e.g., Postgres).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches full question documents in a hash per quiz
// (HSET quiz:{quizID}:questions {questionID} {json}) and falls back to the
// loader on a miss. Question documents carry everything correctness checks
// and defaults need: type, options, correct answers, difficulty, points,
// duration.
type QuizRepository struct {
	client *goredis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuizRepository(client *goredis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	key := r.questionsKey(quizID)

	cached, err := r.client.HGetAll(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		return buildQuizFromCache(quizID, cached), nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check in case another goroutine filled the cache.
		cached, err := r.client.HGetAll(ctx, key).Result()
		if err == nil && len(cached) > 0 {
			return buildQuizFromCache(quizID, cached), nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		pipe := r.client.Pipeline()
		for _, q := range quiz.Questions {
			raw, err := json.Marshal(q)
			if err != nil {
				return domain.Quiz{}, err
			}
			pipe.HSet(ctx, key, q.ID, raw)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttlWithJitter())
		}
		if _, err := pipe.Exec(ctx); err != nil {
			// Cache fill is best effort; the loaded quiz is still good.
			log.Warn().Err(err).Str("quiz_id", quizID).Msg("quiz cache fill failed")
		}
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (r *QuizRepository) questionsKey(quizID string) string {
	return "quiz:" + quizID + ":questions"
}

func buildQuizFromCache(quizID string, cached map[string]string) domain.Quiz {
	questions := make([]domain.Question, 0, len(cached))
	for questionID, raw := range cached {
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			log.Warn().Err(err).Str("question_id", questionID).Msg("dropping malformed cached question")
			continue
		}
		q.ID = questionID
		questions = append(questions, q)
	}
	return domain.Quiz{ID: quizID, Questions: questions}
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
