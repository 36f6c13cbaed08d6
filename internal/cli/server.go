package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quizbee-service/internal/app"
	"quizbee-service/internal/config"
	"quizbee-service/internal/domain"
	inframemory "quizbee-service/internal/infra/memory"
	pgloader "quizbee-service/internal/infra/postgres"
	infraredis "quizbee-service/internal/infra/redis"
	"quizbee-service/internal/store"
	storememory "quizbee-service/internal/store/memory"
	storeredis "quizbee-service/internal/store/redis"
	transport "quizbee-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		zerolog.SetGlobalLevel(level)
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *goredis.Client
	if cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader inframemory.QuizLoader = inframemory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = infraredis.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = inframemory.NewQuizRepository(loader, quizTTL)
	}

	var rtstore store.Store
	if redisClient != nil {
		rtstore = storeredis.NewStore(redisClient)
	} else {
		rtstore = storememory.NewStore()
	}

	service := app.NewQuizService(rtstore, quizRepo)
	wsHandler := transport.NewWSHandlerWithIntervals(service,
		config.Duration(cfg.Timer.Tick, 0),
		config.Duration(cfg.Timer.Resync, 0))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting quizbee service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes seeds demo mode when no Postgres is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Demo Quiz",
			Questions: []domain.Question{
				{
					ID:            "q1",
					Text:          "What is 2 + 2?",
					Type:          domain.QuestionMultipleChoice,
					Options:       []string{"3", "4", "5", "22"},
					CorrectOption: 1,
					DurationSec:   30,
				},
				{
					ID:          "q2",
					Text:        "Name the smallest prime number.",
					Type:        domain.QuestionFillInBlank,
					CorrectText: "2",
					DurationSec: 20,
				},
				{
					ID:            "q3",
					Text:          "How many seconds are in a day?",
					Type:          domain.QuestionMultipleChoice,
					Options:       []string{"3600", "86400", "1440", "604800"},
					CorrectOption: 1,
					Difficulty:    domain.DifficultyTieBreaker,
					DurationSec:   15,
				},
			},
		},
	}
}
