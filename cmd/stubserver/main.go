package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proctorly/quiz-agent/internal/logger"
	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/stubserver"
	"github.com/proctorly/quiz-agent/internal/validator"
)

func main() {
	log := logger.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	validator.Setup()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-only-secret"
		log.Warn().Msg("JWT_SECRET not set, using development default")
	}

	srv := stubserver.New(secret, log)
	seed(srv)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Quiz backend listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
	log.Info().Msg("Server stopped")
}

// seed loads a demo quiz and user so the agent can run against a
// fresh server with no extra setup.
func seed(srv *stubserver.Server) {
	srv.SeedUser("student", "student123")
	srv.SeedQuiz(model.Quiz{
		ID:              "demo-quiz",
		Title:           "General Knowledge Demo",
		DurationSeconds: 300,
		Questions: []model.Question{
			{
				ID:           "q-capital",
				QuestionType: model.QuestionTypeSingle,
				Prompt:       "Which city is the capital of Australia?",
				Options:      []string{"Sydney", "Canberra", "Melbourne", "Perth"},
			},
			{
				ID:           "q-primes",
				QuestionType: model.QuestionTypeMulti,
				Prompt:       "Select all prime numbers.",
				Options:      []string{"2", "9", "13", "21"},
			},
			{
				ID:           "q-http",
				QuestionType: model.QuestionTypeSingle,
				Prompt:       "Which HTTP status code means Conflict?",
				Options:      []string{"404", "409", "422", "500"},
			},
			{
				ID:           "q-ocean",
				QuestionType: model.QuestionTypeSingle,
				Prompt:       "What is the largest ocean on Earth?",
				Options:      []string{"Atlantic", "Indian", "Pacific", "Arctic"},
			},
			{
				ID:           "q-langs",
				QuestionType: model.QuestionTypeMulti,
				Prompt:       "Select the statically typed languages.",
				Options:      []string{"Go", "Python", "Rust", "Ruby"},
			},
		},
	})
}
