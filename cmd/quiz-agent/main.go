package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/proctorly/quiz-agent/internal/api"
	"github.com/proctorly/quiz-agent/internal/config"
	"github.com/proctorly/quiz-agent/internal/logger"
	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/monitor"
	"github.com/proctorly/quiz-agent/internal/proctorfeed"
	"github.com/proctorly/quiz-agent/internal/session"
	"github.com/proctorly/quiz-agent/internal/store"
	"github.com/proctorly/quiz-agent/internal/telemetry"
	"github.com/proctorly/quiz-agent/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	if cfg.QuizID == "" {
		log.Fatal().Msg("QUIZ_ID is required")
	}

	// ─── Backend Client ────────────────────────────────────────────────
	client := api.New(cfg.APIBaseURL, cfg.APIToken, cfg.RequestTimeout, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.APIToken == "" {
		token, err := login(ctx, client, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Login failed")
		}
		client.SetToken(token)
	}

	// ─── Local Event Mirror ────────────────────────────────────────────
	mirror, err := store.Open(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local state")
	}
	defer mirror.Close()

	// Reload recovery: deliver any queues a previous run left behind.
	recoverPending(ctx, client, mirror, log)

	quiz, err := client.GetQuiz(ctx, cfg.QuizID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch quiz")
	}

	// ─── Proctor Feed (optional) ───────────────────────────────────────
	var feed *proctorfeed.Feed
	if cfg.ProctorFeedURL != "" {
		feed = proctorfeed.New(cfg.ProctorFeedURL, cfg.APIToken, log)
		go feed.Start(ctx)
		defer feed.Close()
	}

	// ─── Session Controller ────────────────────────────────────────────
	env := monitor.NewSimEnvironment(cfg.FullscreenCapable())
	defer env.Close()

	catalog := session.NewQuizCatalog(quiz)
	ctrl := session.New(session.Config{
		QuizID: cfg.QuizID,
		Device: model.DeviceDescriptor{
			Platform:  cfg.Platform,
			UserAgent: cfg.UserAgent,
		},
		Backend: client,
		Catalog: catalog,
		Env:     env,
		NewQueue: func(attemptID string) (session.EventQueue, error) {
			return telemetry.New(attemptID, client, mirror, log,
				telemetry.WithBatchSize(cfg.FlushBatchSize),
				telemetry.WithFlushInterval(cfg.FlushInterval))
		},
		Feed: feedOrNil(feed),
		Log:  log,
	})

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not start session")
	}

	// Treat SIGINT/SIGTERM as navigation away: best-effort unload.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		ctrl.HandleUnload()
		os.Exit(0)
	}()

	runLoop(ctx, ctrl, catalog, env, log)
}

// feedOrNil keeps a typed-nil *Feed out of the interface field.
func feedOrNil(f *proctorfeed.Feed) session.FeedPublisher {
	if f == nil {
		return nil
	}
	return f
}

// login authenticates with the configured username and a password
// prompted on the terminal (never echoed).
func login(ctx context.Context, client *api.Client, cfg *config.Config) (string, error) {
	username := cfg.Username
	if username == "" {
		return "", fmt.Errorf("API_TOKEN or API_USERNAME must be set")
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	return client.Login(ctx, username, string(password))
}

// recoverPending re-delivers mirrored queues from prior runs and
// clears each blob once the server confirms it.
func recoverPending(ctx context.Context, client *api.Client, mirror *store.MirrorStore, log zerolog.Logger) {
	ids, err := mirror.PendingAttempts()
	if err != nil {
		log.Warn().Err(err).Msg("Pending-attempt sweep failed")
		return
	}
	for _, attemptID := range ids {
		events, err := mirror.Load(attemptID)
		if err != nil || len(events) == 0 {
			continue
		}
		if _, err := client.LogEvents(ctx, attemptID, events); err != nil {
			log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Recovery delivery failed, keeping mirror")
			continue
		}
		if err := mirror.Delete(attemptID); err != nil {
			log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Mirror cleanup failed")
		} else {
			log.Info().Str("attempt_id", attemptID).Int("count", len(events)).Msg("Recovered mirrored events")
		}
	}
}

// runLoop drives the session from stdin commands until the attempt
// reaches a terminal state.
func runLoop(ctx context.Context, ctrl *session.Controller, catalog session.QuizCatalog, env *monitor.SimEnvironment, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)

	printQuestion(ctrl, catalog)
	fmt.Println(`Commands: show | answer <n> | next | prev | submit | signal <kind> | time | quit`)

	for !ctrl.State().Terminal() {
		fmt.Print("> ")
		if !scanner.Scan() {
			ctrl.HandleUnload()
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "show":
			printQuestion(ctrl, catalog)
		case "answer":
			if len(fields) < 2 {
				fmt.Println("usage: answer <option-number>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("option must be a number")
				continue
			}
			if err := ctrl.SetAnswer(ctrl.Snapshot().CurrentQuestionID(), idx); err != nil {
				fmt.Println("error:", err)
			}
		case "next":
			if err := ctrl.Next(); err != nil {
				fmt.Println("error:", err)
			} else {
				printQuestion(ctrl, catalog)
			}
		case "prev":
			if err := ctrl.RequestPrevious(); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Print("Going back restarts the attempt and discards progress. Confirm? [y/N] ")
			if scanner.Scan() && strings.EqualFold(strings.TrimSpace(scanner.Text()), "y") {
				if err := ctrl.ConfirmPrevious(ctx); err != nil {
					fmt.Println("error:", err)
				} else {
					printQuestion(ctrl, catalog)
				}
			}
		case "submit":
			if err := ctrl.Submit(ctx); err != nil {
				fmt.Println("submit failed (you may retry):", err)
			} else {
				fmt.Println("Submitted. Final state:", ctrl.State())
			}
		case "signal":
			if len(fields) < 2 {
				fmt.Println("usage: signal <kind>  (e.g. fullscreen_exit, tab_hidden, copy)")
				continue
			}
			env.Emit(monitor.Signal{Kind: monitor.SignalKind(fields[1])})
			// Give the monitor goroutine a beat to dispatch.
			time.Sleep(100 * time.Millisecond)
			fmt.Println("state:", ctrl.State())
			if ctrl.State() == model.StateInProgress {
				printQuestion(ctrl, catalog)
			}
		case "time":
			fmt.Printf("%.0fs remaining\n", ctrl.Remaining().Seconds())
		case "quit":
			ctrl.HandleUnload()
			return
		default:
			fmt.Println("unknown command")
		}
	}

	if err := ctrl.Err(); err != nil {
		log.Error().Err(err).Msg("Session ended with error")
	}
	fmt.Println("Session finished:", ctrl.State())
}

func printQuestion(ctrl *session.Controller, catalog session.QuizCatalog) {
	sess := ctrl.Snapshot()
	if sess == nil {
		return
	}
	q, ok := catalog.Question(sess.CurrentQuestionID())
	if !ok {
		return
	}
	fmt.Printf("\n[%d/%d] %s (%s)\n", sess.CurrentIndex+1, len(sess.QuestionOrder), q.Prompt, q.QuestionType)
	for i, opt := range q.Options {
		marker := " "
		for _, sel := range sess.Answers[q.ID] {
			if sel == i {
				marker = "*"
			}
		}
		fmt.Printf("  %s %d) %s\n", marker, i, opt)
	}
}
