package session_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorly/quiz-agent/internal/api"
	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/monitor"
	"github.com/proctorly/quiz-agent/internal/session"
	"github.com/proctorly/quiz-agent/internal/store"
	"github.com/proctorly/quiz-agent/internal/stubserver"
	"github.com/proctorly/quiz-agent/internal/telemetry"
	"github.com/proctorly/quiz-agent/internal/validator"
)

// TestFullSessionAgainstServer drives the whole stack end to end:
// real controller, real telemetry queue with a sqlite mirror, real
// HTTP client, in-process reference backend.
func TestFullSessionAgainstServer(t *testing.T) {
	validator.Setup()

	srv := stubserver.New("e2e-secret", zerolog.Nop())
	quiz := model.Quiz{
		ID:              "quiz-e2e",
		Title:           "E2E Quiz",
		DurationSeconds: 300,
		Questions: []model.Question{
			{ID: "q1", QuestionType: model.QuestionTypeSingle, Prompt: "one", Options: []string{"a", "b", "c"}},
			{ID: "q2", QuestionType: model.QuestionTypeSingle, Prompt: "two", Options: []string{"a", "b", "c"}},
			{ID: "q3", QuestionType: model.QuestionTypeMulti, Prompt: "three", Options: []string{"a", "b", "c"}},
		},
	}
	srv.SeedQuiz(quiz)
	require.NoError(t, srv.SeedUser("student", "student123"))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	client := api.New(ts.URL+"/api/v1", "", 5*time.Second, zerolog.Nop())
	token, err := client.Login(ctx, "student", "student123")
	require.NoError(t, err)
	client.SetToken(token)

	mirror, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer mirror.Close()

	env := monitor.NewSimEnvironment(true)
	defer env.Close()

	fetched, err := client.GetQuiz(ctx, "quiz-e2e")
	require.NoError(t, err)

	ctrl := session.New(session.Config{
		QuizID:  "quiz-e2e",
		Device:  model.DeviceDescriptor{Platform: "web", UserAgent: "e2e"},
		Backend: client,
		Catalog: session.NewQuizCatalog(fetched),
		Env:     env,
		NewQueue: func(attemptID string) (session.EventQueue, error) {
			return telemetry.New(attemptID, client, mirror, zerolog.Nop(),
				telemetry.WithBatchSize(5),
				telemetry.WithFlushInterval(100*time.Millisecond))
		},
		Log: zerolog.Nop(),
	})

	require.NoError(t, ctrl.Start(ctx))
	require.Equal(t, model.StateInProgress, ctrl.State())
	firstAttempt := ctrl.Snapshot().AttemptID

	// Answer the current question and log a soft violation.
	require.NoError(t, ctrl.SetAnswer(ctrl.Snapshot().CurrentQuestionID(), 0))
	env.Emit(monitor.Signal{Kind: monitor.SignalCopy})

	require.Eventually(t, func() bool {
		for _, ev := range srv.Events(firstAttempt) {
			if ev.EventType == model.EventCopy {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	// A fullscreen exit restarts the attempt wholesale.
	env.Emit(monitor.Signal{Kind: monitor.SignalFullscreenExit})

	require.Eventually(t, func() bool {
		sess := ctrl.Snapshot()
		return ctrl.State() == model.StateInProgress && sess != nil && sess.AttemptID != firstAttempt
	}, 10*time.Second, 50*time.Millisecond)

	secondAttempt := ctrl.Snapshot().AttemptID
	assert.Equal(t, 1, ctrl.Snapshot().RestartCount)
	assert.Empty(t, ctrl.Snapshot().Answers)

	old, ok := srv.Attempt(firstAttempt)
	require.True(t, ok)
	assert.Equal(t, stubserver.AttemptSuperseded, old.Status)

	// The server saw the violation before the restart marker.
	oldEvents := srv.Events(firstAttempt)
	violationAt, restartAt := -1, -1
	for i, ev := range oldEvents {
		switch ev.EventType {
		case model.EventFullscreenExit:
			violationAt = i
		case model.EventRestart:
			restartAt = i
		}
	}
	require.NotEqual(t, -1, violationAt)
	require.NotEqual(t, -1, restartAt)
	assert.Less(t, violationAt, restartAt)

	// Finish the replacement attempt.
	qid := ctrl.Snapshot().CurrentQuestionID()
	require.NoError(t, ctrl.SetAnswer(qid, 1))
	require.Eventually(t, func() bool {
		return len(srv.Answers(secondAttempt)) == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, ctrl.Submit(ctx))
	assert.Equal(t, model.StateCompleted, ctrl.State())

	final, _ := srv.Attempt(secondAttempt)
	assert.Equal(t, stubserver.AttemptCompleted, final.Status)
	assert.Equal(t, []int{1}, srv.Answers(secondAttempt)[qid])

	// Every queue drained and confirmed, so no mirror blobs remain.
	require.Eventually(t, func() bool {
		ids, perr := mirror.PendingAttempts()
		return perr == nil && len(ids) == 0
	}, 5*time.Second, 50*time.Millisecond)

	// Lifecycle events for the completed attempt include start and submit.
	types := make([]model.EventType, 0)
	for _, ev := range srv.Events(secondAttempt) {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, model.EventSessionStart)
	assert.Contains(t, types, model.EventSubmit)
}

// TestReloadRecoveryRedeliversMirroredEvents covers the reload path: a
// queue dies with undelivered events, a fresh process recovers them
// from the mirror and delivers without duplication.
func TestReloadRecoveryRedeliversMirroredEvents(t *testing.T) {
	validator.Setup()

	srv := stubserver.New("e2e-secret", zerolog.Nop())
	srv.SeedQuiz(model.Quiz{
		ID:              "quiz-r",
		Title:           "Reload Quiz",
		DurationSeconds: 300,
		Questions: []model.Question{
			{ID: "q1", QuestionType: model.QuestionTypeSingle, Prompt: "one", Options: []string{"a", "b"}},
		},
	})
	require.NoError(t, srv.SeedUser("student", "student123"))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	client := api.New(ts.URL+"/api/v1", "", 5*time.Second, zerolog.Nop())
	token, err := client.Login(ctx, "student", "student123")
	require.NoError(t, err)
	client.SetToken(token)

	grant, err := client.StartAttempt(ctx, "quiz-r", model.DeviceDescriptor{Platform: "web"})
	require.NoError(t, err)

	dir := t.TempDir()

	// First process: enqueue while the server refuses delivery, then
	// vanish without a teardown flush.
	mirror, err := store.Open(dir)
	require.NoError(t, err)

	srv.FailFlushes.Store(100)
	q, err := telemetry.New(grant.AttemptID, client, mirror, zerolog.Nop())
	require.NoError(t, err)
	q.Enqueue(model.EventSessionStart, nil)
	q.Enqueue(model.EventTabHidden, nil)
	require.Error(t, q.Flush(ctx))
	require.NoError(t, mirror.Close())

	// Second process: recovery finds the blob and redelivers it.
	srv.FailFlushes.Store(0)
	reopened, err := store.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	ids, err := reopened.PendingAttempts()
	require.NoError(t, err)
	require.Equal(t, []string{grant.AttemptID}, ids)

	q2, err := telemetry.New(grant.AttemptID, client, reopened, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 2, q2.Len())
	require.NoError(t, q2.Drain(ctx))

	events := srv.Events(grant.AttemptID)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventSessionStart, events[0].EventType)
	assert.Equal(t, model.EventTabHidden, events[1].EventType)

	// Confirmed delivery cleared the mirror.
	ids, err = reopened.PendingAttempts()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
