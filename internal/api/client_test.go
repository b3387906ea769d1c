package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/response"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code response.ErrCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  nil,
		"error": map[string]any{"code": code, "message": message},
	})
}

func TestClient_StartAttemptDecodesGrant(t *testing.T) {
	started := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/attempts/start", r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		var req model.StartAttemptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "quiz-1", req.QuizID)
		assert.Equal(t, "web", req.Device.Platform)

		writeEnvelope(w, http.StatusCreated, model.AttemptGrant{
			AttemptID:     "attempt-1",
			QuestionOrder: []string{"q2", "q1"},
			TimeLimitSec:  300,
			StartedAt:     started,
			RestartCount:  0,
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "token-1", 5*time.Second, zerolog.Nop())
	grant, err := client.StartAttempt(context.Background(), "quiz-1", model.DeviceDescriptor{Platform: "web"})
	require.NoError(t, err)

	assert.Equal(t, "attempt-1", grant.AttemptID)
	assert.Equal(t, []string{"q2", "q1"}, grant.QuestionOrder)
	assert.Equal(t, 300, grant.TimeLimitSec)
	assert.True(t, grant.StartedAt.Equal(started))
}

func TestClient_ErrorEnvelopeBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusConflict, response.ErrAttemptCompleted, "Attempt has already been submitted")
	}))
	defer srv.Close()

	client := New(srv.URL, "token-1", 5*time.Second, zerolog.Nop())
	err := client.SubmitAttempt(context.Background(), "attempt-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, response.ErrAttemptCompleted, apiErr.Code)
	assert.Equal(t, "Attempt has already been submitted", apiErr.Message)
}

func TestClient_NonJSONErrorStillFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(srv.URL, "", 5*time.Second, zerolog.Nop())
	_, err := client.GetQuiz(context.Background(), "quiz-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestClient_LogEventsReturnsAcceptedCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/attempts/attempt-1/events", r.URL.Path)

		var req model.LogEventsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Events, 2)
		assert.Equal(t, "ev-1", req.Events[0].EventID)

		writeEnvelope(w, http.StatusOK, model.LogEventsResponse{Accepted: 1})
	}))
	defer srv.Close()

	client := New(srv.URL, "token-1", 5*time.Second, zerolog.Nop())
	accepted, err := client.LogEvents(context.Background(), "attempt-1", []model.IntegrityEvent{
		{EventID: "ev-1", Seq: 1, EventType: model.EventSessionStart, EventAt: time.Now().UTC()},
		{EventID: "ev-2", Seq: 2, EventType: model.EventCopy, EventAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
}

func TestClient_LogEventsUnloadRunsInBackground(t *testing.T) {
	var mu sync.Mutex
	var got []model.IntegrityEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/attempts/attempt-1/events/unload", r.URL.Path)
		var req model.LogEventsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		got = req.Events
		mu.Unlock()
		writeEnvelope(w, http.StatusAccepted, model.LogEventsResponse{Accepted: len(req.Events)})
	}))
	defer srv.Close()

	client := New(srv.URL, "token-1", 5*time.Second, zerolog.Nop())
	client.LogEventsUnload("attempt-1", []model.IntegrityEvent{
		{EventID: "ev-1", Seq: 1, EventType: model.EventWindowBlur, EventAt: time.Now().UTC()},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// An empty batch never hits the wire.
	client.LogEventsUnload("attempt-1", nil)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestClient_LoginReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, model.LoginResponse{Token: "issued-token"})
	}))
	defer srv.Close()

	client := New(srv.URL, "", 5*time.Second, zerolog.Nop())
	token, err := client.Login(context.Background(), "student", "secret")
	require.NoError(t, err)
	assert.Equal(t, "issued-token", token)
}
