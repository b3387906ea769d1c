// Package api is the REST/JSON client for the assessment backend.
// One call per action, bearer-token auth, standard response envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/response"
)

// unloadTimeout bounds the fire-and-forget unload delivery. The call
// is never awaited by the caller; the timeout only stops the goroutine
// from lingering.
const unloadTimeout = 2 * time.Second

// APIError is a structured error decoded from the response envelope.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

// Client talks to the assessment backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a Client. baseURL is the API root without a trailing
// slash, e.g. "https://exam.example.com/api/v1".
func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "api_client").Logger(),
	}
}

// SetToken replaces the bearer token after login.
func (c *Client) SetToken(token string) { c.token = token }

// Login authenticates and returns a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	req := model.LoginRequest{Username: username, Password: password}
	var resp model.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// GetQuiz fetches quiz metadata (prompts, options) from the catalog
// collaborator. Correct answers never leave the server.
func (c *Client) GetQuiz(ctx context.Context, quizID string) (*model.Quiz, error) {
	var quiz model.Quiz
	if err := c.do(ctx, http.MethodGet, "/quizzes/"+quizID, nil, &quiz); err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	return &quiz, nil
}

// StartAttempt requests a fresh attempt: new attempt id, server-side
// shuffle, fresh timer.
func (c *Client) StartAttempt(ctx context.Context, quizID string, device model.DeviceDescriptor) (*model.AttemptGrant, error) {
	req := model.StartAttemptRequest{QuizID: quizID, Device: device}
	var grant model.AttemptGrant
	if err := c.do(ctx, http.MethodPost, "/attempts/start", req, &grant); err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return &grant, nil
}

// RestartAttempt supersedes the attempt wholesale and returns the
// replacement grant with an incremented restart count.
func (c *Client) RestartAttempt(ctx context.Context, attemptID, reason string) (*model.AttemptGrant, error) {
	req := model.RestartAttemptRequest{Reason: reason}
	var grant model.AttemptGrant
	if err := c.do(ctx, http.MethodPost, "/attempts/"+attemptID+"/restart", req, &grant); err != nil {
		return nil, fmt.Errorf("restart attempt: %w", err)
	}
	return &grant, nil
}

// SubmitAttempt finalizes the attempt and triggers server-side grading.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID string) error {
	if err := c.do(ctx, http.MethodPost, "/attempts/"+attemptID+"/submit", nil, nil); err != nil {
		return fmt.Errorf("submit attempt: %w", err)
	}
	return nil
}

// UpsertAnswer autosaves a selection set. Idempotent per
// (attemptID, questionID); the server ignores stale sequence numbers.
func (c *Client) UpsertAnswer(ctx context.Context, attemptID, questionID string, selected []int, timeSpentMs int64, seq int64) error {
	req := model.UpsertAnswerRequest{
		QuestionID:      questionID,
		SelectedIndices: selected,
		TimeSpentMs:     timeSpentMs,
		Seq:             seq,
	}
	if err := c.do(ctx, http.MethodPut, "/attempts/"+attemptID+"/answers", req, nil); err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// LogEvents delivers a batch of events in order and returns the count
// the server accepted. Delivery is at-least-once from the client side;
// the server dedups on event id.
func (c *Client) LogEvents(ctx context.Context, attemptID string, events []model.IntegrityEvent) (int, error) {
	req := model.LogEventsRequest{Events: events}
	var resp model.LogEventsResponse
	if err := c.do(ctx, http.MethodPost, "/attempts/"+attemptID+"/events", req, &resp); err != nil {
		return 0, fmt.Errorf("log events: %w", err)
	}
	return resp.Accepted, nil
}

// LogEventsUnload is the best-effort page-unload delivery path. It
// returns immediately; the request runs in the background with a short
// timeout and its outcome is never confirmed to the caller.
func (c *Client) LogEventsUnload(attemptID string, events []model.IntegrityEvent) {
	if len(events) == 0 {
		return
	}
	// Copy so the caller may keep mutating its queue.
	batch := make([]model.IntegrityEvent, len(events))
	copy(batch, events)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
		defer cancel()
		req := model.LogEventsRequest{Events: batch}
		if err := c.do(ctx, http.MethodPost, "/attempts/"+attemptID+"/events/unload", req, nil); err != nil {
			c.log.Debug().Err(err).Int("count", len(batch)).Msg("Unload delivery not confirmed")
		}
	}()
}

// do executes one request and decodes the envelope into out (may be nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data  json.RawMessage     `json:"data"`
		Error *response.ErrorBody `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Code: response.ErrInternal, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: response.ErrInternal, Message: http.StatusText(resp.StatusCode)}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
