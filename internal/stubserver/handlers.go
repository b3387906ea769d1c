package stubserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/response"
	"github.com/proctorly/quiz-agent/internal/validator"
)

// handleLogin authenticates an examinee and issues a bearer token.
func (s *Server) handleLogin(c *gin.Context) {
	var req model.LoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	s.mu.Lock()
	hash, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		return
	}

	token, err := s.issueToken(req.Username)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, model.LoginResponse{Token: token})
}

// handleGetQuiz serves quiz metadata for rendering. This is the
// catalog collaborator boundary; grading data never leaves the server.
func (s *Server) handleGetQuiz(c *gin.Context) {
	s.mu.Lock()
	quiz, ok := s.quizzes[c.Param("quiz_id")]
	s.mu.Unlock()
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrQuizNotFound)
		return
	}
	response.Success(c, http.StatusOK, quiz)
}

// handleStartAttempt issues a fresh attempt: new id, fresh shuffle,
// fresh timer.
func (s *Server) handleStartAttempt(c *gin.Context) {
	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	s.mu.Lock()
	quiz, ok := s.quizzes[req.QuizID]
	if !ok {
		s.mu.Unlock()
		response.Fail(c, http.StatusNotFound, response.ErrQuizNotFound)
		return
	}
	attempt := s.newAttemptLocked(quiz, c.GetString("username"), 0)
	s.mu.Unlock()

	s.log.Info().
		Str("attempt_id", attempt.ID).
		Str("quiz_id", quiz.ID).
		Str("platform", req.Device.Platform).
		Msg("Attempt started")
	response.Success(c, http.StatusCreated, grantFrom(attempt))
}

// handleRestartAttempt supersedes the attempt and issues a full
// replacement with an incremented restart count.
func (s *Server) handleRestartAttempt(c *gin.Context) {
	if s.FailRestarts.Load() > 0 {
		s.FailRestarts.Add(-1)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	var req model.RestartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	s.mu.Lock()
	old, ok := s.attempts[c.Param("attempt_id")]
	if !ok {
		s.mu.Unlock()
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}
	if old.Status == AttemptCompleted {
		s.mu.Unlock()
		response.Fail(c, http.StatusConflict, response.ErrAttemptCompleted)
		return
	}
	if old.Status == AttemptSuperseded {
		s.mu.Unlock()
		response.Fail(c, http.StatusConflict, response.ErrAttemptSuperseded)
		return
	}
	quiz := s.quizzes[old.QuizID]
	old.Status = AttemptSuperseded
	old.Reason = req.Reason
	fresh := s.newAttemptLocked(quiz, old.Username, old.RestartCount+1)
	s.mu.Unlock()

	s.log.Info().
		Str("old_attempt_id", old.ID).
		Str("attempt_id", fresh.ID).
		Str("reason", req.Reason).
		Int("restart_count", fresh.RestartCount).
		Msg("Attempt restarted")
	response.Success(c, http.StatusOK, grantFrom(fresh))
}

// handleSubmitAttempt finalizes an attempt exactly once.
func (s *Server) handleSubmitAttempt(c *gin.Context) {
	if s.FailSubmits.Load() > 0 {
		s.FailSubmits.Add(-1)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	s.mu.Lock()
	attempt, ok := s.attempts[c.Param("attempt_id")]
	if !ok {
		s.mu.Unlock()
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}
	if attempt.Status == AttemptCompleted {
		s.mu.Unlock()
		response.Fail(c, http.StatusConflict, response.ErrAttemptCompleted)
		return
	}
	attempt.Status = AttemptCompleted
	s.mu.Unlock()

	s.log.Info().Str("attempt_id", attempt.ID).Msg("Attempt submitted")
	response.Success(c, http.StatusOK, gin.H{"submitted": true})
}

// handleUpsertAnswer stores the latest selection for a question.
// Idempotent per (attempt, question): an upsert whose sequence number
// is not greater than the last accepted one is ignored, so stale
// in-flight autosaves cannot clobber newer answers.
func (s *Server) handleUpsertAnswer(c *gin.Context) {
	var req model.UpsertAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	s.mu.Lock()
	attempt, ok := s.attempts[c.Param("attempt_id")]
	if !ok {
		s.mu.Unlock()
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}
	if attempt.Status != AttemptActive {
		s.mu.Unlock()
		response.Fail(c, http.StatusConflict, response.ErrAttemptCompleted)
		return
	}
	if !contains(attempt.QuestionOrder, req.QuestionID) {
		s.mu.Unlock()
		response.Fail(c, http.StatusBadRequest, response.ErrQuestionNotFound)
		return
	}

	byQuestion := s.answers[attempt.ID]
	if byQuestion == nil {
		byQuestion = make(map[string]answerRecord)
		s.answers[attempt.ID] = byQuestion
	}
	accepted := true
	if prev, exists := byQuestion[req.QuestionID]; exists && req.Seq <= prev.Seq {
		accepted = false // stale sequence
	} else {
		byQuestion[req.QuestionID] = answerRecord{
			Selected:    append([]int(nil), req.SelectedIndices...),
			TimeSpentMs: req.TimeSpentMs,
			Seq:         req.Seq,
		}
	}
	s.mu.Unlock()

	response.Success(c, http.StatusOK, model.UpsertAnswerResponse{Accepted: accepted})
}

// handleLogEvents ingests an ordered batch, deduplicating on event id
// since client delivery is at-least-once.
func (s *Server) handleLogEvents(c *gin.Context) {
	if s.FailFlushes.Load() > 0 {
		s.FailFlushes.Add(-1)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	s.ingestEvents(c, http.StatusOK)
}

// handleLogEventsUnload is the best-effort unload sink: same ingestion
// and dedup, but acknowledged with 202 and never failure-injected —
// the client does not await it anyway.
func (s *Server) handleLogEventsUnload(c *gin.Context) {
	s.ingestEvents(c, http.StatusAccepted)
}

func (s *Server) ingestEvents(c *gin.Context, status int) {
	var req model.LogEventsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	s.mu.Lock()
	attempt, ok := s.attempts[c.Param("attempt_id")]
	if !ok {
		s.mu.Unlock()
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}

	seen := s.seen[attempt.ID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.seen[attempt.ID] = seen
	}
	accepted := 0
	for _, ev := range req.Events {
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		seen[ev.EventID] = struct{}{}
		s.events[attempt.ID] = append(s.events[attempt.ID], ev)
		accepted++
	}
	s.mu.Unlock()

	response.Success(c, status, model.LogEventsResponse{Accepted: accepted})
}

// handleMonitorWS receives live violation frames from the proctor
// feed. Frames are retained for inspection; auth mirrors the REST
// surface via the token query parameter.
func (s *Server) handleMonitorWS(c *gin.Context) {
	if _, err := s.validateToken(c.Query("token")); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		s.mu.Unlock()
	}
}

// ─── helpers ───────────────────────────────────────────────────────

// newAttemptLocked creates an active attempt with a fresh shuffle.
func (s *Server) newAttemptLocked(quiz model.Quiz, username string, restartCount int) *Attempt {
	order := make([]string, len(quiz.Questions))
	for i, q := range quiz.Questions {
		order[i] = q.ID
	}
	s.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	attempt := &Attempt{
		ID:            uuid.New().String(),
		QuizID:        quiz.ID,
		Username:      username,
		QuestionOrder: order,
		TimeLimitSec:  quiz.DurationSeconds,
		StartedAt:     time.Now().UTC(),
		RestartCount:  restartCount,
		Status:        AttemptActive,
	}
	s.attempts[attempt.ID] = attempt
	return attempt
}

func grantFrom(a *Attempt) model.AttemptGrant {
	return model.AttemptGrant{
		AttemptID:     a.ID,
		QuestionOrder: append([]string(nil), a.QuestionOrder...),
		TimeLimitSec:  a.TimeLimitSec,
		StartedAt:     a.StartedAt,
		RestartCount:  a.RestartCount,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
