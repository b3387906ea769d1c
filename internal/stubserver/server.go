// Package stubserver is the in-memory reference backend for the quiz
// agent: the six attempt operations plus login, behind the same
// response envelope and bearer auth the production backend uses. It
// keeps integration tests hermetic and doubles as a manual test
// server via cmd/stubserver.
package stubserver

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/response"
)

// AttemptStatus tracks server-side attempt lifecycle.
type AttemptStatus string

const (
	AttemptActive     AttemptStatus = "ACTIVE"
	AttemptCompleted  AttemptStatus = "COMPLETED"
	AttemptSuperseded AttemptStatus = "SUPERSEDED"
)

// Attempt is the server-side attempt record.
type Attempt struct {
	ID            string
	QuizID        string
	Username      string
	QuestionOrder []string
	TimeLimitSec  int
	StartedAt     time.Time
	RestartCount  int
	Status        AttemptStatus
	Reason        string // restart reason that superseded this attempt
}

// answerRecord holds the latest accepted autosave for one question.
type answerRecord struct {
	Selected    []int
	TimeSpentMs int64
	Seq         int64
}

// Server is the in-memory reference backend.
type Server struct {
	log       zerolog.Logger
	jwtSecret []byte
	jwtExpiry time.Duration
	rng       *rand.Rand

	mu       sync.Mutex
	quizzes  map[string]model.Quiz
	users    map[string][]byte // username → bcrypt hash
	attempts map[string]*Attempt
	answers  map[string]map[string]answerRecord   // attemptID → questionID
	events   map[string][]model.IntegrityEvent    // attemptID → accepted events
	seen     map[string]map[string]struct{}       // attemptID → event ids
	frames   []map[string]any                     // monitor WS frames

	// Failure injection for tests: each counter fails that many of the
	// next calls with an internal error.
	FailRestarts atomic.Int32
	FailSubmits  atomic.Int32
	FailFlushes  atomic.Int32
}

// New creates an empty Server. Seed quizzes and users before serving.
func New(jwtSecret string, log zerolog.Logger) *Server {
	return &Server{
		log:       log.With().Str("component", "stubserver").Logger(),
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: 24 * time.Hour,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		quizzes:   make(map[string]model.Quiz),
		users:     make(map[string][]byte),
		attempts:  make(map[string]*Attempt),
		answers:   make(map[string]map[string]answerRecord),
		events:    make(map[string][]model.IntegrityEvent),
		seen:      make(map[string]map[string]struct{}),
	}
}

// SeedQuiz registers a quiz in the catalog.
func (s *Server) SeedQuiz(q model.Quiz) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizzes[q.ID] = q
}

// SeedUser registers an examinee credential.
func (s *Server) SeedUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = hash
	return nil
}

// Router builds the gin engine with the API surface mounted under
// /api/v1 and the monitor WebSocket under /ws/v1.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(response.RequestIDMiddleware())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", s.handleLogin)

	auth := v1.Group("")
	auth.Use(s.requireToken())
	auth.GET("/quizzes/:quiz_id", s.handleGetQuiz)
	auth.POST("/attempts/start", s.handleStartAttempt)
	auth.POST("/attempts/:attempt_id/restart", s.handleRestartAttempt)
	auth.POST("/attempts/:attempt_id/submit", s.handleSubmitAttempt)
	auth.PUT("/attempts/:attempt_id/answers", s.handleUpsertAnswer)
	auth.POST("/attempts/:attempt_id/events", s.handleLogEvents)
	auth.POST("/attempts/:attempt_id/events/unload", s.handleLogEventsUnload)

	r.GET("/ws/v1/monitor", s.handleMonitorWS)

	return r
}

// ─── auth ──────────────────────────────────────────────────────────

type claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TokenType: "student",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

func (s *Server) validateToken(tokenStr string) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return c, nil
}

// requireToken validates the bearer token and stores the username.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		cl, err := s.validateToken(parts[1])
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		c.Set("username", cl.Subject)
		c.Next()
	}
}

// ─── test accessors ────────────────────────────────────────────────

// Attempt returns a copy of the attempt record.
func (s *Server) Attempt(id string) (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

// Events returns the accepted events for an attempt in arrival order.
func (s *Server) Events(attemptID string) []model.IntegrityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.IntegrityEvent, len(s.events[attemptID]))
	copy(out, s.events[attemptID])
	return out
}

// Answers returns the latest accepted selections for an attempt.
func (s *Server) Answers(attemptID string) map[string][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]int, len(s.answers[attemptID]))
	for qid, rec := range s.answers[attemptID] {
		out[qid] = append([]int(nil), rec.Selected...)
	}
	return out
}

// MonitorFrames returns the frames received on the monitor WebSocket.
func (s *Server) MonitorFrames() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.frames))
	copy(out, s.frames)
	return out
}
