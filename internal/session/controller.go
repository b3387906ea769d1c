// Package session owns the quiz attempt lifecycle: start, per-question
// navigation, restart on integrity violations, submit, and
// auto-submit on timer expiry. The Controller is an explicit object
// owned by its caller; there is no ambient session registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proctorly/quiz-agent/internal/model"
	"github.com/proctorly/quiz-agent/internal/monitor"
)

const (
	// watchTick is how often the deadline watcher compares the absolute
	// deadline against the clock. Remaining time is always derived from
	// the deadline, so a throttled tick cannot drift the session clock.
	watchTick = 250 * time.Millisecond

	// restartTries bounds the restart call when the network fails after
	// a violation already fired. Exhausting them abandons the session;
	// the engine never silently resumes as if in progress.
	restartTries   = 3
	restartBackoff = 500 * time.Millisecond

	// autosaveTimeout bounds the fire-and-forget answer upsert.
	autosaveTimeout = 10 * time.Second
)

var (
	ErrInvalidTransition = errors.New("operation not valid in current session state")
	ErrSessionTerminal   = errors.New("session is in a terminal state")
	ErrLastQuestion      = errors.New("already on the last question")
	ErrFirstQuestion     = errors.New("already on the first question")
	ErrUnknownQuestion   = errors.New("question does not belong to this attempt")
	ErrUnknownOption     = errors.New("option index out of range")
	ErrSubmitInFlight    = errors.New("a submit call is already in flight")
)

// Backend is the subset of the api client the controller consumes.
type Backend interface {
	StartAttempt(ctx context.Context, quizID string, device model.DeviceDescriptor) (*model.AttemptGrant, error)
	RestartAttempt(ctx context.Context, attemptID, reason string) (*model.AttemptGrant, error)
	SubmitAttempt(ctx context.Context, attemptID string) error
	UpsertAnswer(ctx context.Context, attemptID, questionID string, selected []int, timeSpentMs int64, seq int64) error
}

// EventQueue is the per-attempt telemetry buffer. Implemented by
// telemetry.Queue.
type EventQueue interface {
	Enqueue(evType model.EventType, payload map[string]any)
	Drain(ctx context.Context) error
	FlushUnload()
	Start(ctx context.Context)
	Close()
}

// Catalog resolves question metadata (type, options) for answer
// constraints. Questions are immutable collaborator data.
type Catalog interface {
	Question(id string) (model.Question, bool)
}

// FeedPublisher streams violations to a live proctor channel.
// Optional; a nil feed disables streaming.
type FeedPublisher interface {
	Publish(attemptID string, evType model.EventType, payload map[string]any)
}

// Config wires a Controller.
type Config struct {
	QuizID  string
	Device  model.DeviceDescriptor
	Backend Backend
	Catalog Catalog
	Env     monitor.Environment
	// NewQueue builds the telemetry queue for an attempt id. Called on
	// start and on every restart: queues are never shared across
	// attempts.
	NewQueue func(attemptID string) (EventQueue, error)
	Feed     FeedPublisher
	// ConfirmRestart is the UI hook invoked when a back-button press is
	// escalated. Returning true confirms and routes through a restart.
	ConfirmRestart func() bool
	Log            zerolog.Logger
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Controller is the session state machine. One instance owns one
// attempt's answers map and telemetry queue; a restart discards and
// replaces both wholesale.
type Controller struct {
	quizID         string
	device         model.DeviceDescriptor
	backend        Backend
	catalog        Catalog
	env            monitor.Environment
	newQueue       func(attemptID string) (EventQueue, error)
	feed           FeedPublisher
	confirmRestart func() bool
	log            zerolog.Logger
	now            func() time.Time

	mon *monitor.Monitor

	mu              sync.Mutex
	state           model.SessionState
	sess            *model.Session
	queue           EventQueue
	answerSeq       map[string]int64
	questionShownAt time.Time
	lastErr         error
	inFlight        bool

	runCtx      context.Context
	runCancel   context.CancelFunc
	watchCancel context.CancelFunc
}

// New creates a Controller in the uninitialized state.
func New(cfg Config) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		quizID:         cfg.QuizID,
		device:         cfg.Device,
		backend:        cfg.Backend,
		catalog:        cfg.Catalog,
		env:            cfg.Env,
		newQueue:       cfg.NewQueue,
		feed:           cfg.Feed,
		confirmRestart: cfg.ConfirmRestart,
		log:            cfg.Log.With().Str("component", "session_controller").Logger(),
		now:            now,
		state:          model.StateUninitialized,
	}
	c.mon = monitor.New(cfg.Env, c, cfg.Log)
	return c
}

// Start acquires the environment and requests an attempt. On any
// failure the session is abandoned with a user-visible error; there is
// no automatic retry of the start path.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != model.StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("start: %w", ErrInvalidTransition)
	}
	c.state = model.StateAcquiringEnvironment
	c.mu.Unlock()

	if c.env.FullscreenCapable() {
		if err := c.env.AcquireFullscreen(ctx); err != nil {
			return c.abandon(fmt.Errorf("fullscreen denied: %w", err))
		}
	} else {
		c.log.Info().Msg("Platform has no fullscreen API, skipping acquisition")
	}

	grant, err := c.backend.StartAttempt(ctx, c.quizID, c.device)
	if err != nil {
		c.env.ReleaseFullscreen()
		return c.abandon(fmt.Errorf("start attempt: %w", err))
	}

	queue, err := c.newQueue(grant.AttemptID)
	if err != nil {
		c.env.ReleaseFullscreen()
		return c.abandon(fmt.Errorf("create telemetry queue: %w", err))
	}

	c.mu.Lock()
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.installAttemptLocked(grant, queue)
	go c.mon.Run(c.runCtx)
	c.mu.Unlock()

	c.log.Info().
		Str("attempt_id", grant.AttemptID).
		Int("questions", len(grant.QuestionOrder)).
		Int("time_limit_sec", grant.TimeLimitSec).
		Msg("Session started")
	return nil
}

// installAttemptLocked swaps in a fresh session for a grant: new
// answers map, index zero, new queue, new deadline watcher. Callers
// hold c.mu and have already stopped the previous watcher/queue.
func (c *Controller) installAttemptLocked(grant *model.AttemptGrant, queue EventQueue) {
	c.sess = model.NewSession(c.quizID, grant, c.now())
	c.queue = queue
	c.answerSeq = make(map[string]int64)
	c.questionShownAt = c.now()
	c.state = model.StateInProgress

	go queue.Start(c.runCtx)

	queue.Enqueue(model.EventSessionStart, map[string]any{
		"restart_count":  grant.RestartCount,
		"time_limit_sec": grant.TimeLimitSec,
	})
	queue.Enqueue(model.EventQuestionView, map[string]any{
		"question_id": c.sess.CurrentQuestionID(),
		"index":       0,
	})

	watchCtx, cancel := context.WithCancel(c.runCtx)
	c.watchCancel = cancel
	go c.watchDeadline(watchCtx, c.sess.Deadline)

	c.mon.Arm()
}

// watchDeadline fires auto-submit exactly once when the absolute
// deadline passes. The state machine guards against a re-entrant
// second trigger and against racing a concurrent manual submit.
func (c *Controller) watchDeadline(ctx context.Context, deadline time.Time) {
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.now().Before(deadline) {
				c.log.Info().Msg("Time limit reached, auto-submitting")
				if err := c.submit(context.Background(), true); err != nil {
					c.log.Error().Err(err).Msg("Auto-submit failed")
				}
				return
			}
		}
	}
}

// Next advances to the following question and emits a question_view
// event. The per-question timing anchor resets.
func (c *Controller) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != model.StateInProgress {
		return fmt.Errorf("next: %w", ErrInvalidTransition)
	}
	if c.sess.CurrentIndex >= len(c.sess.QuestionOrder)-1 {
		return ErrLastQuestion
	}

	c.sess.CurrentIndex++
	c.questionShownAt = c.now()
	c.queue.Enqueue(model.EventQuestionView, map[string]any{
		"question_id": c.sess.CurrentQuestionID(),
		"index":       c.sess.CurrentIndex,
	})
	return nil
}

// RequestPrevious checks whether a "previous question" action is
// currently possible. A nil return means the caller should show the
// restart confirmation prompt and call ConfirmPrevious on acceptance.
func (c *Controller) RequestPrevious() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.StateInProgress {
		return fmt.Errorf("previous: %w", ErrInvalidTransition)
	}
	if c.sess.CurrentIndex == 0 {
		return ErrFirstQuestion
	}
	return nil
}

// ConfirmPrevious performs the confirmed "previous question" action.
// Going back is itself a violation: answer history before a restart
// must not be recoverable, so the confirmation routes through a full
// restart rather than moving the index.
func (c *Controller) ConfirmPrevious(ctx context.Context) error {
	c.mu.Lock()
	if c.state != model.StateInProgress {
		c.mu.Unlock()
		return fmt.Errorf("previous: %w", ErrInvalidTransition)
	}
	if c.sess.CurrentIndex == 0 {
		c.mu.Unlock()
		return ErrFirstQuestion
	}
	fromIndex := c.sess.CurrentIndex
	c.mu.Unlock()

	return c.restart(ctx, model.EventPrevConfirmRestart,
		map[string]any{"from_index": fromIndex}, "previous_question")
}

// SetAnswer updates the selection for a question: single-select
// replaces the prior choice, multi-select toggles membership. The
// in-memory map updates synchronously; the autosave call is
// fire-and-forget and never retried (a stale-sequence guard on the
// server keeps out-of-order completions from clobbering newer answers).
func (c *Controller) SetAnswer(questionID string, optionIndex int) error {
	c.mu.Lock()
	if c.state != model.StateInProgress {
		c.mu.Unlock()
		return fmt.Errorf("answer: %w", ErrInvalidTransition)
	}
	if !c.sess.HasQuestion(questionID) {
		c.mu.Unlock()
		return ErrUnknownQuestion
	}
	q, ok := c.catalog.Question(questionID)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownQuestion
	}
	if optionIndex < 0 || optionIndex >= len(q.Options) {
		c.mu.Unlock()
		return ErrUnknownOption
	}

	var selected []int
	switch q.QuestionType {
	case model.QuestionTypeMulti:
		selected = toggleIndex(c.sess.Answers[questionID], optionIndex)
	default:
		selected = []int{optionIndex}
	}

	if len(selected) == 0 {
		delete(c.sess.Answers, questionID)
	} else {
		c.sess.Answers[questionID] = selected
	}

	c.answerSeq[questionID]++
	seq := c.answerSeq[questionID]
	timeSpentMs := c.now().Sub(c.questionShownAt).Milliseconds()
	attemptID := c.sess.AttemptID
	sel := make([]int, len(selected))
	copy(sel, selected)
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), autosaveTimeout)
		defer cancel()
		if err := c.backend.UpsertAnswer(ctx, attemptID, questionID, sel, timeSpentMs, seq); err != nil {
			// Dropped silently from the user's point of view.
			c.log.Warn().Err(err).Str("question_id", questionID).Int64("seq", seq).Msg("Autosave failed")
		}
	}()
	return nil
}

// toggleIndex flips membership of idx and keeps the set sorted.
func toggleIndex(current []int, idx int) []int {
	out := make([]int, 0, len(current)+1)
	removed := false
	for _, v := range current {
		if v == idx {
			removed = true
			continue
		}
		out = append(out, v)
	}
	if !removed {
		out = append(out, idx)
		sort.Ints(out)
	}
	return out
}

// Submit finalizes the attempt: awaited telemetry flush, submit call,
// fullscreen release. On failure the session stays in the submitting
// state with the error surfaced; retry is manual, never automatic, to
// avoid duplicate-submit ambiguity.
func (c *Controller) Submit(ctx context.Context) error {
	return c.submit(ctx, false)
}

func (c *Controller) submit(ctx context.Context, auto bool) error {
	c.mu.Lock()
	switch c.state {
	case model.StateInProgress:
		// First entry into the submitting state.
	case model.StateSubmitting:
		if auto {
			// Manual submit already won the race; auto-submit is a no-op.
			c.mu.Unlock()
			return nil
		}
		if c.inFlight {
			c.mu.Unlock()
			return ErrSubmitInFlight
		}
		// Manual retry after a failed submit call.
	default:
		c.mu.Unlock()
		if auto {
			return nil
		}
		if c.state.Terminal() {
			return fmt.Errorf("submit: %w", ErrSessionTerminal)
		}
		return fmt.Errorf("submit: %w", ErrInvalidTransition)
	}

	if c.state == model.StateInProgress {
		c.state = model.StateSubmitting
		c.mon.Disarm()
		c.stopWatcherLocked()
		c.queue.Enqueue(model.EventSubmit, map[string]any{"auto": auto})
	}
	c.inFlight = true
	queue := c.queue
	attemptID := c.sess.AttemptID
	c.mu.Unlock()

	// Await the flush before submitting to maximize audit completeness.
	// A failed flush leaves events mirrored and does not block the
	// submission itself.
	if err := queue.Drain(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Telemetry flush incomplete before submit")
	}

	err := c.backend.SubmitAttempt(ctx, attemptID)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		return fmt.Errorf("submit attempt: %w", err)
	}
	c.state = model.StateCompleted
	c.mu.Unlock()

	queue.Close()
	c.env.ReleaseFullscreen()
	c.runCancel()

	c.log.Info().Str("attempt_id", attemptID).Bool("auto", auto).Msg("Attempt submitted")
	return nil
}

// restart replaces the session wholesale: the violation event is
// enqueued ahead of the restart event, telemetry is flushed
// best-effort, and the server issues a fresh attempt id, shuffle, and
// timer. In-memory answers and progress are discarded, never patched.
func (c *Controller) restart(ctx context.Context, evType model.EventType, payload map[string]any, reason string) error {
	c.mu.Lock()
	if c.state != model.StateInProgress {
		c.mu.Unlock()
		return fmt.Errorf("restart: %w", ErrInvalidTransition)
	}
	c.state = model.StateRestarting
	c.mon.Disarm()
	c.stopWatcherLocked()

	// Ordering contract: the violation event always precedes the
	// restart event in the queue.
	c.queue.Enqueue(evType, payload)
	c.queue.Enqueue(model.EventRestart, map[string]any{"reason": reason})

	oldQueue := c.queue
	attemptID := c.sess.AttemptID
	c.mu.Unlock()

	c.publishFeed(attemptID, evType, payload)

	if err := oldQueue.Drain(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Best-effort flush before restart failed")
	}

	var grant *model.AttemptGrant
	var err error
retries:
	for try := 0; try < restartTries; try++ {
		grant, err = c.backend.RestartAttempt(ctx, attemptID, reason)
		if err == nil {
			break
		}
		c.log.Warn().Err(err).Int("try", try+1).Msg("Restart call failed")
		if try == restartTries-1 {
			break
		}
		select {
		case <-ctx.Done():
			break retries
		case <-time.After(restartBackoff << try):
		}
	}
	oldQueue.Close()
	if err != nil {
		c.env.ReleaseFullscreen()
		return c.abandon(fmt.Errorf("restart attempt: %w", err))
	}

	queue, qerr := c.newQueue(grant.AttemptID)
	if qerr != nil {
		c.env.ReleaseFullscreen()
		return c.abandon(fmt.Errorf("create telemetry queue: %w", qerr))
	}

	c.mu.Lock()
	c.installAttemptLocked(grant, queue)
	c.mu.Unlock()

	c.log.Info().
		Str("attempt_id", grant.AttemptID).
		Int("restart_count", grant.RestartCount).
		Str("reason", reason).
		Msg("Session restarted")
	return nil
}

// HandleUnload is the navigation-away path: best-effort telemetry
// delivery over the unload transport, which confirms nothing and
// therefore leaves the persisted mirror intact for a later reload.
func (c *Controller) HandleUnload() {
	c.mu.Lock()
	if c.state != model.StateInProgress && c.state != model.StateSubmitting {
		c.mu.Unlock()
		return
	}
	c.mon.Disarm()
	c.stopWatcherLocked()
	c.state = model.StateAbandoned
	queue := c.queue
	c.mu.Unlock()

	queue.FlushUnload()
	c.env.ReleaseFullscreen()
	c.log.Info().Msg("Session unloaded")
}

// ─── monitor.Handler ───────────────────────────────────────────────

// OnSoftViolation logs the event; the default action was suppressed by
// the environment and no state transition occurs.
func (c *Controller) OnSoftViolation(evType model.EventType, payload map[string]any) {
	c.mu.Lock()
	if c.state != model.StateInProgress {
		c.mu.Unlock()
		return
	}
	c.queue.Enqueue(evType, payload)
	attemptID := c.sess.AttemptID
	c.mu.Unlock()

	c.publishFeed(attemptID, evType, payload)
}

// OnHardViolation forces the restart transition. The monitor has
// already disarmed itself, so the transition window cannot double-log.
func (c *Controller) OnHardViolation(evType model.EventType, payload map[string]any) {
	if err := c.restart(context.Background(), evType, payload, string(evType)); err != nil {
		c.log.Error().Err(err).Str("event", string(evType)).Msg("Restart after violation failed")
	}
}

// OnEscalation handles the intercepted back button: logged, then
// escalated to a confirmation prompt rather than an immediate restart.
func (c *Controller) OnEscalation(evType model.EventType, payload map[string]any) {
	c.mu.Lock()
	if c.state != model.StateInProgress {
		c.mu.Unlock()
		return
	}
	c.queue.Enqueue(evType, payload)
	attemptID := c.sess.AttemptID
	c.mu.Unlock()

	c.publishFeed(attemptID, evType, payload)

	if c.confirmRestart != nil && c.confirmRestart() {
		if err := c.restart(context.Background(), model.EventPrevConfirmRestart,
			map[string]any{"via": string(evType)}, "back_button_confirm"); err != nil {
			c.log.Error().Err(err).Msg("Restart after back-button confirmation failed")
		}
	}
}

// ─── accessors ─────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current session, or nil before start.
func (c *Controller) Snapshot() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	cp := *c.sess
	cp.QuestionOrder = append([]string(nil), c.sess.QuestionOrder...)
	cp.Answers = make(map[string][]int, len(c.sess.Answers))
	for k, v := range c.sess.Answers {
		cp.Answers[k] = append([]int(nil), v...)
	}
	return &cp
}

// Remaining returns the time left on the attempt clock.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.Remaining(c.now())
}

// Err returns the last user-visible error.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ─── helpers ───────────────────────────────────────────────────────

func (c *Controller) abandon(err error) error {
	c.mu.Lock()
	c.state = model.StateAbandoned
	c.lastErr = err
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.log.Error().Err(err).Msg("Session abandoned")
	return err
}

func (c *Controller) stopWatcherLocked() {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

func (c *Controller) publishFeed(attemptID string, evType model.EventType, payload map[string]any) {
	if c.feed != nil {
		c.feed.Publish(attemptID, evType, payload)
	}
}
