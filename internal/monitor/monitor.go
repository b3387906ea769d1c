// Package monitor observes environment signals (fullscreen state, tab
// visibility, window focus, clipboard, navigation, keyboard) and
// classifies each as a logged event and/or a violation that forces a
// restart.
package monitor

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/proctorly/quiz-agent/internal/model"
)

// SignalKind identifies a raw environment signal.
type SignalKind string

const (
	SignalFullscreenExit SignalKind = "fullscreen_exit"
	SignalTabHidden      SignalKind = "tab_hidden"
	SignalWindowBlur     SignalKind = "window_blur"
	SignalCopy           SignalKind = "copy"
	SignalPaste          SignalKind = "paste"
	SignalCut            SignalKind = "cut"
	SignalContextMenu    SignalKind = "context_menu"
	SignalSelectionStart SignalKind = "selection_start"
	SignalKeyCombo       SignalKind = "key_combo"
	SignalBackButton     SignalKind = "back_button"
)

// Signal is one raw observation from the environment.
type Signal struct {
	Kind    SignalKind
	Payload map[string]any
}

// Environment abstracts the platform surface the monitor watches.
type Environment interface {
	// FullscreenCapable reports whether the platform has a fullscreen
	// API at all. Incapable platforms skip acquisition and suppress
	// fullscreen-exit violations.
	FullscreenCapable() bool
	AcquireFullscreen(ctx context.Context) error
	ReleaseFullscreen()
	// Signals yields raw observations until the environment closes.
	Signals() <-chan Signal
}

// Class is the enforcement class of a signal.
type Class int

const (
	// ClassIgnored signals produce no event at all.
	ClassIgnored Class = iota
	// ClassSoft signals are logged with their default action
	// suppressed; the session continues.
	ClassSoft
	// ClassHard signals force a restart.
	ClassHard
	// ClassEscalate signals are logged, neutralized, and escalated to
	// a user confirmation instead of an immediate restart.
	ClassEscalate
)

// Classify maps a signal to its enforcement class and event type.
// Fullscreen exit is suppressed entirely on platforms without a
// fullscreen API.
func Classify(kind SignalKind, fullscreenCapable bool) (Class, model.EventType) {
	switch kind {
	case SignalFullscreenExit:
		if !fullscreenCapable {
			return ClassIgnored, ""
		}
		return ClassHard, model.EventFullscreenExit
	case SignalTabHidden:
		return ClassHard, model.EventTabHidden
	case SignalWindowBlur:
		return ClassHard, model.EventWindowBlur
	case SignalCopy:
		return ClassSoft, model.EventCopy
	case SignalPaste:
		return ClassSoft, model.EventPaste
	case SignalCut:
		return ClassSoft, model.EventCut
	case SignalContextMenu:
		return ClassSoft, model.EventContextMenu
	case SignalSelectionStart:
		return ClassSoft, model.EventSelectionStart
	case SignalKeyCombo:
		return ClassSoft, model.EventKeyCombo
	case SignalBackButton:
		return ClassEscalate, model.EventBackButton
	default:
		return ClassIgnored, ""
	}
}

// Handler receives classified violations. Implemented by the session
// controller.
type Handler interface {
	// OnSoftViolation logs the event; no state transition.
	OnSoftViolation(evType model.EventType, payload map[string]any)
	// OnHardViolation logs the event and forces a restart. The handler
	// must enqueue the violation event before issuing the restart call.
	OnHardViolation(evType model.EventType, payload map[string]any)
	// OnEscalation logs the event and prompts the user; confirmation
	// routes through a restart.
	OnEscalation(evType model.EventType, payload map[string]any)
}

// Monitor consumes environment signals while armed and dispatches them
// to the handler. It arms on entry to the in-progress state and
// disarms on any exit, so no violation is double-logged during a
// transition window.
type Monitor struct {
	env     Environment
	handler Handler
	log     zerolog.Logger
	armed   atomic.Bool
}

// New creates a Monitor. It starts disarmed.
func New(env Environment, handler Handler, log zerolog.Logger) *Monitor {
	return &Monitor{
		env:     env,
		handler: handler,
		log:     log.With().Str("component", "integrity_monitor").Logger(),
	}
}

// Arm enables violation dispatch.
func (m *Monitor) Arm() { m.armed.Store(true) }

// Disarm drops all signals until the next Arm.
func (m *Monitor) Disarm() { m.armed.Store(false) }

// Armed reports whether signals are being dispatched.
func (m *Monitor) Armed() bool { return m.armed.Load() }

// Run consumes signals until ctx is cancelled or the environment
// closes its channel. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-m.env.Signals():
			if !ok {
				return
			}
			m.dispatch(sig)
		}
	}
}

func (m *Monitor) dispatch(sig Signal) {
	if !m.armed.Load() {
		m.log.Debug().Str("signal", string(sig.Kind)).Msg("Signal dropped while disarmed")
		return
	}

	class, evType := Classify(sig.Kind, m.env.FullscreenCapable())
	switch class {
	case ClassIgnored:
		m.log.Debug().Str("signal", string(sig.Kind)).Msg("Signal ignored on this platform")
	case ClassSoft:
		m.handler.OnSoftViolation(evType, sig.Payload)
	case ClassHard:
		// Disarm before handing off: the restart transition must not
		// observe a second violation from the same burst.
		m.armed.Store(false)
		m.handler.OnHardViolation(evType, sig.Payload)
	case ClassEscalate:
		m.handler.OnEscalation(evType, sig.Payload)
	}
}
