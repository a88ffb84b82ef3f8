// Package controller owns the per-turn lifecycle: it holds the session,
// the in-memory context, the system prompt, and the dispatcher handed to
// it by its caller, and exposes the single entry point (Handle) plus the
// secondary operations a shell needs (ClearContext, ListSessions,
// Resume). Resolving the system prompt and building the dispatcher (with
// its rate controller and decision engine) happen in cmd/replcore.
//
// Grounded on cmd/simple-agent/main.go's wiring (config manager →
// client → agent → TUI), reshaped into a non-UI controller that combines
// session.Store, contextmgr.Context, and dispatch.Dispatcher instead of a
// TUI program. The
// state machine is an explicit state field with guarded transitions —
// no state-machine library fits this shape.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nachoal/replcore/internal/applog"
	"github.com/nachoal/replcore/internal/contextmgr"
	"github.com/nachoal/replcore/internal/dispatch"
	"github.com/nachoal/replcore/internal/session"
	"github.com/nachoal/replcore/internal/toolspec"
)

var log = applog.Component("controller")

// State names the controller's position in the per-turn state machine.
type State int

const (
	Idle State = iota
	Classifying
	AwaitingModel
	Emitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Classifying:
		return "Classifying"
	case AwaitingModel:
		return "AwaitingModel"
	case Emitting:
		return "Emitting"
	default:
		return "Unknown"
	}
}

// transitions enumerates the legal moves out of each state. The
// Executing⇄AwaitingModel alternation inside a single trampoline run is
// internal to dispatch.Dispatcher and not separately observable here,
// since the Controller calls Handle as one atomic step; this table
// models the turn from the Controller's own vantage point.
var transitions = map[State][]State{
	Idle:          {Classifying},
	Classifying:   {AwaitingModel, Idle},
	AwaitingModel: {Emitting, Idle},
	Emitting:      {Idle},
}

// defaultTurnTimeout is the total wall-clock budget for one Handle call.
const defaultTurnTimeout = 120 * time.Second

// Metadata accompanies the text Handle returns.
type Metadata struct {
	Duration time.Duration
	Tokens   int
	ToolUses []dispatch.ToolUse
}

// Controller runs one turn at a time: Handle holds mu for its entire
// duration, so a concurrent Handle call waits for the running turn to
// finish, implementing the single-flight-per-session guarantee.
type Controller struct {
	mu           sync.Mutex
	state        State
	sessions     *session.Store
	sessionID    uuid.UUID
	context      *contextmgr.Context
	dispatcher   *dispatch.Dispatcher
	systemPrompt string
	turnTimeout  time.Duration
}

// New returns a Controller bound to sessionID, using systemPrompt for
// every LLM call and turnTimeout (defaultTurnTimeout if zero) as the
// per-turn deadline.
func New(sessions *session.Store, dispatcher *dispatch.Dispatcher, sessionID uuid.UUID, ctxBudget int, systemPrompt string, turnTimeout time.Duration) *Controller {
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	return &Controller{
		state:        Idle,
		sessions:     sessions,
		sessionID:    sessionID,
		context:      contextmgr.New(ctxBudget),
		dispatcher:   dispatcher,
		systemPrompt: systemPrompt,
		turnTimeout:  turnTimeout,
	}
}

// SessionID returns the session this Controller is currently bound to.
func (c *Controller) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Handle runs one user turn to completion: classifies and dispatches
// utterance through the trampoline, and returns the assistant's final
// text plus turn metadata. Cancellation (including the turn timeout)
// unwinds as a toolspec.KindCancelled/KindTimeout error, with an `error`
// entry written to the session journal before returning to Idle.
func (c *Controller) Handle(ctx context.Context, utterance string) (string, Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Classifying); err != nil {
		return "", Metadata{}, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, c.turnTimeout)
	defer cancel()

	if err := c.transition(AwaitingModel); err != nil {
		return "", Metadata{}, err
	}

	start := time.Now()
	text, meta, err := c.dispatcher.Handle(turnCtx, c.sessionID, c.context, c.systemPrompt, utterance)
	if err != nil {
		if turnCtx.Err() == context.DeadlineExceeded {
			err = toolspec.NewError(toolspec.KindTimeout, "turn timed out").WithDetail("cause", err.Error())
		} else if turnCtx.Err() == context.Canceled {
			err = toolspec.NewError(toolspec.KindCancelled, "turn cancelled").WithDetail("cause", err.Error())
		}
		c.journalError(err)
		c.state = Idle
		return "", Metadata{}, err
	}

	if err := c.transition(Emitting); err != nil {
		return "", Metadata{}, err
	}
	duration := time.Since(start)

	if err := c.transition(Idle); err != nil {
		return "", Metadata{}, err
	}

	return text, Metadata{Duration: duration, Tokens: c.context.TotalTokens(), ToolUses: meta.ToolUses}, nil
}

// ClearContext resets the in-memory Context while leaving the session's
// journal parentUuid chain intact, so the session remains a faithful
// replay across the clear.
func (c *Controller) ClearContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context.Clear()
}

// ListSessions returns summary info for every session in the store, most
// recently updated first.
func (c *Controller) ListSessions() ([]session.Info, error) {
	return c.sessions.List()
}

// Resume switches the Controller onto an existing session identified by
// ref (a UUID string or a bound name), replaying its journal into a
// fresh in-memory Context.
func (c *Controller) Resume(ref string) error {
	id, err := c.sessions.FindByNameOrID(ref)
	if err != nil {
		return err
	}

	entries, err := c.sessions.Entries(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = id
	c.context.Clear()
	for _, e := range entries {
		if e.Message == nil {
			continue
		}
		switch e.Type {
		case session.EntryUser:
			c.context.Add(contextmgr.RoleUser, e.Message.Content)
		case session.EntryAssistant:
			c.context.Add(contextmgr.RoleAssistant, e.Message.Content)
		case session.EntryTool:
			c.context.Add(contextmgr.RoleTool, e.Message.Content)
		}
	}
	c.state = Idle
	return nil
}

// transition moves to next if legal from the current state, or returns a
// FatalConfig error describing the illegal move. Caller holds c.mu.
func (c *Controller) transition(next State) error {
	for _, allowed := range transitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return toolspec.NewError(toolspec.KindFatalConfig, fmt.Sprintf("illegal state transition %s -> %s", c.state, next))
}

// journalError logs err and writes an `error` entry to the session
// journal; the caller then sets the state back to Idle, completing the
// state machine's terminal-error transition. Caller holds c.mu.
func (c *Controller) journalError(err error) {
	log.Error("turn failed", "session", c.sessionID, "error", err)
	if _, appendErr := c.sessions.Append(c.sessionID, session.EntryError, &session.EntryMessage{Role: "error", Content: err.Error()}, session.EntryMetadata{}); appendErr != nil {
		log.Error("failed to journal error entry", "session", c.sessionID, "error", appendErr)
	}
}
