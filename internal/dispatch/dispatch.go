// Package dispatch implements the trampoline: the loop that executes tool
// calls through the sandbox and iteratively re-invokes the model until it
// returns a pure text answer.
//
// Grounded directly on agent.Query's iteration loop (agent/agent.go): the
// `for iteration := 0; iteration < a.config.MaxIterations` shape, tool
// calls executed and their results appended as role=tool messages,
// `continue` to loop again. Generalized from "any tool call through a
// registry" to the fixed three-tool set routed through internal/sandbox,
// and from a flat cap that fails the turn to a K_max cap that returns the
// last text annotated "(trampoline limit reached)". Tool execution is
// sequential rather than the source's concurrent ExecuteToolCalls
// fan-out, because the ordering guarantee (tool calls run in the order
// the model emitted them; journal entries appear contiguously and in
// execution order) is incompatible with concurrent dispatch.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nachoal/replcore/internal/applog"
	"github.com/nachoal/replcore/internal/contextmgr"
	"github.com/nachoal/replcore/internal/decision"
	"github.com/nachoal/replcore/internal/llmclient"
	"github.com/nachoal/replcore/internal/ratelimit"
	"github.com/nachoal/replcore/internal/sandbox"
	"github.com/nachoal/replcore/internal/session"
	"github.com/nachoal/replcore/internal/toolspec"
)

var log = applog.Component("dispatch")

// defaultKMax is the hard cap on trampoline iterations per user turn.
const defaultKMax = 8

// previewLimit is the maximum length of a tool result folded into the
// first turn's enhanced prompt before it is truncated.
const previewLimit = 2000

// limitAnnotation is appended to the final text when the trampoline is cut
// off by KMax rather than terminating naturally.
const limitAnnotation = " (trampoline limit reached)"

// ToolUse records one tool invocation and its outcome, for metadata
// returned alongside the final text.
type ToolUse struct {
	Call   toolspec.Call
	Result string
	Err    error
}

// Metadata accompanies the text a Dispatcher returns.
type Metadata struct {
	ToolUses  []ToolUse
	Decision  decision.Decision
	Iterations int
	Limited   bool
}

// Dispatcher wires the decision engine, sandbox, LLM client, and rate
// controller into the two-stage tool-dispatch pipeline, journaling every
// turn through a session.Store.
type Dispatcher struct {
	Sandbox  *sandbox.Sandbox
	Decision *decision.Engine
	LLM      llmclient.Client
	Rate     *ratelimit.Controller
	Sessions *session.Store
	Model    string
	KMax     int

	// SkipDecision disables the decision engine (GEMINI_STRUCTURED_DISPATCH=false):
	// every turn falls straight through to the trampoline, which must then
	// discover any needed tool call on its own.
	SkipDecision bool
}

// New returns a Dispatcher with KMax defaulted to defaultKMax.
func New(sb *sandbox.Sandbox, dec *decision.Engine, llm llmclient.Client, rate *ratelimit.Controller, sessions *session.Store, model string) *Dispatcher {
	return &Dispatcher{
		Sandbox:  sb,
		Decision: dec,
		LLM:      llm,
		Rate:     rate,
		Sessions: sessions,
		Model:    model,
		KMax:     defaultKMax,
	}
}

// Handle runs one user turn: journals the utterance, classifies it through
// the decision engine, executes the decided tool (if any) into the first
// turn's enhanced prompt, then trampolines further model-emitted function
// calls until the model returns pure text or KMax is reached.
func (d *Dispatcher) Handle(ctx context.Context, sessionID uuid.UUID, cm *contextmgr.Context, systemPrompt, utterance string) (string, Metadata, error) {
	kMax := d.KMax
	if kMax <= 0 {
		kMax = defaultKMax
	}

	cm.Add(contextmgr.RoleUser, utterance)
	if _, err := d.Sessions.Append(sessionID, session.EntryUser, &session.EntryMessage{Role: "user", Content: utterance}, session.EntryMetadata{}); err != nil {
		return "", Metadata{}, err
	}

	var meta Metadata
	if !d.SkipDecision {
		decided := d.Decision.Analyze(ctx, utterance, true)
		meta.Decision = decided

		if useTool, ok := decided.(decision.UseTool); ok {
			result, execErr := d.execute(useTool.Call)
			meta.ToolUses = append(meta.ToolUses, ToolUse{Call: useTool.Call, Result: result, Err: execErr})
			if err := d.journalToolUse(sessionID, useTool.Call, result, execErr); err != nil {
				return "", Metadata{}, err
			}

			preview := result
			if execErr != nil {
				preview = describeError(execErr)
			}
			cm.ReplaceLastUserContent(buildEnhancedPrompt(utterance, useTool.Call.Name, preview))
		}
	}

	resp, err := d.generate(ctx, systemPrompt, cm.Messages())
	if err != nil {
		return "", Metadata{}, err
	}

	for len(resp.FunctionCalls) > 0 {
		if meta.Iterations >= kMax {
			meta.Limited = true
			log.Warn("trampoline limit reached", "session", sessionID, "kMax", kMax)
			break
		}

		for _, fc := range resp.FunctionCalls {
			call, convErr := toolCallFromFunctionCall(fc)
			var result string
			var execErr error
			if convErr != nil {
				execErr = convErr
			} else {
				result, execErr = d.execute(call)
			}
			meta.ToolUses = append(meta.ToolUses, ToolUse{Call: call, Result: result, Err: execErr})
			if err := d.journalToolUse(sessionID, call, result, execErr); err != nil {
				return "", Metadata{}, err
			}

			content := result
			if execErr != nil {
				content = describeError(execErr)
			}
			cm.Add(contextmgr.RoleTool, content)
		}

		meta.Iterations++
		resp, err = d.generate(ctx, systemPrompt, cm.Messages())
		if err != nil {
			return "", Metadata{}, err
		}
	}

	text := resp.Text
	if meta.Limited {
		text += limitAnnotation
	}

	cm.Add(contextmgr.RoleAssistant, text)
	if _, err := d.Sessions.Append(sessionID, session.EntryAssistant, &session.EntryMessage{Role: "assistant", Content: text}, session.EntryMetadata{Model: d.Model}); err != nil {
		return "", Metadata{}, err
	}

	return text, meta, nil
}

// generate issues one LLM call, waiting for rate-limit capacity and
// retrying on provider-reported throttling per the backoff policy. A
// non-throttled error (or a retry exhaustion) is surfaced to the caller.
func (d *Dispatcher) generate(ctx context.Context, systemPrompt string, messages []contextmgr.Message) (llmclient.Response, error) {
	var resp llmclient.Response
	err := d.Rate.Retry(ctx, func(ctx context.Context) error {
		if err := d.Rate.Wait(ctx, d.Model, nil); err != nil {
			return err
		}
		r, err := d.LLM.Generate(ctx, d.Model, systemPrompt, messages)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// execute runs call through the Sandbox, producing the text that becomes
// the tool-result message.
func (d *Dispatcher) execute(call toolspec.Call) (string, error) {
	switch call.Name {
	case toolspec.ListFiles:
		return d.Sandbox.List(call.Pattern)
	case toolspec.ReadFile:
		return d.Sandbox.Read(call.Path)
	case toolspec.WriteFile:
		if err := d.Sandbox.Write(call.Path, call.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(call.Content), call.Path), nil
	default:
		return "", toolspec.NewError(toolspec.KindBadRequest, "unknown tool").WithDetail("tool", string(call.Name))
	}
}

// journalToolUse records a tool_use entry for the session store. A failed
// call is journaled with the error's description as its content — the
// failure itself is never raised out of the trampoline loop.
func (d *Dispatcher) journalToolUse(sessionID uuid.UUID, call toolspec.Call, result string, execErr error) error {
	content := result
	if execErr != nil {
		content = describeError(execErr)
		log.Debug("tool call failed", "session", sessionID, "tool", call.Name, "error", execErr)
	}
	_, err := d.Sessions.Append(sessionID, session.EntryTool, &session.EntryMessage{Role: "tool", Content: content}, session.EntryMetadata{
		ToolName: string(call.Name),
		ToolArgs: argsString(call),
	})
	return err
}

// argsString renders the tool-specific fields of call as a short
// human-readable string for the journal entry's metadata.
func argsString(call toolspec.Call) string {
	switch call.Name {
	case toolspec.ListFiles:
		return fmt.Sprintf("pattern=%s", call.Pattern)
	case toolspec.ReadFile:
		return fmt.Sprintf("file_path=%s", call.Path)
	case toolspec.WriteFile:
		return fmt.Sprintf("file_path=%s content_len=%d", call.Path, len(call.Content))
	default:
		return ""
	}
}

// describeError renders execErr for inclusion in a tool-result message,
// carrying the error's Kind when it is a *toolspec.Error.
func describeError(execErr error) string {
	if se, ok := execErr.(*toolspec.Error); ok {
		return fmt.Sprintf("Error (%s): %s", se.Kind, se.Message)
	}
	return fmt.Sprintf("Error: %s", execErr.Error())
}

// toolCallFromFunctionCall converts a model-emitted function call into a
// toolspec.Call, enforcing the same per-tool required-argument rules as
// the decision engine's toolCallFor.
func toolCallFromFunctionCall(fc llmclient.FunctionCall) (toolspec.Call, error) {
	name := toolspec.Name(fc.Name)
	if !name.Valid() {
		return toolspec.Call{}, toolspec.NewError(toolspec.KindBadRequest, "model requested an unknown tool").WithDetail("tool", fc.Name)
	}

	switch name {
	case toolspec.ListFiles:
		pattern := fc.Args["pattern"]
		if pattern == "" {
			pattern = "*"
		}
		return toolspec.Call{Name: name, Pattern: pattern}, nil

	case toolspec.ReadFile:
		path := fc.Args["file_path"]
		if path == "" {
			return toolspec.Call{}, toolspec.NewError(toolspec.KindBadRequest, "read_file requires file_path")
		}
		return toolspec.Call{Name: name, Path: path}, nil

	case toolspec.WriteFile:
		path := fc.Args["file_path"]
		if path == "" {
			return toolspec.Call{}, toolspec.NewError(toolspec.KindBadRequest, "write_file requires file_path")
		}
		content, ok := fc.Args["content"]
		if !ok {
			return toolspec.Call{}, toolspec.NewError(toolspec.KindBadRequest, "write_file requires content")
		}
		return toolspec.Call{Name: name, Path: path, Content: content}, nil
	}

	return toolspec.Call{}, toolspec.NewError(toolspec.KindBadRequest, "unhandled tool").WithDetail("tool", fc.Name)
}

// buildEnhancedPrompt folds a tool result into the original utterance for
// the first turn's enhanced prompt, truncating the result preview to
// previewLimit runes with a visible marker.
func buildEnhancedPrompt(utterance string, tool toolspec.Name, result string) string {
	return fmt.Sprintf("%s\n\n[Tool result: %s]\n%s", utterance, tool, truncate(result, previewLimit))
}

// truncate shortens s to at most limit runes, appending a visible marker
// if anything was cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…(truncated)"
}
