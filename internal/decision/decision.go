// Package decision implements the structured classifier that decides
// whether a user utterance requires a tool call before the trampoline
// takes over.
//
// Grounded on tools/decision_engine.py's ToolDecisionEngine (the
// DECISION_PROMPT text, the TTL-keyed decision cache, _fix_ai_response's
// normalization steps) and tools/tool_decision.py's ToolDecision.is_valid.
// The flat pydantic-style ToolDecision model is replaced by a tagged sum
// type, NoTool | UseTool, normalized at the parse boundary so no optional
// tool field escapes into the rest of the program.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nachoal/replcore/internal/contextmgr"
	"github.com/nachoal/replcore/internal/llmclient"
	"github.com/nachoal/replcore/internal/toolspec"
	"google.golang.org/genai"
)

// decisionPrompt enumerates the three allowed tools by exact parameter
// name, mirroring DECISION_PROMPT from the original almost verbatim.
const decisionPrompt = `You are a tool dispatch analyzer for a file system console.

Available tools:
1. list_files - List files matching a pattern
   - Parameters: pattern (optional, defaults to "*")
   - Use pattern for both directory listing and file matching

2. read_file - Read the contents of a specific file
   - Parameters: file_path (required) - MUST use 'file_path' not 'path'

3. write_file - Create or update a file with content
   - Parameters: file_path (required), content (required)

Analyze the user's query and determine if it requires a tool call.

Examples:
- "What files are in src?" -> list_files with pattern="src/*"
- "Read the Makefile" -> read_file with file_path="Makefile"
- "Explain recursion" -> no tool needed (requires_tool_call=false)

CRITICAL: For read_file and write_file, you MUST use 'file_path' as the parameter name, NOT 'path'.

Important:
- Only suggest tools for actual file operations
- Don't suggest tools for general questions or explanations
- Be conservative - when in doubt, don't use a tool`

// defaultTTL is the default decision-cache lifetime.
const defaultTTL = 10 * time.Minute

// decisionSchema constrains the structured LLM response to ToolDecision's
// wire shape.
var decisionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"requires_tool_call": {Type: genai.TypeBoolean},
		"tool_name": {
			Type: genai.TypeString,
			Enum: []string{string(toolspec.ListFiles), string(toolspec.ReadFile), string(toolspec.WriteFile)},
		},
		"reasoning":  {Type: genai.TypeString},
		"file_path":  {Type: genai.TypeString},
		"pattern":    {Type: genai.TypeString},
		"content":    {Type: genai.TypeString},
	},
	Required: []string{"requires_tool_call", "reasoning"},
}

// Decision is the sum type produced by Analyze: exactly one of NoTool or
// UseTool. Callers should type-switch rather than inspect fields that
// might be zero-valued for the "wrong" variant.
type Decision interface {
	isDecision()
}

// NoTool means the utterance does not require a tool call.
type NoTool struct {
	Reasoning string
}

func (NoTool) isDecision() {}

// UseTool means the utterance requires invoking Call.
type UseTool struct {
	Call      toolspec.Call
	Reasoning string
}

func (UseTool) isDecision() {}

// rawDecision is the wire shape of a structured LLM response, matching
// ToolDecision's flat field set. It exists only at the parse boundary;
// Analyze normalizes it into a Decision immediately.
type rawDecision struct {
	RequiresToolCall json.RawMessage `json:"requires_tool_call"`
	ToolName         string          `json:"tool_name"`
	Reasoning        string          `json:"reasoning"`
	FilePath         string          `json:"file_path"`
	Path             string          `json:"path"`
	Pattern          string          `json:"pattern"`
	Content          *string         `json:"content"`
	Parameters       json.RawMessage `json:"parameters"`
	Args             json.RawMessage `json:"args"`
}

type cacheEntry struct {
	decision Decision
	storedAt time.Time
}

// Engine analyzes utterances into Decisions, memoizing results for TTL.
type Engine struct {
	client llmclient.Client
	model  string
	ttl    time.Duration

	mu       sync.Mutex
	cache    map[string]cacheEntry
	failures int // consecutive failed classify attempts, reset on success and after the second failure

	// Disabled is a bypass switch: when true, Analyze always returns NoTool
	// without calling the LLM. cmd/replcore applies GEMINI_STRUCTURED_DISPATCH
	// through dispatch.Dispatcher.SkipDecision rather than this field.
	Disabled bool

	now func() time.Time
}

// New returns an Engine calling model through client, with ttl controlling
// how long a cached decision remains valid (defaultTTL if zero).
func New(client llmclient.Client, model string, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Engine{
		client: client,
		model:  model,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Analyze classifies utterance into a Decision, consulting and updating
// the decision cache when useCache is true.
func (e *Engine) Analyze(ctx context.Context, utterance string, useCache bool) Decision {
	if e.Disabled {
		return NoTool{Reasoning: "decision engine disabled by configuration"}
	}

	if useCache {
		if d, ok := e.cached(utterance); ok {
			return d
		}
	}

	d, err := e.classifyWithRetry(ctx, utterance)
	if err != nil {
		return NoTool{Reasoning: fmt.Sprintf("malformed response twice in a row: %v", err)}
	}

	e.mu.Lock()
	if useCache {
		e.cache[utterance] = cacheEntry{decision: d, storedAt: e.now()}
	}
	e.mu.Unlock()

	return d
}

// classifyWithRetry calls classify, tolerating a single malformed response:
// on the first failure it retries once before giving up. failures tracks
// consecutive classify failures across the two attempts and is reset to
// zero as soon as either attempt succeeds, and again once the second
// attempt fails and the error is returned.
func (e *Engine) classifyWithRetry(ctx context.Context, utterance string) (Decision, error) {
	d, err := e.classify(ctx, utterance)
	if err == nil {
		e.mu.Lock()
		e.failures = 0
		e.mu.Unlock()
		return d, nil
	}

	e.mu.Lock()
	e.failures++
	e.mu.Unlock()

	d, err = e.classify(ctx, utterance)
	if err == nil {
		e.mu.Lock()
		e.failures = 0
		e.mu.Unlock()
		return d, nil
	}

	e.mu.Lock()
	e.failures++
	e.failures = 0
	e.mu.Unlock()
	return nil, err
}

// ClearCache empties the decision cache.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cacheEntry)
}

func (e *Engine) cached(utterance string) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cache[utterance]
	if !ok {
		return nil, false
	}
	if e.now().Sub(entry.storedAt) >= e.ttl {
		delete(e.cache, utterance)
		return nil, false
	}
	return entry.decision, true
}

// classify issues the structured LLM call and normalizes its response
// into a Decision, validating per-tool required fields.
func (e *Engine) classify(ctx context.Context, utterance string) (Decision, error) {
	messages := []contextmgr.Message{{Role: contextmgr.RoleUser, Content: utterance}}

	text, err := e.client.GenerateStructured(ctx, e.model, decisionPrompt, messages, decisionSchema)
	if err != nil {
		return nil, err
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, toolspec.NewError(toolspec.KindMalformedDecision, "could not parse structured decision").WithDetail("error", err.Error())
	}

	normalize(&raw)

	requiresTool, err := coerceBool(raw.RequiresToolCall)
	if err != nil {
		return nil, toolspec.NewError(toolspec.KindMalformedDecision, "requires_tool_call was not a boolean").WithDetail("error", err.Error())
	}

	if !requiresTool {
		return NoTool{Reasoning: raw.Reasoning}, nil
	}

	call, err := toolCallFor(raw)
	if err != nil {
		return NoTool{Reasoning: "invalid tool configuration, proceeding without tools"}, nil
	}
	return UseTool{Call: call, Reasoning: raw.Reasoning}, nil
}

// normalize applies _fix_ai_response's repairs in place: flattening a
// nested parameters/args object, and renaming path -> file_path.
func normalize(raw *rawDecision) {
	nested := raw.Parameters
	if len(nested) == 0 {
		nested = raw.Args
	}
	if len(nested) > 0 {
		var flattened rawDecision
		if err := json.Unmarshal(nested, &flattened); err == nil {
			if raw.FilePath == "" {
				raw.FilePath = flattened.FilePath
			}
			if raw.Path == "" {
				raw.Path = flattened.Path
			}
			if raw.Pattern == "" {
				raw.Pattern = flattened.Pattern
			}
			if raw.Content == nil {
				raw.Content = flattened.Content
			}
			if raw.ToolName == "" {
				raw.ToolName = flattened.ToolName
			}
		}
	}

	if raw.FilePath == "" && raw.Path != "" {
		raw.FilePath = raw.Path
	}
}

// coerceBool accepts a JSON boolean or the string "true"/"false", matching
// _fix_ai_response's string-boolean coercion.
func coerceBool(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, fmt.Errorf("missing value")
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(s, "true"), nil
	}
	return false, fmt.Errorf("unrecognized boolean value: %s", string(raw))
}

// toolCallFor builds a toolspec.Call from a normalized rawDecision,
// enforcing is_valid()'s per-tool required fields.
func toolCallFor(raw rawDecision) (toolspec.Call, error) {
	name := toolspec.Name(raw.ToolName)
	if !name.Valid() {
		return toolspec.Call{}, fmt.Errorf("unknown tool name %q", raw.ToolName)
	}

	switch name {
	case toolspec.ListFiles:
		pattern := raw.Pattern
		if pattern == "" {
			pattern = raw.FilePath
		}
		if pattern == "" {
			pattern = "*"
		}
		return toolspec.Call{Name: name, Pattern: pattern}, nil

	case toolspec.ReadFile:
		if raw.FilePath == "" {
			return toolspec.Call{}, fmt.Errorf("read_file requires file_path")
		}
		return toolspec.Call{Name: name, Path: raw.FilePath}, nil

	case toolspec.WriteFile:
		if raw.FilePath == "" {
			return toolspec.Call{}, fmt.Errorf("write_file requires file_path")
		}
		if raw.Content == nil {
			return toolspec.Call{}, fmt.Errorf("write_file requires content")
		}
		return toolspec.Call{Name: name, Path: raw.FilePath, Content: *raw.Content}, nil
	}

	return toolspec.Call{}, fmt.Errorf("unhandled tool name %q", raw.ToolName)
}
