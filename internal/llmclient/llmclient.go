// Package llmclient is the LLM transport facade: a provider-agnostic
// Client interface plus a Gemini-backed implementation.
//
// Grounded on vitadin-NeuroShell/internal/services/gemini_client.go for
// the Gemini wiring (lazy client init, message conversion, generation
// config, thinking-aware response processing) and on llm.Client's
// interface shape (a small method set any provider can implement), with
// the original multi-provider clients dropped in favor of a single
// Gemini-only implementation, since the decision engine's
// structured-output call and the dispatcher's conversational call both
// only ever target Gemini.
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/nachoal/replcore/internal/contextmgr"
	"github.com/nachoal/replcore/internal/toolspec"
	"google.golang.org/genai"
)

// FunctionCall is a single function-call part the model emitted, carrying
// the tool name and its string-valued arguments (matching the core tools'
// flat string parameter shape: file_path, pattern, content).
type FunctionCall struct {
	Name string
	Args map[string]string
}

// Response is the result of a conversational Generate call. FunctionCalls
// is non-empty exactly when the model asked to invoke one or more tools
// instead of (or alongside) returning text.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
}

// Client is the transport-level interface the decision engine and
// dispatcher depend on, so both can be tested against a fake.
type Client interface {
	// Generate sends the message history and returns the model's reply text.
	Generate(ctx context.Context, model string, systemPrompt string, messages []contextmgr.Message) (Response, error)
	// GenerateStructured sends the message history constrained to respond
	// with JSON matching schema, and returns the raw JSON text.
	GenerateStructured(ctx context.Context, model string, systemPrompt string, messages []contextmgr.Message, schema *genai.Schema) (string, error)
	Close() error
}

// GeminiClient implements Client against google.golang.org/genai, with
// lazy client construction: the genai client is created on the first
// call, using the API key given to New.
type GeminiClient struct {
	apiKey string
	client *genai.Client
}

// New returns a GeminiClient that lazily connects on its first call.
func New(apiKey string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey}
}

func (c *GeminiClient) ensureClient(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	if c.apiKey == "" {
		return toolspec.NewError(toolspec.KindFatalConfig, "no Gemini API key configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: c.apiKey})
	if err != nil {
		return toolspec.NewError(toolspec.KindFatalConfig, "failed to create Gemini client").WithDetail("error", err.Error())
	}
	c.client = client
	return nil
}

// Close releases resources held by the underlying client. genai.Client
// has no explicit close method; this exists so Client callers don't need
// to know that.
func (c *GeminiClient) Close() error {
	return nil
}

// Generate sends messages to model and returns the concatenated, non-thought
// text of the response.
func (c *GeminiClient) Generate(ctx context.Context, model string, systemPrompt string, messages []contextmgr.Message) (Response, error) {
	if err := c.ensureClient(ctx); err != nil {
		return Response{}, err
	}

	contents := convertMessages(messages)
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{FunctionDeclarations: coreToolDeclarations}},
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Response{}, mapProviderError(err)
	}

	text, calls := extractResponse(result)
	return Response{Text: text, FunctionCalls: calls}, nil
}

// GenerateStructured sends messages to model constrained by schema and
// returns the raw JSON text of the response, with a low temperature
// suited to deterministic classification.
func (c *GeminiClient) GenerateStructured(ctx context.Context, model string, systemPrompt string, messages []contextmgr.Message, schema *genai.Schema) (string, error) {
	if err := c.ensureClient(ctx); err != nil {
		return "", err
	}

	contents := convertMessages(messages)
	temperature := float32(0.1)
	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", mapProviderError(err)
	}

	text := extractText(result)
	if text == "" {
		return "", toolspec.NewError(toolspec.KindMalformedDecision, "empty structured response from model")
	}
	return text, nil
}

// convertMessages maps contextmgr roles onto Gemini's two-role content
// model: system prompts are carried separately via SystemInstruction, so
// any stray RoleSystem message here (one already present in the trimmed
// context) is sent as a user-prefixed note rather than dropped.
func convertMessages(messages []contextmgr.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		var role string
		var text string
		switch m.Role {
		case contextmgr.RoleUser, contextmgr.RoleTool:
			role = genai.RoleUser
			text = m.Content
		case contextmgr.RoleAssistant:
			role = genai.RoleModel
			text = m.Content
		case contextmgr.RoleSystem:
			role = genai.RoleUser
			text = "System: " + m.Content
		default:
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: text}},
		})
	}
	if len(contents) == 0 {
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: ""}}})
	}
	return contents
}

// coreToolDeclarations declares the three sandboxed tools with parameter
// names matching the dispatcher's toolspec.Call fields verbatim
// (file_path, pattern, content), so the model's function-call arguments
// can be copied straight into a toolspec.Call without translation.
var coreToolDeclarations = []*genai.FunctionDeclaration{
	{
		Name:        "list_files",
		Description: "List files under the project matching a glob pattern.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"pattern": {Type: genai.TypeString, Description: "Glob pattern, defaults to *"},
			},
		},
	},
	{
		Name:        "read_file",
		Description: "Read the contents of a file.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {Type: genai.TypeString, Description: "Path to the file, relative to the project root"},
			},
			Required: []string{"file_path"},
		},
	},
	{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {Type: genai.TypeString, Description: "Path to the file, relative to the project root"},
				"content":   {Type: genai.TypeString, Description: "Full content to write"},
			},
			Required: []string{"file_path", "content"},
		},
	},
}

// extractText concatenates every non-thought text part across every
// candidate in result.
func extractText(result *genai.GenerateContentResponse) string {
	text, _ := extractResponse(result)
	return text
}

// extractResponse concatenates every non-thought text part and collects
// every function-call part across every candidate in result, preserving
// emission order within each candidate.
func extractResponse(result *genai.GenerateContentResponse) (string, []FunctionCall) {
	var b strings.Builder
	var calls []FunctionCall
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				args := make(map[string]string, len(part.FunctionCall.Args))
				for k, v := range part.FunctionCall.Args {
					if s, ok := v.(string); ok {
						args[k] = s
					} else {
						args[k] = fmt.Sprintf("%v", v)
					}
				}
				calls = append(calls, FunctionCall{Name: part.FunctionCall.Name, Args: args})
				continue
			}
			if part.Text == "" || part.Thought {
				continue
			}
			b.WriteString(part.Text)
		}
	}
	return b.String(), calls
}

// mapProviderError sniffs a genai/transport error for the status
// indicators Gemini reports and maps it onto the shared Kind vocabulary,
// the same HTTP-status-sniffing idiom the pack's HTTP-based provider
// clients use.
func mapProviderError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return toolspec.NewError(toolspec.KindThrottled, "provider reported rate limiting").WithDetail("error", msg)
	case strings.Contains(msg, "401") || strings.Contains(msg, "UNAUTHENTICATED") || strings.Contains(msg, "403") || strings.Contains(msg, "PERMISSION_DENIED"):
		return toolspec.NewError(toolspec.KindUnauthorized, "provider rejected credentials").WithDetail("error", msg)
	case strings.Contains(msg, "400") || strings.Contains(msg, "INVALID_ARGUMENT"):
		return toolspec.NewError(toolspec.KindBadRequest, "provider rejected the request").WithDetail("error", msg)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE"):
		return toolspec.NewError(toolspec.KindTransient, "provider reported a transient failure").WithDetail("error", msg)
	default:
		return toolspec.NewError(toolspec.KindTransient, fmt.Sprintf("provider request failed: %s", msg))
	}
}
