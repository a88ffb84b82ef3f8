package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nachoal/replcore/internal/contextmgr"
	"github.com/nachoal/replcore/internal/decision"
	"github.com/nachoal/replcore/internal/dispatch"
	"github.com/nachoal/replcore/internal/llmclient"
	"github.com/nachoal/replcore/internal/ratelimit"
	"github.com/nachoal/replcore/internal/sandbox"
	"github.com/nachoal/replcore/internal/session"
	"github.com/nachoal/replcore/internal/toolspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// fakeClient is an in-test stub of llmclient.Client, mirroring the
// dispatch package's own test helper: a queue of canned responses.
type fakeClient struct {
	structured    []string
	generates     []llmclient.Response
	generateErrs  []error
	generateCalls int
}

func (f *fakeClient) GenerateStructured(ctx context.Context, model, systemPrompt string, messages []contextmgr.Message, schema *genai.Schema) (string, error) {
	if len(f.structured) == 0 {
		return "", errors.New("fakeClient: no more structured responses queued")
	}
	r := f.structured[0]
	f.structured = f.structured[1:]
	return r, nil
}

func (f *fakeClient) Generate(ctx context.Context, model, systemPrompt string, messages []contextmgr.Message) (llmclient.Response, error) {
	i := f.generateCalls
	f.generateCalls++
	if i < len(f.generateErrs) && f.generateErrs[i] != nil {
		return llmclient.Response{}, f.generateErrs[i]
	}
	if i >= len(f.generates) {
		return llmclient.Response{}, errors.New("fakeClient: no more generate responses queued")
	}
	return f.generates[i], nil
}

func (f *fakeClient) Close() error { return nil }

// blockingClient never resolves Generate on its own; it waits for ctx to be
// cancelled, in the style of the cancelStreamClient test helper in
// agent/query_stream_cancel_test.go, to exercise the turn timeout without
// a real network call.
type blockingClient struct {
	structured []string
}

func (b *blockingClient) GenerateStructured(ctx context.Context, model, systemPrompt string, messages []contextmgr.Message, schema *genai.Schema) (string, error) {
	if len(b.structured) == 0 {
		return "", errors.New("blockingClient: no more structured responses queued")
	}
	r := b.structured[0]
	b.structured = b.structured[1:]
	return r, nil
}

func (b *blockingClient) Generate(ctx context.Context, model, systemPrompt string, messages []contextmgr.Message) (llmclient.Response, error) {
	<-ctx.Done()
	return llmclient.Response{}, ctx.Err()
}

func (b *blockingClient) Close() error { return nil }

func newController(t *testing.T, client llmclient.Client, turnTimeout time.Duration) (*Controller, *session.Store) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	store, err := session.Open(t.TempDir())
	require.NoError(t, err)

	rate := ratelimit.New(map[string]int{"test-model": 1000}, ratelimit.BackoffPolicy{
		Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxRetries: 3,
	})

	eng := decision.New(client, "test-model", time.Minute)
	d := dispatch.New(sb, eng, client, rate, store, "test-model")

	sessionID := uuid.New()
	c := New(store, d, sessionID, 100000, "", turnTimeout)
	return c, store
}

func TestHandleReturnsAssistantTextAndReturnsToIdle(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"requires_tool_call": false, "reasoning": "no file operation"}`},
		generates:  []llmclient.Response{{Text: "recursion is a function calling itself"}},
	}
	c, _ := newController(t, client, time.Second)

	text, meta, err := c.Handle(context.Background(), "explain recursion")
	require.NoError(t, err)
	assert.Equal(t, "recursion is a function calling itself", text)
	assert.GreaterOrEqual(t, meta.Duration, time.Duration(0))
	assert.Equal(t, Idle, c.state)
}

func TestHandleJournalsErrorAndReturnsToIdleOnFailure(t *testing.T) {
	client := &fakeClient{
		structured:   []string{`{"requires_tool_call": false, "reasoning": "none"}`},
		generateErrs: []error{toolspec.NewError(toolspec.KindUnauthorized, "bad credentials")},
		generates:    []llmclient.Response{{}},
	}
	c, store := newController(t, client, time.Second)

	_, _, err := c.Handle(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, Idle, c.state)

	entries, err := store.Entries(c.sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, session.EntryError, entries[len(entries)-1].Type)
}

func TestHandleTimesOutOnSlowDispatch(t *testing.T) {
	client := &blockingClient{
		structured: []string{`{"requires_tool_call": false, "reasoning": "none"}`},
	}
	c, _ := newController(t, client, 10*time.Millisecond)

	_, _, err := c.Handle(context.Background(), "hello")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindTimeout, se.Kind)
	assert.Equal(t, Idle, c.state)
}

func TestClearContextEmptiesInMemoryContextOnly(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"requires_tool_call": false, "reasoning": "none"}`},
		generates:  []llmclient.Response{{Text: "hi"}},
	}
	c, store := newController(t, client, time.Second)

	_, _, err := c.Handle(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotZero(t, c.context.TotalTokens())

	c.ClearContext()
	assert.Zero(t, c.context.TotalTokens())

	entries, err := store.Entries(c.sessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestResumeReplaysJournalIntoFreshContext(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"requires_tool_call": false, "reasoning": "none"}`},
		generates:  []llmclient.Response{{Text: "first answer"}},
	}
	c, store := newController(t, client, time.Second)

	_, _, err := c.Handle(context.Background(), "hello")
	require.NoError(t, err)

	require.NoError(t, store.Bind("chat-one", c.sessionID))
	originalID := c.sessionID

	other := New(store, c.dispatcher, uuid.New(), 100000, "", time.Second)
	require.NoError(t, other.Resume("chat-one"))

	assert.Equal(t, originalID, other.sessionID)
	assert.NotZero(t, other.context.TotalTokens())
	assert.Equal(t, Idle, other.state)
}

func TestResumeFailsForUnknownName(t *testing.T) {
	client := &fakeClient{}
	c, _ := newController(t, client, time.Second)

	err := c.Resume("does-not-exist")
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindNotFound, se.Kind)
}

func TestListSessionsReturnsHandledSessions(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"requires_tool_call": false, "reasoning": "none"}`},
		generates:  []llmclient.Response{{Text: "hi"}},
	}
	c, _ := newController(t, client, time.Second)

	_, _, err := c.Handle(context.Background(), "hello")
	require.NoError(t, err)

	infos, err := c.ListSessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, c.sessionID, infos[0].ID)
}
