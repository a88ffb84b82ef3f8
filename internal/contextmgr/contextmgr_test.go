package contextmgr

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAccumulatesMessages(t *testing.T) {
	ctx := New(1000)
	ctx.Add(RoleUser, "hello")
	ctx.Add(RoleAssistant, "hi there")

	msgs := ctx.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestTrimPreservesSystemMessages(t *testing.T) {
	ctx := New(5)
	ctx.Add(RoleSystem, "you are a helpful assistant with a long fixed prompt")

	for i := 0; i < 20; i++ {
		ctx.Add(RoleUser, strings.Repeat("x", 40))
		ctx.Add(RoleAssistant, strings.Repeat("y", 40))
	}

	msgs := ctx.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, RoleSystem, msgs[0].Role)
}

func TestTrimNeverDropsMostRecentUserMessage(t *testing.T) {
	ctx := New(1)
	ctx.Add(RoleUser, strings.Repeat("z", 400))

	msgs := ctx.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestTrimDropsPairedAssistantReply(t *testing.T) {
	ctx := New(10)
	ctx.Add(RoleUser, strings.Repeat("a", 40))
	ctx.Add(RoleAssistant, strings.Repeat("b", 40))
	ctx.Add(RoleUser, strings.Repeat("c", 40))

	msgs := ctx.Messages()
	for _, m := range msgs {
		assert.NotEqual(t, strings.Repeat("a", 40), m.Content)
		assert.NotEqual(t, strings.Repeat("b", 40), m.Content)
	}
}

func TestClearEmptiesMessages(t *testing.T) {
	ctx := New(1000)
	ctx.Add(RoleUser, "hello")
	ctx.Clear()

	assert.Empty(t, ctx.Messages())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := New(1000)
	ctx.Add(RoleUser, "hello")
	ctx.Add(RoleAssistant, "hi there")

	path := filepath.Join(t.TempDir(), "context.json")
	require.NoError(t, ctx.Save(path))

	restored := New(1000)
	require.NoError(t, restored.Load(path))

	assert.Equal(t, ctx.Messages(), restored.Messages())
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	ctx := New(1000)
	err := ctx.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadRecomputesTokensFromContentRatherThanTrustingSnapshot(t *testing.T) {
	ctx := New(1000)
	ctx.Add(RoleUser, "hello there")

	path := filepath.Join(t.TempDir(), "context.json")
	require.NoError(t, ctx.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"tokens": `+strconv.Itoa(ctx.Messages()[0].Tokens), `"tokens": 99999`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	restored := New(1000)
	require.NoError(t, restored.Load(path))

	assert.Equal(t, ctx.Messages()[0].Tokens, restored.Messages()[0].Tokens)
}
