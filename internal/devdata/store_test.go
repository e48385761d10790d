package devdata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "dev.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestRecordAndQuerySteps(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	require.NoError(t, s.RecordStep(ctx, StepRecord{SessionID: "a", StepType: "user_input", Name: "User Input", Hidden: true, DurationMS: 1}))
	require.NoError(t, s.RecordStep(ctx, StepRecord{SessionID: "a", StepType: "simple_chat", Name: "Chat", Depth: 0, ErrorTitle: "Model is overloaded", DurationMS: 40}))
	require.NoError(t, s.RecordStep(ctx, StepRecord{SessionID: "b", StepType: "message", Name: "Other"}))

	steps, err := s.Steps(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "User Input", steps[0].Name)
	assert.True(t, steps[0].Hidden)
	assert.Equal(t, "Model is overloaded", steps[1].ErrorTitle)
	assert.EqualValues(t, 40, steps[1].DurationMS)
	assert.False(t, steps[1].CreatedAt.IsZero())

	limited, err := s.Steps(ctx, "a", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	require.NoError(t, s.RecordStep(ctx, StepRecord{SessionID: "a", Name: "ok"}))
	require.NoError(t, s.RecordStep(ctx, StepRecord{SessionID: "a", Name: "bad", ErrorTitle: "boom"}))
	s.PromptHook("gpt-4o", 100)
	s.PromptHook("gpt-4o", 50)
	s.PromptHook("llama3", 7)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Steps)
	assert.Equal(t, 1, st.FailedSteps)
	assert.Equal(t, map[string]int{"gpt-4o": 150, "llama3": 7}, st.PromptTokens)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)
	require.NoError(t, s.RecordStep(ctx, StepRecord{SessionID: "a", Name: "kept"}))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	steps, err := reopened.Steps(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "kept", steps[0].Name)
}
