package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/relayd/internal/storage"
	"github.com/relaycode/relayd/pkg/types"
)

func TestReconcileInterruptedToolParts_MarksRunningAsError(t *testing.T) {
	store := storage.New(t.TempDir())
	ctx := context.Background()

	running := &types.ToolPart{ID: "t1", Type: "tool", CallID: "c1", Tool: "bash", State: types.ToolState{Status: "running"}}
	require.NoError(t, store.Put(ctx, []string{"part", "m1", "t1"}, running))

	completedOutput := "ok"
	completed := &types.ToolPart{ID: "t2", Type: "tool", CallID: "c2", Tool: "bash", State: types.ToolState{Status: "completed", Output: &completedOutput}}
	require.NoError(t, store.Put(ctx, []string{"part", "m2", "t2"}, completed))

	text := &types.TextPart{ID: "p1", Type: "text", Text: "hi"}
	require.NoError(t, store.Put(ctx, []string{"part", "m3", "p1"}, text))

	n, err := ReconcileInterruptedToolParts(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reconciled types.ToolPart
	require.NoError(t, store.Get(ctx, []string{"part", "m1", "t1"}, &reconciled))
	assert.Equal(t, "error", reconciled.State.Status)
	require.NotNil(t, reconciled.State.Error)
	assert.Equal(t, "interrupted", *reconciled.State.Error)

	var untouched types.ToolPart
	require.NoError(t, store.Get(ctx, []string{"part", "m2", "t2"}, &untouched))
	assert.Equal(t, "completed", untouched.State.Status)
}
