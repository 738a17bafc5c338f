package wfcontext

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRehydrate(t *testing.T) {
	c := testContext()
	c.CacheSet("fetch:abc", map[string]any{"status": float64(200)})
	c.Loop("retry").Index = 2
	c.MarkPath("b3:taken")
	c.AddArtifacts(Artifact{ID: "a1", Type: "image", Name: "shot.png"})

	snap := c.Snapshot()

	// snapshots survive a JSON round trip, which is how the backend
	// persists paused runs
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var restored Snapshot
	require.NoError(t, json.Unmarshal(raw, &restored))

	c2 := Rehydrate(c.Run, &restored, map[string]string{"API_KEY": "sk-new"})
	assert.Equal(t, "Ada", c2.Resolve("$state.user.name"))
	assert.Equal(t, 2, c2.Loops["retry"].Index)
	assert.Equal(t, []string{"b3:taken"}, c2.Paths)
	require.Len(t, c2.Artifacts, 1)
	assert.Equal(t, "shot.png", c2.Artifacts[0].Name)

	cached, ok := c2.CacheGet("fetch:abc")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"status": float64(200)}, cached)

	// secrets come from the caller, not the snapshot
	assert.Equal(t, "sk-new", c2.Resolve("$secrets.API_KEY"))
}

func TestSnapshotExcludesSecrets(t *testing.T) {
	c := testContext()

	raw, err := json.Marshal(c.Snapshot())
	assert.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-test")
}

func TestSnapshotIsolatedFromLiveContext(t *testing.T) {
	c := testContext()
	snap := c.Snapshot()

	c.ApplyDelta(map[string]any{"count": float64(99)})
	c.Loop("poll").Index = 7

	assert.Equal(t, float64(3), snap.State["count"])
	assert.NotContains(t, snap.Loops, "poll")
}

func TestCloneIsolation(t *testing.T) {
	c := testContext()
	c.Loop("poll").Index = 1

	branch := c.Clone()
	branch.ApplyDelta(map[string]any{"branch_only": true})
	branch.Loop("poll").Index = 5

	assert.NotContains(t, c.State, "branch_only")
	assert.Equal(t, 1, c.Loop("poll").Index)
	assert.Equal(t, "Ada", branch.Resolve("$state.user.name"))
}
