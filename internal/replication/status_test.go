package replication

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStatus_ReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &Snapshot{MaxConcurrent: 4, Rules: []RuleStatus{{Name: "api", State: "idle"}}}
	require.NoError(t, WriteStatus(path, first))

	second := &Snapshot{
		MaxConcurrent: 4,
		InFlight:      1,
		Rules: []RuleStatus{{
			Name:  "api",
			State: "accumulating",
			LastResult: &ResultStatus{
				JobID:      "job-1",
				Outcome:    "succeeded",
				Paths:      3,
				Bytes:      2048,
				FinishedAt: finished,
			},
		}},
	}
	require.NoError(t, WriteStatus(path, second))

	got, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.InFlight)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, "accumulating", got.Rules[0].State)
	require.NotNil(t, got.Rules[0].LastResult)
	assert.True(t, finished.Equal(got.Rules[0].LastResult.FinishedAt))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadStatus_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := ReadStatus(path)
	assert.Error(t, err)

	_, err = ReadStatus(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshot_Healthy(t *testing.T) {
	snap := &Snapshot{Rules: []RuleStatus{
		{Name: "api"},
		{Name: "web", LastResult: &ResultStatus{Outcome: "succeeded"}},
	}}
	assert.True(t, snap.Healthy())

	snap.Rules[0].LastResult = &ResultStatus{Outcome: "failed"}
	assert.False(t, snap.Healthy())
}
