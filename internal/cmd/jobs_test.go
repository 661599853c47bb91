package cmd

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dartctl/pkg/jobregistry"
)

func seedJobs(t *testing.T) string {
	t.Helper()
	testConfig(t, nil)
	root := t.TempDir()
	t.Setenv("DARTCTL_JOBS_ROOT", root)

	store := jobregistry.NewStore(root)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, store.Write(&jobregistry.JobRecord{
		JobID: "aaaa1111-0000", Name: "wc_1", Task: "count_words", State: jobregistry.JobStateSuccess,
		Source: "/data", Total: 3, Succeeded: 3, CreatedAt: t1, StartedAt: &t1, EndedAt: &t2,
	}))
	require.NoError(t, store.Write(&jobregistry.JobRecord{
		JobID: "bbbb2222-0000", Name: "wc_2", Task: "count_words", State: jobregistry.JobStateQueued,
		Source: "/data", Total: 5, CreatedAt: t2, StartedAt: &t2,
	}))
	return root
}

func TestJobsList(t *testing.T) {
	seedJobs(t)

	out, err := executeCommand(t, "jobs", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "JOB ID"))
	assert.True(t, strings.HasPrefix(lines[1], "bbbb2222-000"), "newest first")

	out, err = executeCommand(t, "jobs", "list", "--json")
	require.NoError(t, err)
	var recs []jobregistry.JobRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 2)
}

func TestJobsList_Empty(t *testing.T) {
	testConfig(t, nil)
	t.Setenv("DARTCTL_JOBS_ROOT", t.TempDir())

	out, err := executeCommand(t, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "No jobs found\n", out)
}

func TestJobsShow_ByPrefix(t *testing.T) {
	seedJobs(t)

	out, err := executeCommand(t, "jobs", "show", "aaaa")
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=aaaa1111-0000\n")
	assert.Contains(t, out, "state=success\n")
	assert.Contains(t, out, "tasks=3 succeeded=3 failed=0\n")

	_, err = executeCommand(t, "jobs", "show", "zzzz")
	var ece *ExitCodeError
	require.ErrorAs(t, err, &ece)
	assert.ErrorIs(t, err, jobregistry.ErrNotFound)
}

func TestJobsStop_WithoutProcess(t *testing.T) {
	root := seedJobs(t)

	out, err := executeCommand(t, "jobs", "stop", "bbbb2222-0000", "--grace", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "state=stopped")

	rec, err := jobregistry.NewStore(root).Get("bbbb2222-0000")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateStopped, rec.State)
}

func TestResolveJobID(t *testing.T) {
	store := jobregistry.NewStore(t.TempDir())
	now := time.Now()
	for _, id := range []string{"abc-1", "abc-2", "def-1"} {
		require.NoError(t, store.Write(&jobregistry.JobRecord{JobID: id, State: jobregistry.JobStateSuccess, CreatedAt: now}))
	}

	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"abc-1", "abc-1", false},
		{"def", "def-1", false},
		{"abc", "", true},
		{"xyz", "", true},
		{"  ", "", true},
	}
	for _, tt := range tests {
		got, err := resolveJobID(store, tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "-", dash(""))
	assert.Equal(t, "x", dash("x"))
	assert.Equal(t, "-", formatOptionalTime(nil))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2026-01-02T03:04:05Z", formatOptionalTime(&ts))
	assert.Equal(t, "0123456789ab", shortJobID("0123456789abcdef"))
}
