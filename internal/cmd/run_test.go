package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dartctl/pkg/jobregistry"
	"github.com/3leaps/dartctl/pkg/monitor"
	"github.com/3leaps/dartctl/pkg/output"
	"github.com/3leaps/dartctl/pkg/results"
)

type runFixture struct {
	data    string
	out     string
	monitor string
	jobs    string
}

func newRunFixture(t *testing.T, files map[string]string) runFixture {
	t.Helper()
	root := t.TempDir()
	f := runFixture{
		data:    filepath.Join(root, "data"),
		out:     filepath.Join(root, "out"),
		monitor: filepath.Join(root, "monitor"),
		jobs:    filepath.Join(root, "jobs"),
	}
	require.NoError(t, os.MkdirAll(f.data, 0o755))
	require.NoError(t, os.MkdirAll(f.monitor, 0o755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(f.data, name), []byte(body), 0o644))
	}
	return f
}

func (f runFixture) overrides() map[string]any {
	return map[string]any{
		"monitor.address":       f.monitor,
		"jobs.root":             f.jobs,
		"session.poll_interval": "1ms",
		"runtime.workers":       2,
	}
}

func decodeRecords(t *testing.T, r io.Reader) []output.Record {
	t.Helper()
	var recs []output.Record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	return recs
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}

var corpus = map[string]string{
	"a.txt": "the quick brown fox",
	"b.txt": "the lazy dog",
	"c.txt": "jumps over the fox",
}

func TestExecuteRun_Modes(t *testing.T) {
	tests := []struct {
		name     string
		blocking bool
		progress bool
	}{
		{"collect", false, false},
		{"progress", false, true},
		{"blocking", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newRunFixture(t, corpus)
			cfg := testConfig(t, fx.overrides())

			var stdout, stderr bytes.Buffer
			err := executeRun(context.Background(), cfg, runOptions{
				taskName:  "count_words",
				source:    fx.data,
				outputDir: fx.out,
				name:      "wc",
				blocking:  tt.blocking,
				progress:  tt.progress,
				json:      true,
			}, &stdout, &stderr)
			require.NoError(t, err)

			recs := decodeRecords(t, &stdout)
			var types []string
			for _, r := range recs {
				types = append(types, r.Type)
			}
			assert.Equal(t, []string{
				output.TypeParams,
				output.TypeResult, output.TypeResult, output.TypeResult,
				output.TypeSummary,
			}, types)

			var summary output.SummaryRecord
			require.NoError(t, json.Unmarshal(recs[len(recs)-1].Data, &summary))
			assert.Equal(t, 3, summary.Total)
			assert.Equal(t, 3, summary.Succeeded)
			assert.Equal(t, 3, summary.Recorded)
			assert.True(t, strings.HasPrefix(recs[0].Job, "wc_"))

			b, err := os.ReadFile(filepath.Join(fx.out, results.FileName))
			require.NoError(t, err)
			assert.Equal(t, 3, strings.Count(string(b), "task_id: "))
			assert.Equal(t, 3, countLines(t, filepath.Join(fx.monitor, monitor.FileName)))

			if tt.progress {
				assert.Contains(t, stderr.String(), "100%")
			}

			jobs, err := jobregistry.NewStore(fx.jobs).List()
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, jobregistry.JobStateSuccess, jobs[0].State)
			assert.Equal(t, 3, jobs[0].Succeeded)
		})
	}
}

func TestExecuteRun_PrintsBlocksWithoutJSON(t *testing.T) {
	fx := newRunFixture(t, map[string]string{"a.txt": "one two"})
	cfg := testConfig(t, fx.overrides())

	var stdout bytes.Buffer
	err := executeRun(context.Background(), cfg, runOptions{
		taskName:  "line_count",
		source:    fx.data,
		outputDir: fx.out,
	}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout.String(), "task_id: "))
	assert.True(t, strings.HasSuffix(stdout.String(), "\n\n"))
}

func TestExecuteRun_TemplateAndOverrides(t *testing.T) {
	fx := newRunFixture(t, map[string]string{"a.txt": "", "b.txt": ""})
	cfg := testConfig(t, fx.overrides())

	tmpl := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, os.WriteFile(tmpl, []byte("x: 6\n"), 0o644))

	var stdout bytes.Buffer
	err := executeRun(context.Background(), cfg, runOptions{
		taskName:  "multiply",
		source:    fx.data,
		template:  tmpl,
		sets:      []string{"y=7"},
		outputDir: fx.out,
		json:      true,
	}, &stdout, io.Discard)
	require.NoError(t, err)

	for _, rec := range decodeRecords(t, &stdout) {
		if rec.Type != output.TypeResult {
			continue
		}
		var r output.ResultRecord
		require.NoError(t, json.Unmarshal(rec.Data, &r))
		assert.Equal(t, float64(42), r.Result)
	}
}

func TestExecuteRun_ExitCodes(t *testing.T) {
	closed := httptest.NewServer(nil)
	unreachable := closed.URL
	closed.Close()

	tests := []struct {
		name   string
		opts   func(fx runFixture) runOptions
		wantEC int
	}{
		{
			name: "unknown task",
			opts: func(fx runFixture) runOptions {
				return runOptions{taskName: "nope", source: fx.data, outputDir: fx.out}
			},
			wantEC: foundry.ExitInvalidArgument,
		},
		{
			name: "unsupported scheme",
			opts: func(fx runFixture) runOptions {
				return runOptions{taskName: "count_words", source: "gs://bucket/data", outputDir: fx.out}
			},
			wantEC: foundry.ExitInvalidArgument,
		},
		{
			name: "unreachable sink",
			opts: func(fx runFixture) runOptions {
				return runOptions{taskName: "count_words", source: fx.data, outputDir: fx.out, monitor: unreachable}
			},
			wantEC: foundry.ExitExternalServiceUnavailable,
		},
		{
			name: "missing template",
			opts: func(fx runFixture) runOptions {
				return runOptions{taskName: "count_words", source: fx.data, outputDir: fx.out, template: "/nonexistent.yaml"}
			},
			wantEC: foundry.ExitFileReadError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newRunFixture(t, corpus)
			cfg := testConfig(t, fx.overrides())

			err := executeRun(context.Background(), cfg, tt.opts(fx), io.Discard, io.Discard)
			var ece *ExitCodeError
			require.ErrorAs(t, err, &ece)
			assert.Equal(t, tt.wantEC, ece.Code)
		})
	}
}

func TestExecuteRun_UnwritableOutput(t *testing.T) {
	fx := newRunFixture(t, corpus)
	cfg := testConfig(t, fx.overrides())

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := executeRun(context.Background(), cfg, runOptions{
		taskName:  "count_words",
		source:    fx.data,
		outputDir: filepath.Join(blocker, "out"),
	}, io.Discard, io.Discard)
	var ece *ExitCodeError
	require.ErrorAs(t, err, &ece)
	assert.Equal(t, int(foundry.ExitFileWriteError), ece.Code)
	assert.ErrorIs(t, err, results.ErrStore)
}

func TestForwardedRunArgs(t *testing.T) {
	resetFlags(runCmd)
	defer resetFlags(runCmd)

	require.NoError(t, runCmd.ParseFlags([]string{
		"--background", "--dedupe", "--name", "nightly",
		"--set", "a=1", "--set", "b=2", "--output", "rel/out",
	}))

	argv := forwardedRunArgs(runCmd, []string{"count_words", "/data"})
	assert.Equal(t, []string{"count_words", "/data"}, argv[:2])
	assert.Contains(t, argv, "--name=nightly")
	assert.NotContains(t, argv, "--background=true")
	assert.NotContains(t, argv, "--dedupe=true")
	assert.Equal(t, "--progress=false", argv[len(argv)-1])

	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "--set a=1 --set b=2")

	abs, err := filepath.Abs("rel/out")
	require.NoError(t, err)
	assert.Contains(t, joined, "--output "+abs)
}
