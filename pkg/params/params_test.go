package params

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dartctl/pkg/provider"
	"github.com/3leaps/dartctl/pkg/task"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		want    Source
		wantErr error
	}{
		{name: "local absolute", source: "/data/inputs", want: Source{Path: "/data/inputs"}},
		{name: "local relative", source: "inputs", want: Source{Path: "inputs"}},
		{name: "s3 bucket only", source: "s3://bucket", want: Source{Scheme: "s3", Bucket: "bucket"}},
		{name: "s3a with prefix", source: "s3a://bucket/in/x", want: Source{Scheme: "s3a", Bucket: "bucket", Path: "in/x"}},
		{name: "scheme case folded", source: "S3://bucket", want: Source{Scheme: "s3", Bucket: "bucket"}},
		{name: "ftp rejected", source: "ftp://host/dir", wantErr: ErrUnsupportedScheme},
		{name: "gs rejected", source: "gs://bucket", wantErr: ErrUnsupportedScheme},
		{name: "empty", source: " ", wantErr: ErrInvalidSource},
		{name: "s3 without bucket", source: "s3:///x", wantErr: ErrInvalidSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSource(tt.source)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(n), 0o644))
	}
}

func decode(t *testing.T, text string) task.Params {
	t.Helper()
	p, err := task.ParseParams(text)
	require.NoError(t, err)
	return p
}

func TestPrepareParameters_Local(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "set1")
	writeFiles(t, dir, "c.txt", "a.txt", "b.txt")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	writeFiles(t, filepath.Join(dir, "nested"), "ignored.txt")

	e := &Enumerator{}
	template := task.Params{"mode": "fast", "opts": map[string]any{"depth": 2}}

	groups, err := e.PrepareParameters(context.Background(), base, "set1", template)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, task.DefaultLocation, groups[0].Location)
	require.Len(t, groups[0].Parameters, 3)

	seen := map[string]bool{}
	for i, want := range []string{"a.txt", "b.txt", "c.txt"} {
		p := decode(t, groups[0].Parameters[i])
		name, ok := p.GetString(task.FilenameKey)
		require.True(t, ok)
		assert.Equal(t, filepath.Join(base, "set1", want), name)
		assert.Equal(t, "fast", p["mode"])
		assert.False(t, seen[name])
		seen[name] = true
	}

	_, mutated := template[task.FilenameKey]
	assert.False(t, mutated, "template must not be modified")
}

func TestPrepareParameters_TemplateCopiesAreIndependent(t *testing.T) {
	base := t.TempDir()
	writeFiles(t, base, "a", "b")

	nested := map[string]any{"list": []any{"x"}}
	template := task.Params{"nested": nested}

	groups, err := (&Enumerator{}).PrepareParameters(context.Background(), base, "", template)
	require.NoError(t, err)

	// Mutating the caller's template after the fact must not leak either.
	nested["list"] = []any{"changed"}

	for _, text := range groups[0].Parameters {
		p := decode(t, text)
		assert.Equal(t, map[string]any{"list": []any{"x"}}, p["nested"])
	}
}

func TestPrepareParameters_KFiles(t *testing.T) {
	base := t.TempDir()
	names := []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7"}
	writeFiles(t, base, names...)

	groups, err := (&Enumerator{}).PrepareParameters(context.Background(), base, "", nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Parameters, len(names))
	assert.Equal(t, len(names), task.CountTasks(groups))
}

func TestPrepareParameters_Include(t *testing.T) {
	base := t.TempDir()
	writeFiles(t, base, "a.txt", "b.csv", "c.txt")

	e := &Enumerator{Include: "*.txt", Location: "edge"}
	groups, err := e.PrepareParameters(context.Background(), base, "", task.Params{})
	require.NoError(t, err)
	assert.Equal(t, "edge", groups[0].Location)
	assert.Len(t, groups[0].Parameters, 2)

	_, err = (&Enumerator{Include: "[a"}).PrepareParameters(context.Background(), base, "", nil)
	require.Error(t, err)
}

func TestPrepareParameters_UnsupportedSchemeBeforeListing(t *testing.T) {
	called := false
	e := &Enumerator{
		Local: func(string) (provider.Provider, error) { called = true; return nil, nil },
		S3:    func(context.Context, string) (provider.Provider, error) { called = true; return nil, nil },
	}
	_, err := e.PrepareParameters(context.Background(), "ftp://host/dir", "x", nil)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.False(t, called)
}

func TestPrepareParameters_MissingDirectory(t *testing.T) {
	_, err := (&Enumerator{}).PrepareParameters(context.Background(), t.TempDir(), "nope", nil)
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
}

// fakeBucket serves a fixed key list in pages of two.
type fakeBucket struct {
	keys   []string
	prefix string
}

func (f *fakeBucket) List(_ context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	f.prefix = opts.Prefix
	start := 0
	if opts.ContinuationToken != "" {
		for i, k := range f.keys {
			if k == opts.ContinuationToken {
				start = i + 1
			}
		}
	}
	end := min(start+2, len(f.keys))
	res := &provider.ListResult{}
	for _, k := range f.keys[start:end] {
		res.Objects = append(res.Objects, provider.ObjectSummary{Key: k, LastModified: time.Now()})
	}
	if end < len(f.keys) {
		res.IsTruncated = true
		res.ContinuationToken = f.keys[end-1]
	}
	return res, nil
}

func (f *fakeBucket) Close() error { return nil }

func TestPrepareParameters_S3(t *testing.T) {
	fb := &fakeBucket{keys: []string{"in/a.txt", "in/dir/", "in/b.txt", "in/c.log"}}
	var bucket string
	e := &Enumerator{
		S3: func(_ context.Context, b string) (provider.Provider, error) {
			bucket = b
			return fb, nil
		},
		Include: "**/*.txt",
	}

	groups, err := e.PrepareParameters(context.Background(), "s3a://inputs", "in", task.Params{"k": 1})
	require.NoError(t, err)
	assert.Equal(t, "inputs", bucket)
	assert.Equal(t, "in", fb.prefix)

	require.Len(t, groups[0].Parameters, 2)
	assert.Equal(t, "in/a.txt", decode(t, groups[0].Parameters[0])[task.FilenameKey])
	assert.Equal(t, "in/b.txt", decode(t, groups[0].Parameters[1])[task.FilenameKey])
}

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("mode: fast\nlimits:\n  max: 5\n"), 0o644))
	p, err := LoadTemplate(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "fast", p["mode"])
	assert.Equal(t, map[string]any{"max": 5}, p["limits"])

	jsonPath := filepath.Join(dir, "t.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"mode":"slow"}`), 0o644))
	p, err = LoadTemplate(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "slow", p["mode"])

	emptyPath := filepath.Join(dir, "empty.yml")
	require.NoError(t, os.WriteFile(emptyPath, nil, 0o644))
	p, err = LoadTemplate(emptyPath)
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = LoadTemplate(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	p := task.Params{}
	require.NoError(t, ApplyOverrides(p, []string{"x=3", "name=alpha", `list=["a"]`, "empty="}))
	assert.Equal(t, float64(3), p["x"])
	assert.Equal(t, "alpha", p["name"])
	assert.Equal(t, []any{"a"}, p["list"])
	assert.Equal(t, "", p["empty"])

	require.Error(t, ApplyOverrides(p, []string{"novalue"}))
}
