package task

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// Builtin task names.
const (
	TaskCountWords = "count_words"
	TaskLineCount  = "line_count"
	TaskMultiply   = "multiply"
)

// RegisterBuiltins adds the bundled example tasks to r.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Func{
		TaskCountWords: CountWords,
		TaskLineCount:  LineCount,
		TaskMultiply:   Multiply,
	}
	for name, fn := range builtins {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// CountWords counts whitespace-separated words in the file named by the
// filename parameter and returns a word -> count map.
func CountWords(ctx context.Context, tc *Context, p Params) (any, error) {
	path, ok := p.GetString(FilenameKey)
	if !ok || strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("parameter %q is required", FilenameKey)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	counts := make(map[string]int64)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		counts[sc.Text()]++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if tc != nil && tc.Stdout != nil {
		_, _ = fmt.Fprintf(tc.Stdout, "counted %d distinct words in %s\n", len(counts), path)
	}
	return counts, nil
}

// LineCount returns the number of lines in the file named by the filename parameter.
func LineCount(ctx context.Context, tc *Context, p Params) (any, error) {
	path, ok := p.GetString(FilenameKey)
	if !ok || strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("parameter %q is required", FilenameKey)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return n, nil
}

// Multiply returns x*y.
func Multiply(_ context.Context, _ *Context, p Params) (any, error) {
	x, err := p.GetFloat("x")
	if err != nil {
		return nil, err
	}
	y, err := p.GetFloat("y")
	if err != nil {
		return nil, err
	}
	return x * y, nil
}
