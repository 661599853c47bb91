// Package file implements provider.Provider over a local directory tree.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/dartctl/pkg/provider"
)

// Provider implements provider.Provider for local filesystem paths.
//
// Keys are slash-separated paths relative to BaseDir.
type Provider struct {
	baseDir string
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.DelimiterLister = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the cleaned root directory.
func (p *Provider) BaseDir() string { return p.baseDir }

func (p *Provider) Close() error { return nil }

// List walks every file below Prefix recursively.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := p.walkKeys(ctx, prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	page, next, truncated := paginate(keys, opts.ContinuationToken, opts.MaxKeys)
	return &provider.ListResult{
		Objects:           p.summarize(page),
		ContinuationToken: next,
		IsTruncated:       truncated,
	}, nil
}

// ListWithDelimiter lists the entries directly inside the directory named
// by Prefix. Subdirectories are reported as CommonPrefixes and never
// descended into.
func (p *Provider) ListWithDelimiter(ctx context.Context, opts provider.ListWithDelimiterOptions) (*provider.ListWithDelimiterResult, error) {
	if opts.Delimiter != "" && opts.Delimiter != "/" {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, fmt.Errorf("unsupported delimiter %q", opts.Delimiter))
	}
	if err := ctx.Err(); err != nil {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, err)
	}

	dir := strings.Trim(opts.Prefix, "/")
	full, err := p.fullPath(dir)
	if err != nil {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, err)
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, err)
	}

	var (
		files    []string
		prefixes []string
	)
	for _, e := range entries {
		key := e.Name()
		if dir != "" {
			key = path.Join(dir, e.Name())
		}
		if e.IsDir() {
			prefixes = append(prefixes, key+"/")
			continue
		}
		if !e.Type().IsRegular() {
			info, err := os.Stat(filepath.Join(full, e.Name()))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		files = append(files, key)
	}

	page, next, truncated := paginate(files, opts.ContinuationToken, opts.MaxKeys)
	return &provider.ListWithDelimiterResult{
		Objects:           p.summarize(page),
		CommonPrefixes:    prefixes,
		ContinuationToken: next,
		IsTruncated:       truncated,
	}, nil
}

// paginate sorts keys and returns the page after token.
func paginate(keys []string, token string, maxKeys int) ([]string, string, bool) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	sort.Strings(keys)

	start := 0
	if token != "" {
		// Start strictly after the last returned key.
		start = sort.SearchStrings(keys, token)
		for start < len(keys) && keys[start] <= token {
			start++
		}
	}
	end := min(start+maxKeys, len(keys))
	if end < len(keys) {
		return keys[start:end], keys[end-1], true
	}
	return keys[start:end], "", false
}

func (p *Provider) summarize(keys []string) []provider.ObjectSummary {
	objects := make([]provider.ObjectSummary, 0, len(keys))
	for _, k := range keys {
		full, err := p.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}
	return objects
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) walkKeys(ctx context.Context, prefix string) ([]string, error) {
	root, err := p.fullPath(prefix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	switch {
	case err == nil:
		wrapped.Err = fmt.Errorf("unknown error")
	case errors.Is(err, fs.ErrNotExist):
		wrapped.Err, wrapped.Cause = provider.ErrNotFound, err
	case errors.Is(err, fs.ErrPermission):
		wrapped.Err, wrapped.Cause = provider.ErrAccessDenied, err
	}
	return wrapped
}
