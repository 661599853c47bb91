package params

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/getlantern/deepcopy"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/pkg/provider"
	"github.com/3leaps/dartctl/pkg/provider/file"
	providers3 "github.com/3leaps/dartctl/pkg/provider/s3"
	"github.com/3leaps/dartctl/pkg/task"
)

// LocalFactory opens a provider rooted at a local directory.
type LocalFactory func(baseDir string) (provider.Provider, error)

// S3Factory opens a provider for one bucket.
type S3Factory func(ctx context.Context, bucket string) (provider.Provider, error)

// Enumerator builds parameter groups from a data source.
//
// The zero value enumerates local directories with the file provider and
// S3 prefixes with the default AWS credential chain.
type Enumerator struct {
	// Local overrides the local directory provider.
	Local LocalFactory

	// S3 overrides the object-storage provider.
	S3 S3Factory

	// S3Config is the base config used by the default S3 factory. Bucket is
	// filled in per call.
	S3Config providers3.Config

	// Include is an optional doublestar pattern. Local entries are matched by
	// base name and S3 entries by full key.
	Include string

	// Location tags the produced group. Empty means task.DefaultLocation.
	Location string

	Logger *zap.Logger
}

// PrepareParameters lists the inputs under source/subpath and returns a
// single parameter group holding one JSON parameter string per input.
//
// Each string is rendered from an independent copy of template with the
// filename field set to the input's location. Order follows the listing:
// sorted entry names for local directories, key order for S3.
func (e *Enumerator) PrepareParameters(ctx context.Context, source, subpath string, template task.Params) ([]task.ParameterGroup, error) {
	src, err := ParseSource(source)
	if err != nil {
		return nil, err
	}
	if e.Include != "" && !doublestar.ValidatePattern(e.Include) {
		return nil, fmt.Errorf("invalid include pattern %q", e.Include)
	}

	var filenames []string
	if src.IsLocal() {
		filenames, err = e.listLocal(ctx, src.Path, subpath)
	} else {
		filenames, err = e.listS3(ctx, src, subpath)
	}
	if err != nil {
		return nil, err
	}

	parameters := make([]string, 0, len(filenames))
	for _, name := range filenames {
		text, err := render(template, name)
		if err != nil {
			return nil, err
		}
		parameters = append(parameters, text)
	}

	location := e.Location
	if location == "" {
		location = task.DefaultLocation
	}

	e.logger().Debug("Parameters prepared",
		zap.String("source", src.String()),
		zap.String("subpath", subpath),
		zap.Int("count", len(parameters)))

	return []task.ParameterGroup{{Location: location, Parameters: parameters}}, nil
}

func (e *Enumerator) listLocal(ctx context.Context, base, subpath string) ([]string, error) {
	open := e.Local
	if open == nil {
		open = func(baseDir string) (provider.Provider, error) {
			return file.New(file.Config{BaseDir: baseDir})
		}
	}
	p, err := open(base)
	if err != nil {
		return nil, fmt.Errorf("open local source: %w", err)
	}
	defer func() { _ = p.Close() }()

	lister, ok := p.(provider.DelimiterLister)
	if !ok {
		return nil, fmt.Errorf("local provider does not support directory listing")
	}

	var (
		names []string
		token string
	)
	for {
		res, err := lister.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Prefix:            filepath.ToSlash(subpath),
			Delimiter:         "/",
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range res.Objects {
			entry := path.Base(obj.Key)
			if !e.included(entry) {
				continue
			}
			names = append(names, filepath.Join(base, subpath, entry))
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return names, nil
		}
		token = res.ContinuationToken
	}
}

func (e *Enumerator) listS3(ctx context.Context, src Source, subpath string) ([]string, error) {
	open := e.S3
	if open == nil {
		open = func(ctx context.Context, bucket string) (provider.Provider, error) {
			cfg := e.S3Config
			cfg.Bucket = bucket
			return providers3.New(ctx, cfg)
		}
	}
	p, err := open(ctx, src.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open s3 source: %w", err)
	}
	defer func() { _ = p.Close() }()

	prefix := strings.TrimPrefix(path.Join(src.Path, subpath), "/")
	if prefix == "." {
		prefix = ""
	}

	objects, err := provider.ListAll(ctx, p, prefix)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if !e.included(obj.Key) {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (e *Enumerator) included(name string) bool {
	if e.Include == "" {
		return true
	}
	ok, err := doublestar.Match(e.Include, name)
	return err == nil && ok
}

func (e *Enumerator) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// render copies template, sets the filename and serializes the copy.
func render(template task.Params, filename string) (string, error) {
	cp := task.Params{}
	if len(template) > 0 {
		if err := deepcopy.Copy(&cp, template); err != nil {
			return "", fmt.Errorf("copy template: %w", err)
		}
	}
	cp[task.FilenameKey] = filename
	return cp.Encode()
}
