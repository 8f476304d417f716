package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

var (
	ErrUnknownModel       = errors.New("unknown model")
	ErrLocalSourceMissing = errors.New("local model source does not exist")
	ErrNoRemote           = errors.New("no remote model repository configured")
)

// SourceKind selects where model files come from.
type SourceKind string

const (
	SourceRemote SourceKind = "remote"
	SourceLocal  SourceKind = "local"
)

// Source is where model definitions and weights are found. A remote source
// downloads missing files from BaseURL into the hub directory. A local source
// reads everything from Path and never touches the network.
type Source struct {
	Kind    SourceKind `koanf:"kind"`
	Path    string     `koanf:"path"`
	BaseURL string     `koanf:"baseurl"`
}

var encoders = map[string]string{
	"Any_S": "vits",
	"Any_B": "vitb",
	"Any_L": "vitl",
}

// Names lists the known model names.
func Names() []string {
	names := make([]string, 0, len(encoders))
	for name := range encoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encoder maps a model name such as "Any_B" to its ViT encoder ("vitb").
func Encoder(name string) (string, error) {
	enc, ok := encoders[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return enc, nil
}

func stub(encoder string) string {
	return fmt.Sprintf("depth_anything_%s14", encoder)
}

// weightPath and definitionPath are relative to the repository root; they
// double as URL paths under a remote BaseURL.
func weightPath(encoder string) string {
	return "checkpoints/" + stub(encoder) + ".onnx"
}

func definitionPath(encoder string) string {
	return stub(encoder) + ".json"
}

// HasModel reports whether the weights for name exist under dir, without
// downloading anything.
func HasModel(dir, name string) (bool, error) {
	enc, err := Encoder(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(weightPath(enc))))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Registry resolves model names to files on disk, downloading them first
// when the source is remote.
type Registry struct {
	root       string
	source     Source
	downloader *Downloader
	logger     *zap.Logger
}

// NewRegistry creates a registry over hubDir. With a local source, hubDir is
// ignored and source.Path must exist.
func NewRegistry(hubDir string, source Source, logger *zap.Logger) (*Registry, error) {
	r := &Registry{root: hubDir, source: source, logger: logger}
	switch source.Kind {
	case SourceLocal:
		if _, err := os.Stat(source.Path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrLocalSourceMissing, source.Path)
		}
		r.root = source.Path
	case SourceRemote, "":
		if source.BaseURL != "" {
			r.downloader = NewDownloader(source.BaseURL, logger)
		}
	default:
		return nil, fmt.Errorf("unknown model source kind %q", source.Kind)
	}
	return r, nil
}

// Root is the directory model files are read from.
func (r *Registry) Root() string {
	return r.root
}

func (r *Registry) HasModel(name string) (bool, error) {
	return HasModel(r.root, name)
}

// Resolve returns the weight and definition paths for name, downloading
// whichever is missing from a remote source.
func (r *Registry) Resolve(ctx context.Context, name string) (weights, definition string, err error) {
	enc, err := Encoder(name)
	if err != nil {
		return "", "", err
	}
	weights, err = r.ResolveFile(ctx, weightPath(enc))
	if err != nil {
		return "", "", err
	}
	definition, err = r.ResolveFile(ctx, definitionPath(enc))
	if errors.Is(err, ErrNoRemote) {
		// a missing definition falls back to defaults
		return weights, definition, nil
	}
	if err != nil {
		return "", "", err
	}
	return weights, definition, nil
}

// ResolveFile returns the local path of rel, a slash separated path under the
// repository root, downloading it first when it is missing. The path is
// returned along with ErrNoRemote when the file is missing and cannot be
// fetched.
func (r *Registry) ResolveFile(ctx context.Context, rel string) (string, error) {
	path := filepath.Join(r.root, filepath.FromSlash(rel))
	_, err := os.Stat(path)
	if err == nil {
		return path, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	if r.downloader == nil {
		return path, fmt.Errorf("%w: %s is missing", ErrNoRemote, path)
	}
	if err := r.downloader.Fetch(ctx, rel, path); err != nil {
		return "", err
	}
	return path, nil
}

// ForceUpdate downloads every model definition again, replacing the cached
// copies. Weights are left alone.
func (r *Registry) ForceUpdate(ctx context.Context) error {
	if r.source.Kind == SourceLocal {
		return fmt.Errorf("%w: force update needs a remote source", ErrNoRemote)
	}
	if r.downloader == nil {
		return ErrNoRemote
	}
	for _, name := range Names() {
		enc := encoders[name]
		target := filepath.Join(r.root, definitionPath(enc))
		if err := r.downloader.Fetch(ctx, definitionPath(enc), target); err != nil {
			return err
		}
		r.logger.Info("model definition updated", zap.String("model", name), zap.String("path", target))
	}
	return nil
}
