package insight

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// PostProcessResolver maps a post_process name from a spec file to the pure
// function the engine will call. Typically backed by postprocess.Registry.
type PostProcessResolver interface {
	Resolve(name string) (schemas.PostProcessFunc, bool)
}

// Load builds the registry from builtin insights plus every *.yaml / *.yml
// file under dir. A dir of "" loads builtins only. Individual bad spec files
// are rejected outright; a misconfigured registry should fail startup, not
// surface mid-scan.
func Load(dir string, resolver PostProcessResolver, logger *zap.Logger) (*Registry, error) {
	logger = logger.Named("insights")
	reg := NewRegistry()

	for _, spec := range Builtin() {
		if err := addResolved(reg, spec, resolver); err != nil {
			return nil, fmt.Errorf("builtin insight: %w", err)
		}
	}

	if dir == "" {
		logger.Debug("No insight directory configured, using builtins only",
			zap.Int("count", reg.Len()))
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read insight directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		spec, err := parseSpecFile(path)
		if err != nil {
			return nil, err
		}
		if err := addResolved(reg, spec, resolver); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		logger.Debug("Loaded insight spec",
			zap.String("id", spec.ID), zap.String("file", name))
	}

	logger.Info("Insight registry built", zap.Int("count", reg.Len()))
	return reg, nil
}

// parseSpecFile decodes one YAML spec.
func parseSpecFile(path string) (schemas.InsightSpec, error) {
	var spec schemas.InsightSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read insight spec %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse insight spec %s: %w", path, err)
	}
	return spec, nil
}

// addResolved wires the named post-process hook and registers the spec. An
// unknown hook name is a startup error: the registry must be closed and
// pre-validated before the engine sees it.
func addResolved(reg *Registry, spec schemas.InsightSpec, resolver PostProcessResolver) error {
	if spec.PostProcessName != "" {
		if resolver == nil {
			return fmt.Errorf("insight %q names post_process %q but no resolver is configured",
				spec.ID, spec.PostProcessName)
		}
		fn, ok := resolver.Resolve(spec.PostProcessName)
		if !ok {
			return fmt.Errorf("insight %q names unknown post_process %q", spec.ID, spec.PostProcessName)
		}
		spec.PostProcess = fn
	}
	return reg.Add(spec)
}

// Builtin returns the insights loupe ships with so a bare install is usable
// without authoring spec files.
func Builtin() []schemas.InsightSpec {
	return []schemas.InsightSpec{
		{
			ID:       "error_detector",
			Name:     "Error detector",
			Category: "errors",
			Matcher: schemas.MatcherSpec{
				Pattern:       `\b(ERROR|FATAL|SEVERE)\b`,
				CaseSensitive: true,
			},
			ReadingMode: schemas.ReadLine,
		},
		{
			ID:       "warning_detector",
			Name:     "Warning detector",
			Category: "errors",
			Matcher: schemas.MatcherSpec{
				Pattern:       `\b(WARN|WARNING)\b`,
				CaseSensitive: true,
			},
			ReadingMode: schemas.ReadLine,
		},
		{
			ID:       "stack_traces",
			Name:     "Stack traces",
			Category: "crashes",
			Matcher: schemas.MatcherSpec{
				Pattern:       `(panic:|Traceback \(most recent call last\)|^\s+at\s+\S+\()`,
				CaseSensitive: true,
				Multiline:     true,
			},
			ReadingMode: schemas.ReadChunk,
		},
		{
			ID:       "http_5xx",
			Name:     "HTTP server errors",
			Category: "http",
			Matcher: schemas.MatcherSpec{
				Pattern:       `"\s5\d{2}\s|\sHTTP/\d\.\d"?\s5\d{2}\b`,
				CaseSensitive: true,
			},
			ReadingMode: schemas.ReadChunk,
			FileFilter:  "*access*.log",
		},
	}
}
