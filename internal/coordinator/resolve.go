package coordinator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// resolvePaths expands the request's paths into the shared ResolvedFileSet:
// plain files pass through, folders are walked recursively. Resolution is
// pure and happens before any job starts, which is what makes the result
// safe to share read-only across the request's jobs. Failures are returned
// as request-level ErrorEvents; a bad path drops out, the rest proceed.
func resolvePaths(paths []string) (*schemas.ResolvedFileSet, []schemas.ErrorEvent) {
	var files []string
	var errs []schemas.ErrorEvent
	seen := make(map[string]struct{})

	add := func(path string) {
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, schemas.ErrorEvent{
				Severity: schemas.SeverityError,
				Message:  "path could not be resolved",
				Details:  fmt.Errorf("%w: %w", schemas.ErrResolution, err).Error(),
				Folder:   path,
			})
			continue
		}

		if !info.IsDir() {
			add(path)
			continue
		}

		walked := []string{}
		walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtree: report and keep walking siblings.
				errs = append(errs, schemas.ErrorEvent{
					Severity: schemas.SeverityWarning,
					Message:  "folder entry skipped during resolution",
					Details:  err.Error(),
					Folder:   p,
				})
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() && d.Type().IsRegular() {
				walked = append(walked, p)
			}
			return nil
		})
		if walkErr != nil {
			errs = append(errs, schemas.ErrorEvent{
				Severity: schemas.SeverityError,
				Message:  "folder walk failed",
				Details:  walkErr.Error(),
				Folder:   path,
			})
			continue
		}
		// Deterministic order regardless of filesystem iteration.
		sort.Strings(walked)
		for _, f := range walked {
			add(f)
		}
	}

	return &schemas.ResolvedFileSet{
		Files:      files,
		PerInsight: make(map[string][]string),
	}, errs
}

// applyFileFilter fills PerInsight for one spec. An empty filter keeps the
// full set; the glob matches file base names only.
func applyFileFilter(set *schemas.ResolvedFileSet, spec schemas.InsightSpec) {
	if spec.FileFilter == "" {
		set.PerInsight[spec.ID] = set.Files
		return
	}
	filtered := make([]string, 0, len(set.Files))
	for _, f := range set.Files {
		ok, err := filepath.Match(spec.FileFilter, filepath.Base(f))
		if err != nil {
			// Malformed glob: fall back to the unfiltered set rather than
			// silently matching nothing.
			set.PerInsight[spec.ID] = set.Files
			return
		}
		if ok {
			filtered = append(filtered, f)
		}
	}
	set.PerInsight[spec.ID] = filtered
}
