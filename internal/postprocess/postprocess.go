// Package postprocess hosts the pure functions an InsightSpec may name as
// its post_process hook. Hooks run at most once per completed job, over the
// full matched-line set, and fail independently of the scan that produced
// the lines. The engine only ever sees schemas.PostProcessFunc values; the
// capability boundary lives here.
package postprocess

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// Registry maps hook names to functions. Built once at startup, read-only
// afterwards.
type Registry struct {
	hooks map[string]schemas.PostProcessFunc
}

// NewRegistry returns a registry seeded with the builtin hooks.
func NewRegistry() *Registry {
	r := &Registry{hooks: make(map[string]schemas.PostProcessFunc)}
	r.Register("top_matches", TopMatches(10))
	r.Register("unique_count", UniqueCount)
	return r
}

// Register adds or replaces a named hook.
func (r *Registry) Register(name string, fn schemas.PostProcessFunc) {
	r.hooks[name] = fn
}

// Resolve returns the hook registered under name.
func (r *Registry) Resolve(name string) (schemas.PostProcessFunc, bool) {
	fn, ok := r.hooks[name]
	return fn, ok
}

// TopMatches returns a hook reporting the n most frequent matched lines.
func TopMatches(n int) schemas.PostProcessFunc {
	return func(lines []string) (*schemas.PostProcessResult, error) {
		if len(lines) == 0 {
			return &schemas.PostProcessResult{Content: "no matches"}, nil
		}

		counts := make(map[string]int, len(lines))
		for _, line := range lines {
			counts[strings.TrimSpace(line)]++
		}
		type entry struct {
			line  string
			count int
		}
		entries := make([]entry, 0, len(counts))
		for line, count := range counts {
			entries = append(entries, entry{line, count})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].count != entries[j].count {
				return entries[i].count > entries[j].count
			}
			return entries[i].line < entries[j].line
		})
		if len(entries) > n {
			entries = entries[:n]
		}

		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%6d  %s\n", e.count, e.line)
		}
		return &schemas.PostProcessResult{
			Content: b.String(),
			Metadata: map[string]string{
				"total_matches": strconv.Itoa(len(lines)),
				"unique_lines":  strconv.Itoa(len(counts)),
			},
		}, nil
	}
}

// UniqueCount reports the distinct matched-line count.
func UniqueCount(lines []string) (*schemas.PostProcessResult, error) {
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		seen[strings.TrimSpace(line)] = struct{}{}
	}
	return &schemas.PostProcessResult{
		Content: fmt.Sprintf("%d unique lines across %d matches", len(seen), len(lines)),
		Metadata: map[string]string{
			"unique_lines":  strconv.Itoa(len(seen)),
			"total_matches": strconv.Itoa(len(lines)),
		},
	}, nil
}
