// Package watch applies insight matchers to a file as it grows. It is the
// live companion to the batch engine: one file, one or more insights, no
// jobs or aggregation, matches surfaced the moment the line lands.
package watch

import (
	"context"
	"fmt"
	"regexp"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// MatchHandler receives every live match.
type MatchHandler func(insightID, line string)

// Watcher tails one file and runs each configured matcher over every new
// line.
type Watcher struct {
	logger   *zap.Logger
	path     string
	matchers map[string]*regexp.Regexp
	handler  MatchHandler
}

// New compiles the matchers of the given specs up front; watch mode has no
// job to fail lazily, so a bad pattern is rejected here.
func New(logger *zap.Logger, path string, specs []schemas.InsightSpec, handler MatchHandler) (*Watcher, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("watch needs at least one insight")
	}
	if handler == nil {
		return nil, fmt.Errorf("watch needs a match handler")
	}

	matchers := make(map[string]*regexp.Regexp, len(specs))
	for _, spec := range specs {
		pattern := spec.Matcher.Pattern
		if !spec.Matcher.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: insight %s: %w", schemas.ErrMatcher, spec.ID, err)
		}
		matchers[spec.ID] = re
	}

	return &Watcher{
		logger:   logger.With(zap.String("component", "watch"), zap.String("file", path)),
		path:     path,
		matchers: matchers,
		handler:  handler,
	}, nil
}

// Run tails the file until the context is cancelled. The file is followed
// across truncation and rotation; reads start at the current end so only
// new lines are reported.
func (w *Watcher) Run(ctx context.Context) error {
	t, err := tail.TailFile(w.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2}, // io.SeekEnd
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("%w: tail %s: %w", schemas.ErrFileAccess, w.path, err)
	}
	defer func() {
		t.Cleanup()
		_ = t.Stop()
	}()

	w.logger.Info("Watching file", zap.Int("insights", len(w.matchers)))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watch stopped")
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return fmt.Errorf("%w: tail stream for %s closed", schemas.ErrFileAccess, w.path)
			}
			if line.Err != nil {
				w.logger.Warn("Tail read error", zap.Error(line.Err))
				continue
			}
			for id, re := range w.matchers {
				if re.MatchString(line.Text) {
					w.handler(id, line.Text)
				}
			}
		}
	}
}
