package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/coordinator"
	"github.com/xkilldash9x/loupe-cli/internal/insight"
	"github.com/xkilldash9x/loupe-cli/internal/postprocess"
)

// engineComponents holds the initialized services a command needs.
type engineComponents struct {
	Insights    *insight.Registry
	Coordinator *coordinator.Coordinator
}

// initializeEngine is the composition root shared by run and serve: build
// the post-process hooks, load the insight registry, then wire the
// coordinator.
func initializeEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engineComponents, error) {
	hooks := postprocess.NewRegistry()
	if cfg.LLM().Enabled {
		if err := postprocess.RegisterLLMDigest(ctx, hooks, cfg.LLM(), logger); err != nil {
			return nil, fmt.Errorf("failed to initialize llm_digest post-processor: %w", err)
		}
	}

	insights, err := insight.Load(cfg.Insights().Dir, hooks, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load insight registry: %w", err)
	}

	coord, err := coordinator.New(cfg.Engine(), logger, insights)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return &engineComponents{
		Insights:    insights,
		Coordinator: coord,
	}, nil
}
