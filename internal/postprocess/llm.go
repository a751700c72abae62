package postprocess

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/config"
)

// maxDigestLines caps how much matched text one completion call receives.
const maxDigestLines = 200

const digestPrompt = `You are a log analysis assistant. Summarize the log lines below:
identify the dominant failure modes, group repeated messages, and call out
anything that looks like a root cause. Answer in short plain prose.

Log lines:
%s`

// RegisterLLMDigest wires the "llm_digest" hook backed by the Gemini API.
// The hook stays pure from the engine's point of view: matched lines in,
// structured result out, failures reported as an error the runner surfaces
// as a warning. Called only when llm.enabled is set; the engine itself never
// depends on this package level.
func RegisterLLMDigest(ctx context.Context, reg *Registry, cfg config.LLMConfig, logger *zap.Logger) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create genai client: %w", err)
	}

	logger = logger.Named("llm_digest")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	reg.Register("llm_digest", func(lines []string) (*schemas.PostProcessResult, error) {
		if len(lines) == 0 {
			return &schemas.PostProcessResult{Content: "no matches to summarize"}, nil
		}

		sample := lines
		truncated := false
		if len(sample) > maxDigestLines {
			sample = sample[:maxDigestLines]
			truncated = true
		}

		callCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		prompt := fmt.Sprintf(digestPrompt, strings.Join(sample, "\n"))
		resp, err := client.Models.GenerateContent(callCtx, cfg.Model, genai.Text(prompt), nil)
		if err != nil {
			logger.Warn("Digest completion call failed", zap.Error(err))
			return nil, fmt.Errorf("llm digest failed: %w", err)
		}

		return &schemas.PostProcessResult{
			Content: resp.Text(),
			Metadata: map[string]string{
				"model":          cfg.Model,
				"lines_digested": strconv.Itoa(len(sample)),
				"truncated":      strconv.FormatBool(truncated),
			},
		}, nil
	})

	return nil
}
