// Package reporting writes the final ExecutionSummary of a run to a file or
// stdout. JSON is the only format; it mirrors what the HTTP transport's
// final frame carries.
package reporting

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// Reporter writes one summary and releases its output.
type Reporter interface {
	Write(summary *schemas.ExecutionSummary) error
	Close() error
}

// nopWriteCloser wraps an io.Writer with a no-op Close, used for stdout.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error { return nil }

type jsonReporter struct {
	out io.WriteCloser
}

// New creates a reporter for the given output path. "" or "stdout" write to
// standard output.
func New(outputPath string) (Reporter, error) {
	if outputPath == "" || outputPath == "stdout" {
		return &jsonReporter{out: &nopWriteCloser{os.Stdout}}, nil
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return &jsonReporter{out: f}, nil
}

func (r *jsonReporter) Write(summary *schemas.ExecutionSummary) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

func (r *jsonReporter) Close() error {
	return r.out.Close()
}
