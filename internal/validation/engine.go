package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EngineOptions locates the pipeline engine binary used for deep
// validation.
type EngineOptions struct {
	BinaryPath string
	Timeout    time.Duration
}

// ValidateWithEngine runs the static layers and, only when they pass,
// the engine's own offline validation against a temp file. A missing
// binary degrades to a warning so the control plane stays usable
// without the engine installed.
func ValidateWithEngine(ctx context.Context, content string, opts EngineOptions) *Result {
	res := Validate(content)
	if !res.Valid() {
		return res
	}
	runEngine(ctx, content, opts, res)
	return res
}

func runEngine(ctx context.Context, content string, opts EngineOptions, res *Result) {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "vector"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	tmp, err := os.CreateTemp("", "vecfleet-validate-*.toml")
	if err != nil {
		res.addWarning(Warning{
			Code:    CodeEngineMissing,
			Message: fmt.Sprintf("engine validation skipped: %v", err),
		})
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		res.addWarning(Warning{
			Code:    CodeEngineMissing,
			Message: fmt.Sprintf("engine validation skipped: %v", err),
		})
		return
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, opts.BinaryPath, "validate", "--config-toml", tmp.Name())
	out, err := cmd.CombinedOutput()
	if err == nil {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.addError(Error{
			Code:    CodeEngineFailed,
			Message: strings.TrimSpace(string(out)),
		})
		return
	}

	// binary not found or not runnable
	log.Warn().Str("binary", opts.BinaryPath).Err(err).Msg("engine binary unavailable, skipping deep validation")
	res.addWarning(Warning{
		Code:    CodeEngineMissing,
		Message: fmt.Sprintf("engine binary %q unavailable: %v", opts.BinaryPath, err),
	})
}
