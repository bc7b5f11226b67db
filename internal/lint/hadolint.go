package lint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerd/log"

	"github.com/dockgen/dockgen/internal/builder"
	"github.com/dockgen/dockgen/internal/recipe"
)

const hadolintPass = "hadolint"

// DL codes hadolint reports that make a recipe invalid. Every other code is
// a warning.
var hadolintErrorCodes = map[string]bool{
	"DL3000": true,
	"DL3001": true,
	"DL3002": true,
	"DL3003": true,
	"DL3004": true,
	"DL3005": true,
}

// Hadolint adds the findings of an external hadolint binary to the built-in
// passes. When the binary cannot run or its output cannot be read, the
// built-in verdict stands alone.
type Hadolint struct {
	Bin    string
	Runner builder.Runner
	Engine *Engine
}

func NewHadolint(bin string, runner builder.Runner) *Hadolint {
	if runner == nil {
		runner = builder.OSRunner{}
	}
	if bin == "" {
		bin = "hadolint"
	}
	return &Hadolint{Bin: bin, Runner: runner, Engine: Default()}
}

type hadolintFinding struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

func (h *Hadolint) ValidateText(ctx context.Context, text string) Result {
	engine := h.Engine
	if engine == nil {
		engine = Default()
	}
	res := engine.Validate(recipe.Parse(text))

	external, err := h.run(ctx, text)
	if err != nil {
		log.G(ctx).WithError(err).Debug("hadolint unavailable, using built-in passes only")
		return res
	}
	for _, f := range external {
		res.Findings = append(res.Findings, f)
		if f.Severity == SeverityError {
			res.Errors = append(res.Errors, f.String())
		} else {
			res.Warnings = append(res.Warnings, f.String())
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// run feeds text to hadolint on stdin. hadolint exits non-zero whenever it
// reports anything, so only a failure to start counts as an error.
func (h *Hadolint) run(ctx context.Context, text string) ([]Finding, error) {
	var stdout, stderr bytes.Buffer
	code, err := h.Runner.Run(ctx, builder.CommandSpec{
		Name:  h.Bin,
		Args:  []string{"--no-color", "--format", "json", "-"},
		Stdin: strings.NewReader(text),
	}, &stdout, &stderr)
	if err != nil && code < 0 {
		return nil, fmt.Errorf("run %s: %w", h.Bin, err)
	}
	var raw []hadolintFinding
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &raw); err != nil {
		return nil, fmt.Errorf("parse %s output (exit %d): %w: %s", h.Bin, code, err, strings.TrimSpace(stderr.String()))
	}
	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		dl := strings.ToUpper(strings.TrimSpace(f.Code))
		if !strings.HasPrefix(dl, "DL") {
			continue
		}
		severity := SeverityWarning
		if hadolintErrorCodes[dl] {
			severity = SeverityError
		}
		out = append(out, Finding{
			Severity: severity,
			Line:     f.Line,
			Pass:     hadolintPass,
			Rule:     dl,
			Message:  dl + ": " + strings.TrimSpace(f.Message),
		})
	}
	return out, nil
}
