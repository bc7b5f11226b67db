package job

import "time"

type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "ERROR"
	SeverityWarning DiagnosticSeverity = "WARNING"
)

// Diagnostic is one notable line of build tool output.
type Diagnostic struct {
	Severity DiagnosticSeverity `json:"severity"`
	Tool     string             `json:"tool,omitempty"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message"`
	// Step is the buildkit step number, zero for lines outside a step.
	Step   int    `json:"step,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Source string `json:"source,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

type DiagnosticsReport struct {
	Schema       int          `json:"schema"`
	GeneratedAt  time.Time    `json:"generated_at"`
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	Succeeded    bool         `json:"succeeded"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
}
