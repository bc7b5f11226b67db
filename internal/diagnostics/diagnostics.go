// Package diagnostics extracts errors and warnings from docker build output.
package diagnostics

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dockgen/dockgen/internal/job"
)

var successMarkers = []string{"Successfully built", "Successfully tagged", "naming to"}

var (
	stepPrefix     = regexp.MustCompile(`^#(\d+)\s+(?:\d+\.\d+\s+)?`)
	dockerfileLine = regexp.MustCompile(`^Dockerfile:(\d+)$`)
)

// HasSuccessMarker reports whether output contains a line only a completed
// build prints.
func HasSuccessMarker(output string) bool {
	for _, marker := range successMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// BuildFailed reports an error diagnostic with no success marker anywhere in
// the output.
func BuildFailed(output string) bool {
	if HasSuccessMarker(output) {
		return false
	}
	return BuildReport(map[string][]byte{"output": []byte(output)}).ErrorCount > 0
}

// BuildReport parses every log. Sources are visited in name order and
// repeated diagnostics are dropped.
func BuildReport(logs map[string][]byte) job.DiagnosticsReport {
	report := job.DiagnosticsReport{
		Schema:      1,
		GeneratedAt: time.Now().UTC(),
		Diagnostics: make([]job.Diagnostic, 0),
	}
	names := make([]string, 0, len(logs))
	for name := range logs {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[string]struct{}{}
	for _, source := range names {
		raw := logs[source]
		if HasSuccessMarker(string(raw)) {
			report.Succeeded = true
		}
		for _, d := range parseLog(raw, source) {
			key := diagnosticKey(d)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			report.Diagnostics = append(report.Diagnostics, d)
			switch d.Severity {
			case job.SeverityError:
				report.ErrorCount++
			default:
				report.WarningCount++
			}
		}
	}
	return report
}

func parseLog(raw []byte, source string) []job.Diagnostic {
	var (
		out        []job.Diagnostic
		pendingLoc int
	)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := dockerfileLine.FindStringSubmatch(line); m != nil {
			pendingLoc, _ = strconv.Atoi(m[1])
			continue
		}
		d, ok := parseLine(line, source)
		if !ok {
			continue
		}
		if d.Severity == job.SeverityError && pendingLoc > 0 {
			d.File, d.Line = "Dockerfile", pendingLoc
			pendingLoc = 0
		}
		out = append(out, d)
	}
	if pendingLoc > 0 {
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Severity == job.SeverityError && out[i].File == "" {
				out[i].File, out[i].Line = "Dockerfile", pendingLoc
				break
			}
		}
	}
	return out
}

type prefixRule struct {
	prefix   string
	severity job.DiagnosticSeverity
	tool     string
}

var prefixRules = []prefixRule{
	{"ERROR:", job.SeverityError, "docker"},
	{"ERROR ", job.SeverityError, "docker"},
	{"error:", job.SeverityError, "docker"},
	{"npm ERR!", job.SeverityError, "npm"},
	{"npm error", job.SeverityError, "npm"},
	{"ERR_PNPM_", job.SeverityError, "pnpm"},
	{"WARNING:", job.SeverityWarning, "docker"},
	{"WARN:", job.SeverityWarning, "docker"},
	{"npm WARN", job.SeverityWarning, "npm"},
}

func parseLine(rawLine, source string) (job.Diagnostic, bool) {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return job.Diagnostic{}, false
	}
	step := 0
	if m := stepPrefix.FindStringSubmatch(line); m != nil {
		step, _ = strconv.Atoi(m[1])
		line = strings.TrimSpace(line[len(m[0]):])
	}
	for _, rule := range prefixRules {
		if !strings.HasPrefix(line, rule.prefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, rule.prefix))
		d := job.Diagnostic{
			Severity: rule.severity,
			Tool:     rule.tool,
			Step:     step,
			Source:   source,
			Raw:      line,
			Message:  rest,
		}
		if rule.prefix == "ERR_PNPM_" {
			code, msg, _ := strings.Cut(rest, " ")
			d.Code = "ERR_PNPM_" + code
			d.Message = strings.TrimSpace(msg)
		}
		if d.Tool == "npm" && strings.HasPrefix(rest, "code ") {
			d.Code = strings.TrimSpace(strings.TrimPrefix(rest, "code "))
		}
		if d.Message == "" {
			d.Message = line
		}
		return d, true
	}
	return job.Diagnostic{}, false
}

// InferFailure picks the first error diagnostic as the one-line summary and
// classifies it. Without one it falls back to fallbackMessage, then buildErr.
func InferFailure(report job.DiagnosticsReport, fallbackMessage string, buildErr error) (string, string) {
	if d, ok := firstError(report); ok {
		return classify(d), formatSummary(d)
	}
	msg := strings.TrimSpace(fallbackMessage)
	if msg == "" && buildErr != nil {
		msg = strings.TrimSpace(buildErr.Error())
	}
	if msg == "" {
		msg = "build failed"
	}
	return "internal", msg
}

// firstError prefers docker's own errors, and among those the ones buildkit
// pinned to a Dockerfile line, over the package manager chatter before them.
func firstError(report job.DiagnosticsReport) (job.Diagnostic, bool) {
	preferences := []func(job.Diagnostic) bool{
		func(d job.Diagnostic) bool { return d.Tool == "docker" && d.File != "" },
		func(d job.Diagnostic) bool { return d.Tool == "docker" },
		func(job.Diagnostic) bool { return true },
	}
	for _, match := range preferences {
		for _, d := range report.Diagnostics {
			if d.Severity == job.SeverityError && match(d) {
				return d, true
			}
		}
	}
	return job.Diagnostic{}, false
}

func classify(d job.Diagnostic) string {
	lower := strings.ToLower(d.Message + " " + d.Code)
	switch {
	case strings.Contains(lower, "dockerfile parse error") || strings.Contains(lower, "unknown instruction") || strings.Contains(lower, "syntax"):
		return "syntax"
	case strings.Contains(lower, "cannot connect to the docker daemon") || strings.Contains(lower, "error during connect"):
		return "daemon"
	case strings.Contains(lower, "pull access denied") || strings.Contains(lower, "failed to resolve source metadata") || strings.Contains(lower, "manifest unknown"):
		return "base-image"
	case strings.Contains(lower, "failed to compute cache key") || strings.Contains(lower, "failed to calculate checksum"):
		return "context"
	case d.Tool == "npm" || d.Tool == "pnpm" || strings.Contains(lower, "yarn install") || strings.Contains(lower, "npm ci") || strings.Contains(lower, "pnpm install"):
		return "dependencies"
	case strings.Contains(lower, "did not complete successfully"):
		return "command"
	default:
		return "internal"
	}
}

func formatSummary(d job.Diagnostic) string {
	where := ""
	if d.File != "" && d.Line > 0 {
		where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	}
	if d.Code != "" && !strings.Contains(d.Message, d.Code) {
		return fmt.Sprintf("[%s] %s%s", d.Code, d.Message, where)
	}
	return d.Message + where
}

func diagnosticKey(d job.Diagnostic) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", d.Severity, d.Code, d.Message, d.File, d.Line)
}
