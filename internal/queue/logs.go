package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dockgen/dockgen/internal/diagnostics"
	"github.com/dockgen/dockgen/internal/job"
	"github.com/dockgen/dockgen/internal/workspace"
)

const (
	defaultLogTailLines = 200
	maxLogTailLines     = 5000
)

// ReadBuildLog returns the last lines of a failed build's log. Successful
// builds have no log left because their workspace is removed.
func (m *Manager) ReadBuildLog(jobID string, lines int) ([]byte, error) {
	raw, err := m.readBuildLog(jobID)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = defaultLogTailLines
	}
	if lines > maxLogTailLines {
		lines = maxLogTailLines
	}
	return tailLastLines(raw, lines), nil
}

// Diagnostics parses the kept build log of a failed record.
func (m *Manager) Diagnostics(jobID string) (job.DiagnosticsReport, error) {
	raw, err := m.readBuildLog(jobID)
	if err != nil {
		return job.DiagnosticsReport{}, err
	}
	return diagnostics.BuildReport(map[string][]byte{workspace.BuildLogName: raw}), nil
}

func (m *Manager) readBuildLog(jobID string) ([]byte, error) {
	rec, ok := m.Get(jobID)
	if !ok {
		return nil, os.ErrNotExist
	}
	if rec.WorkspaceDir == "" {
		return nil, fmt.Errorf("record %s has no kept workspace: %w", jobID, os.ErrNotExist)
	}
	return os.ReadFile(filepath.Join(rec.WorkspaceDir, workspace.BuildLogName))
}

func tailLastLines(raw []byte, lines int) []byte {
	if lines <= 0 {
		return raw
	}
	parts := strings.Split(string(raw), "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) <= lines {
		return []byte(strings.Join(parts, "\n") + "\n")
	}
	return []byte(strings.Join(parts[len(parts)-lines:], "\n") + "\n")
}
