// Package workspace owns the scratch directories build attempts run in.
// Every attempt gets its own directory named by a fresh UUID.
package workspace

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/dockgen/dockgen/internal/repoctx"
)

const (
	DockerfileName   = "Dockerfile"
	DockerignoreName = ".dockerignore"
	BuildLogName     = "build.log"
)

//go:embed assets/dockerignore
var defaultDockerignore []byte

//go:embed assets/main.js
var defaultMainStub []byte

type Workspace struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

type Manager struct {
	root string
	now  func() time.Time
}

func New(root string) *Manager {
	return &Manager{root: root, now: time.Now}
}

func (m *Manager) Root() string { return m.root }

// Create never reuses a directory. A UUID collision surfaces as an error.
func (m *Manager) Create() (Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("ensure workspace root: %w", err)
	}
	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %s: %w", id, err)
	}
	return Workspace{ID: id, Dir: dir}, nil
}

func (m *Manager) Remove(w Workspace) error {
	if w.Dir == "" || filepath.Dir(filepath.Clean(w.Dir)) != filepath.Clean(m.root) {
		return fmt.Errorf("refusing to remove %q outside workspace root", w.Dir)
	}
	return os.RemoveAll(w.Dir)
}

// Sweep removes workspace directories last modified before now-olderThan and
// returns their ids. A non-positive olderThan disables sweeping.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	cutoff := m.now().Add(-olderThan)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			log.G(ctx).WithError(err).WithField("workspace", entry.Name()).Warn("sweep workspace")
			continue
		}
		removed = append(removed, entry.Name())
	}
	sort.Strings(removed)
	return removed, nil
}

// Materialize lays out the build context. Supplied files are written first,
// then the Dockerfile (always), then defaults for the ignore file, the
// package manifest and the main file where nothing was supplied.
func (w Workspace) Materialize(rc repoctx.Context, recipe string) error {
	for _, name := range rc.FileNames() {
		if err := w.writeRelative(name, []byte(rc.Files[name]), true); err != nil {
			return fmt.Errorf("write repository file %q: %w", name, err)
		}
	}
	if err := os.WriteFile(w.Path(DockerfileName), []byte(recipe), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}
	if err := w.writeRelative(DockerignoreName, defaultDockerignore, false); err != nil {
		return fmt.Errorf("write %s: %w", DockerignoreName, err)
	}
	manifestBody, err := rc.Manifest.Encode()
	if err != nil {
		return err
	}
	if err := w.writeRelative("package.json", manifestBody, false); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}
	if err := w.writeRelative(rc.MainFile, defaultMainStub, false); err != nil {
		return fmt.Errorf("write main file %q: %w", rc.MainFile, err)
	}
	return nil
}

func (w Workspace) writeRelative(name string, body []byte, overwrite bool) error {
	rel, err := repoctx.CleanRelativePath(name)
	if err != nil {
		return err
	}
	full, err := safeJoin(w.Dir, rel)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(full); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, body, 0o644)
}

func safeJoin(root, rel string) (string, error) {
	cleanRoot := filepath.Clean(root)
	cleanFull := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	if cleanFull == cleanRoot {
		return "", fmt.Errorf("path resolves to root")
	}
	if !strings.HasPrefix(cleanFull, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes root")
	}
	return cleanFull, nil
}
