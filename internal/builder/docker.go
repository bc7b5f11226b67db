package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dockgen/dockgen/internal/diagnostics"
)

type CommandSpec struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
}

type Runner interface {
	Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}

const logFileName = "build.log"

type DockerBuilder struct {
	DockerBin string
	Runner    Runner
	// Prefix filters List to images this service produced.
	Prefix string
}

func NewDockerBuilder(dockerBin, prefix string, runner Runner) *DockerBuilder {
	if runner == nil {
		runner = OSRunner{}
	}
	if dockerBin == "" {
		dockerBin = "docker"
	}
	return &DockerBuilder{DockerBin: dockerBin, Runner: runner, Prefix: prefix}
}

func (b *DockerBuilder) spec(dir string, args ...string) CommandSpec {
	return CommandSpec{Name: b.DockerBin, Args: args, Dir: dir}
}

func (b *DockerBuilder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if req.Tag == "" {
		return BuildResult{ExitCode: 1}, errors.New("image tag is required")
	}
	logPath := req.LogPath
	if logPath == "" {
		logPath = filepath.Join(req.Dir, logFileName)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return BuildResult{ExitCode: 1}, fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var output syncBuffer
	progress := &progressWriter{report: req.Progress}
	out := io.MultiWriter(logFile, &output, progress)

	spec := b.spec(req.Dir, "build", "--no-cache", "--progress=plain", "-t", req.Tag, ".")
	exitCode, runErr := b.Runner.Run(ctx, spec, out, out)
	res := BuildResult{ExitCode: exitCode, Output: output.String()}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Message = "docker build timed out"
		return res, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}
	if runErr != nil || exitCode != 0 {
		res.Message = "docker build exited non-zero"
		if runErr == nil {
			runErr = fmt.Errorf("exit status %d", exitCode)
		}
		return res, fmt.Errorf("docker build: %w", runErr)
	}
	if diagnostics.BuildFailed(res.Output) {
		res.Message = "docker build reported errors"
		return res, errors.New("docker build reported errors without a success marker")
	}
	res.Message = "docker build succeeded"
	return res, nil
}

func (b *DockerBuilder) capture(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	exitCode, err := b.Runner.Run(ctx, b.spec("", args...), &stdout, &stderr)
	if err != nil || exitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && err != nil {
			msg = err.Error()
		}
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitCode)
		}
		return stdout.String(), fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

func (b *DockerBuilder) ImageID(ctx context.Context, ref string) (string, error) {
	out, err := b.capture(ctx, "images", ref, "--format", "{{.ID}}")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (b *DockerBuilder) Inspect(ctx context.Context, ref string) (json.RawMessage, error) {
	out, err := b.capture(ctx, "inspect", ref)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(bytes.TrimSpace([]byte(out)))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("docker inspect %s: output is not json", ref)
	}
	return raw, nil
}

func (b *DockerBuilder) Remove(ctx context.Context, ref string) error {
	_, err := b.capture(ctx, "rmi", ref)
	return err
}

// List returns repository:tag pairs that start with the builder prefix.
func (b *DockerBuilder) List(ctx context.Context) ([]string, error) {
	out, err := b.capture(ctx, "images", "--format", "{{.Repository}}:{{.Tag}}")
	if err != nil {
		return nil, err
	}
	images := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, b.Prefix) {
			continue
		}
		images = append(images, line)
	}
	return images, nil
}

func (b *DockerBuilder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := b.capture(ctx, "--version")
	return err == nil
}

var (
	buildkitStep = regexp.MustCompile(`^#\d+ \[([^\]]+)\] (.+)$`)
	legacyStep   = regexp.MustCompile(`^Step (\d+/\d+) : (.+)$`)
)

// progressWriter turns step header lines into progress updates.
type progressWriter struct {
	report ProgressFunc
	mu     sync.Mutex
	buf    []byte
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if w.report == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		if step, msg, ok := parseStepLine(line); ok {
			w.report(ProgressUpdate{Step: step, Message: msg, HeartbeatAt: time.Now().UTC()})
		}
	}
	return len(p), nil
}

func parseStepLine(line string) (string, string, bool) {
	if m := buildkitStep.FindStringSubmatch(line); m != nil && m[1] != "internal" {
		return m[1], m[2], true
	}
	if m := legacyStep.FindStringSubmatch(line); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
