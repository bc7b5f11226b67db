package builder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/distribution/reference"
)

func TestDockerBuilder_InvokesRunnerWithCorrectArgs(t *testing.T) {
	runner := &recordingRunner{stdout: "#7 naming to docker.io/library/dockgen-ai-x:latest done\n"}
	db := NewDockerBuilder("docker", "dockgen-ai", runner)
	dir := t.TempDir()

	res, err := db.Build(context.Background(), BuildRequest{Tag: "dockgen-ai-x:latest", Dir: dir})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	want := "build --no-cache --progress=plain -t dockgen-ai-x:latest ."
	if got := strings.Join(runner.specs[0].Args, " "); got != want {
		t.Fatalf("expected args %q, got %q", want, got)
	}
	if runner.specs[0].Dir != dir {
		t.Fatalf("expected build in workspace %s, got %s", dir, runner.specs[0].Dir)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "build.log"))
	if err != nil {
		t.Fatalf("expected build.log: %v", err)
	}
	if !strings.Contains(string(raw), "naming to") {
		t.Fatalf("expected tool output in build.log, got %q", raw)
	}
}

func TestDockerBuilder_FailsOnNonZeroExit(t *testing.T) {
	runner := &recordingRunner{exitCode: 1, err: errors.New("exit status 1")}
	db := NewDockerBuilder("docker", "dockgen-ai", runner)
	_, err := db.Build(context.Background(), BuildRequest{Tag: "t:latest", Dir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected failure")
	}
}

func TestDockerBuilder_FailsOnErrorStreamWithoutSuccessMarker(t *testing.T) {
	runner := &recordingRunner{stderr: "#5 ERROR: process \"/bin/sh -c npm ci\" did not complete successfully\n"}
	db := NewDockerBuilder("docker", "dockgen-ai", runner)
	_, err := db.Build(context.Background(), BuildRequest{Tag: "t:latest", Dir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected failure for error stream with exit 0")
	}

	runner = &recordingRunner{stderr: "WARNING: legacy builder\nERROR: cache miss\nSuccessfully tagged t:latest\n"}
	db = NewDockerBuilder("docker", "dockgen-ai", runner)
	if _, err := db.Build(context.Background(), BuildRequest{Tag: "t:latest", Dir: t.TempDir()}); err != nil {
		t.Fatalf("success marker should win: %v", err)
	}
}

func TestDockerBuilder_Timeout(t *testing.T) {
	runner := &recordingRunner{block: true}
	db := NewDockerBuilder("docker", "dockgen-ai", runner)
	_, err := db.Build(context.Background(), BuildRequest{Tag: "t:latest", Dir: t.TempDir(), Timeout: 20 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDockerBuilder_ReportsProgress(t *testing.T) {
	runner := &recordingRunner{stderr: "#1 [internal] load build definition from Dockerfile\n#5 [2/4] RUN npm ci\nStep 3/4 : COPY . .\n#9 naming to x done\n"}
	db := NewDockerBuilder("docker", "dockgen-ai", runner)
	var steps []string
	_, err := db.Build(context.Background(), BuildRequest{
		Tag: "t:latest",
		Dir: t.TempDir(),
		Progress: func(u ProgressUpdate) {
			steps = append(steps, u.Step+" "+u.Message)
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(steps) != 2 || steps[0] != "2/4 RUN npm ci" || steps[1] != "3/4 COPY . ." {
		t.Fatalf("unexpected steps %v", steps)
	}
}

func TestDockerBuilder_ImageHelpers(t *testing.T) {
	runner := &recordingRunner{stdout: "abc123\n"}
	db := NewDockerBuilder("docker", "dockgen-ai", runner)

	id, err := db.ImageID(context.Background(), "dockgen-ai-x:latest")
	if err != nil || id != "abc123" {
		t.Fatalf("unexpected image id %q %v", id, err)
	}
	if got := strings.Join(runner.specs[0].Args, " "); got != "images dockgen-ai-x:latest --format {{.ID}}" {
		t.Fatalf("unexpected verify args %q", got)
	}

	runner.stdout = "dockgen-ai-a:latest\nnode:18-alpine\ndockgen-ai-b:latest\n"
	images, err := db.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(images) != 2 || images[0] != "dockgen-ai-a:latest" {
		t.Fatalf("unexpected images %v", images)
	}

	runner.stdout = `[{"Id":"sha256:abc"}]`
	raw, err := db.Inspect(context.Background(), "dockgen-ai-a:latest")
	if err != nil || !strings.Contains(string(raw), "sha256:abc") {
		t.Fatalf("unexpected inspect %s %v", raw, err)
	}

	runner.stdout = ""
	runner.stderr = "Error: No such image: nope\n"
	runner.exitCode = 1
	err = db.Remove(context.Background(), "nope")
	if err == nil || !strings.Contains(err.Error(), "No such image") {
		t.Fatalf("expected rmi error with stderr, got %v", err)
	}
	if db.Available(context.Background()) {
		t.Fatalf("expected unavailable when docker exits non-zero")
	}
}

func TestDockerBuilder_EmptyVerifyOutput(t *testing.T) {
	db := NewDockerBuilder("docker", "dockgen-ai", &recordingRunner{stdout: "\n"})
	id, err := db.ImageID(context.Background(), "missing:latest")
	if err != nil || id != "" {
		t.Fatalf("expected empty id, got %q %v", id, err)
	}
}

func TestImageTag(t *testing.T) {
	cases := map[string]string{
		"gen-42":          "dockgen-ai-gen-42:latest",
		"My Repo/Build#1": "dockgen-ai-my-repo-build-1:latest",
		"":                "dockgen-ai-build:latest",
		"--x--":           "dockgen-ai-x:latest",
		"a..b":            "dockgen-ai-a-b:latest",
		"job._1":          "dockgen-ai-job-1:latest",
		"x-_y":            "dockgen-ai-x-y:latest",
		"snake_case__id":  "dockgen-ai-snake-case-id:latest",
		"._-":             "dockgen-ai-build:latest",
	}
	for in, want := range cases {
		got := ImageTag("", in)
		if got != want {
			t.Fatalf("ImageTag(%q) = %q, want %q", in, got, want)
		}
		if _, err := reference.ParseNormalizedNamed(got); err != nil {
			t.Fatalf("tag %q is not a valid reference: %v", got, err)
		}
	}
	if got := ImageTag("custom", "a"); got != "custom-a:latest" {
		t.Fatalf("unexpected custom prefix tag %q", got)
	}
	if got := ImageTag("my..prefix_", "a"); got != "my-prefix-a:latest" {
		t.Fatalf("unexpected sanitized prefix tag %q", got)
	}
	if _, err := reference.ParseNormalizedNamed(ImageTag("my..prefix_", "a")); err != nil {
		t.Fatalf("sanitized prefix tag is not a valid reference: %v", err)
	}
}

type recordingRunner struct {
	specs    []CommandSpec
	stdout   string
	stderr   string
	exitCode int
	err      error
	block    bool
	hook     func(spec CommandSpec) error
}

func (r *recordingRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	r.specs = append(r.specs, spec)
	if r.hook != nil {
		if err := r.hook(spec); err != nil {
			return 1, err
		}
	}
	if r.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	_, _ = io.WriteString(stdout, r.stdout)
	_, _ = io.WriteString(stderr, r.stderr)
	if r.exitCode == 0 && r.err == nil {
		return 0, nil
	}
	return r.exitCode, r.err
}
