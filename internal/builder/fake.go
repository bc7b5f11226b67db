package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FakeBuilder is intended for tests and local dry-runs. It implements both
// Builder and Images against an in-memory image set.
type FakeBuilder struct {
	mu sync.Mutex

	Calls []BuildRequest

	// FailTags makes builds of the given tag fail with the error.
	FailTags map[string]error
	// FailRecipes fails any build whose Dockerfile contains the key.
	FailRecipes map[string]error
	// Unverified tags build successfully but never appear in the image set.
	Unverified map[string]bool
	BlockCh    <-chan struct{}
	// PanicOnBuild simulates a crashing tool driver.
	PanicOnBuild bool

	HeartbeatInterval time.Duration

	images map[string]string
}

func (b *FakeBuilder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if b.PanicOnBuild {
		panic("fake builder crashed")
	}
	report := func(step, message string) {
		if req.Progress != nil {
			req.Progress(ProgressUpdate{Step: step, Message: message, HeartbeatAt: time.Now().UTC()})
		}
	}
	report("1/2", "fake build reading Dockerfile")

	recipe, err := os.ReadFile(filepath.Join(req.Dir, "Dockerfile"))
	if err != nil {
		return BuildResult{ExitCode: 1}, fmt.Errorf("read Dockerfile: %w", err)
	}

	b.mu.Lock()
	b.Calls = append(b.Calls, req)
	b.mu.Unlock()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if b.BlockCh != nil {
		interval := b.HeartbeatInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return BuildResult{ExitCode: -1, Message: "fake build timed out"}, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
				}
				return BuildResult{ExitCode: -1}, ctx.Err()
			case <-ticker.C:
				report("1/2", "fake heartbeat")
			case <-b.BlockCh:
				break wait
			}
		}
	}

	logPath := req.LogPath
	if logPath == "" {
		logPath = filepath.Join(req.Dir, logFileName)
	}

	if err := b.failure(req.Tag, string(recipe)); err != nil {
		output := "#1 ERROR: " + err.Error() + "\n"
		_ = os.WriteFile(logPath, []byte(output), 0o644)
		return BuildResult{ExitCode: 1, Message: "fake build failed", Output: output}, err
	}

	output := fmt.Sprintf("#2 [2/2] fake layer\n#3 naming to docker.io/library/%s done\n", req.Tag)
	if err := os.WriteFile(logPath, []byte(output), 0o644); err != nil {
		return BuildResult{ExitCode: 1}, err
	}
	report("2/2", "fake image written")

	b.mu.Lock()
	if !b.Unverified[req.Tag] {
		if b.images == nil {
			b.images = map[string]string{}
		}
		b.images[req.Tag] = fmt.Sprintf("sha256:%012x", len(b.images)+1)
	}
	b.mu.Unlock()
	return BuildResult{ExitCode: 0, Message: "fake build succeeded", Output: output}, nil
}

func (b *FakeBuilder) failure(tag, recipe string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.FailTags[tag]; ok {
		return err
	}
	for needle, err := range b.FailRecipes {
		if strings.Contains(recipe, needle) {
			return err
		}
	}
	return nil
}

// CallCount is safe to call while builds run.
func (b *FakeBuilder) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

func (b *FakeBuilder) ImageID(_ context.Context, ref string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.images[ref], nil
}

func (b *FakeBuilder) Inspect(_ context.Context, ref string) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.images[ref]
	if !ok {
		return nil, fmt.Errorf("docker inspect: no such image: %s", ref)
	}
	return json.Marshal([]map[string]any{{"Id": id, "RepoTags": []string{ref}}})
}

func (b *FakeBuilder) Remove(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.images[ref]; !ok {
		return errors.New("docker rmi: no such image: " + ref)
	}
	delete(b.images, ref)
	return nil
}

func (b *FakeBuilder) List(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.images))
	for ref := range b.images {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out, nil
}

func (b *FakeBuilder) Available(context.Context) bool { return true }
