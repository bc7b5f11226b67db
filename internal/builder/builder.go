package builder

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrTimeout     = errors.New("build timed out")
	ErrUnavailable = errors.New("docker is not available")
)

type ProgressUpdate struct {
	Step        string
	Message     string
	HeartbeatAt time.Time
}

type ProgressFunc func(update ProgressUpdate)

type BuildRequest struct {
	BuildID string
	Tag     string
	// Dir is the build context; the Dockerfile is read from it.
	Dir      string
	LogPath  string
	Timeout  time.Duration
	Progress ProgressFunc
}

type BuildResult struct {
	ExitCode int
	Message  string
	// Output is the combined tool output, also written to LogPath.
	Output string
}

// Builder turns a materialized workspace into a tagged image.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
	// ImageID returns the local image id for ref, empty when absent.
	ImageID(ctx context.Context, ref string) (string, error)
}

// Images is the read/delete side of the local image store.
type Images interface {
	Inspect(ctx context.Context, ref string) (json.RawMessage, error)
	Remove(ctx context.Context, ref string) error
	List(ctx context.Context) ([]string, error)
	Available(ctx context.Context) bool
}
