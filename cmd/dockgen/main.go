// Command dockgen validates Dockerfiles, renders fallback templates, and
// builds images locally or through a dockgen server.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dockgen/dockgen/internal/builder"
	"github.com/dockgen/dockgen/internal/config"
)

// errReported marks failures whose details were already printed; main only
// sets the exit status for them.
var errReported = errors.New("reported")

type imageBuilder interface {
	builder.Builder
	builder.Images
}

// newBuilder is replaced in tests. DOCKGEN_FAKE_BUILDER=1 swaps docker for an
// in-memory builder, for demos without a daemon.
var newBuilder = func(cfg config.Config) imageBuilder {
	if strings.TrimSpace(os.Getenv("DOCKGEN_FAKE_BUILDER")) == "1" {
		log.L.Warn("using fake builder")
		return &builder.FakeBuilder{}
	}
	return builder.NewDockerBuilder(cfg.DockerBin, cfg.ImagePrefix, builder.OSRunner{})
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "dockgen",
		Short:         "Validate, repair and build generated Dockerfiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.logLevel, opts.logFormat)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text, json)")

	cmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(),
		newTemplateCmd(),
		newBuildCmd(opts),
		newSubmitCmd(),
		newImagesCmd(opts),
	)
	return cmd
}

func setupLogging(level, format string) error {
	if strings.TrimSpace(level) != "" {
		if err := log.SetLevel(level); err != nil {
			return fmt.Errorf("set log level: %w", err)
		}
	}
	switch log.OutputFormat(strings.TrimSpace(format)) {
	case "":
	case log.TextFormat:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: log.RFC3339NanoFixed,
		})
	default:
		if err := log.SetFormat(log.OutputFormat(format)); err != nil {
			return fmt.Errorf("set log format: %w", err)
		}
	}
	return nil
}

// localConfig is the configuration for commands that run without a server.
// BaseDir is optional for them, so validation is skipped when no file is
// given.
func localConfig(opts *rootOptions) (config.Config, error) {
	if strings.TrimSpace(opts.configPath) == "" {
		cfg := config.Default()
		if dir := os.Getenv("DOCKGEN_BASE_DIR"); dir != "" {
			cfg.BaseDir = dir
		}
		if bin := os.Getenv("DOCKGEN_DOCKER_BIN"); bin != "" {
			cfg.DockerBin = bin
		}
		return cfg, nil
	}
	return config.Load(opts.configPath)
}
