package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/dockgen/dockgen/internal/builder"
	"github.com/dockgen/dockgen/internal/orchestrator"
	"github.com/dockgen/dockgen/internal/workspace"
)

func newBuildCmd(opts *rootOptions) *cobra.Command {
	var (
		buildID     string
		contextPath string
		fullReport  bool
	)
	cmd := &cobra.Command{
		Use:   "build FILE",
		Short: "Validate and build a Dockerfile locally, falling back to a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := localConfig(opts)
			if err != nil {
				return err
			}
			recipe, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read recipe: %w", err)
			}
			req := orchestrator.Request{Recipe: string(recipe), BuildID: buildID}
			if contextPath != "" {
				if req.RepoContext, err = readRepoContext(contextPath); err != nil {
					return err
				}
			}

			root := filepath.Join(os.TempDir(), "dockgen", "work")
			if strings.TrimSpace(cfg.BaseDir) != "" {
				root = cfg.WorkDir()
			}
			orch, err := orchestrator.New(orchestrator.Options{
				Workspaces:   workspace.New(root),
				Builder:      newBuilder(cfg),
				ImagePrefix:  cfg.ImagePrefix,
				BuildTimeout: cfg.BuildTimeout,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			req.Progress = func(u builder.ProgressUpdate) {
				if u.Step != "" {
					log.G(ctx).WithField("step", u.Step).Info(u.Message)
				}
			}
			report := orch.Run(ctx, req)

			var out any = report.Result
			if fullReport {
				out = report
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !report.Result.Success {
				if report.WorkspaceDir != "" {
					log.G(ctx).WithField("workspace", report.WorkspaceDir).Info("failed workspace kept for inspection")
				}
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build-id", "", "generation id used for the image tag")
	cmd.Flags().StringVar(&contextPath, "context", "", "repository context JSON file")
	cmd.Flags().BoolVar(&fullReport, "report", false, "print the full attempt report instead of the result")
	_ = cmd.MarkFlagRequired("build-id")
	return cmd
}
