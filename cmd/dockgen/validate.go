package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dockgen/dockgen/internal/lint"
	"github.com/dockgen/dockgen/internal/repoctx"
	"github.com/dockgen/dockgen/internal/template"
)

type fileResult struct {
	File   string      `json:"file"`
	Result lint.Result `json:"result"`
}

func newValidateCmd() *cobra.Command {
	var (
		asJSON   bool
		hadolint string
	)
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Lint Dockerfiles and report errors, warnings and suggestions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validate := func(text string) lint.Result { return lint.ValidateText(text) }
			if hadolint != "" {
				h := lint.NewHadolint(hadolint, nil)
				ctx := cmd.Context()
				validate = func(text string) lint.Result { return h.ValidateText(ctx, text) }
			}
			results, err := validateFiles(args, validate)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				printResults(out, results)
			}
			for _, r := range results {
				if !r.Result.Valid {
					return errReported
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().StringVar(&hadolint, "hadolint", "", "also run this hadolint binary; built-in checks only when it cannot run")
	return cmd
}

// validateFiles lints every file concurrently and keeps the input order.
func validateFiles(files []string, validate func(string) lint.Result) ([]fileResult, error) {
	results := make([]fileResult, len(files))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range files {
		g.Go(func() error {
			raw, err := os.ReadFile(name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			results[i] = fileResult{File: name, Result: validate(string(raw))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printResults(w io.Writer, results []fileResult) {
	for _, r := range results {
		verdict := "valid"
		if !r.Result.Valid {
			verdict = "invalid"
		}
		fmt.Fprintf(w, "%s: %s\n", r.File, verdict)
		for _, f := range r.Result.Findings {
			fmt.Fprintf(w, "  %-10s %s\n", f.Severity, f)
		}
	}
}

func newTemplateCmd() *cobra.Command {
	var (
		raw         repoctx.Raw
		contextPath string
	)
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Render the fallback Dockerfile for a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := raw
			if contextPath != "" {
				loaded, err := readRepoContext(contextPath)
				if err != nil {
					return err
				}
				in = mergeRaw(*loaded, raw)
			}
			params := repoctx.Resolve(&in).TemplateParams()
			out, err := template.Render(template.Choose(params), params)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&raw.TechStack, "stack", nil, "tech stack entries, e.g. react,typescript")
	cmd.Flags().StringVar(&raw.LockfileKind, "lockfile", "", "lockfile kind: pnpm, yarn, npm, none or a lockfile name")
	cmd.Flags().StringVar(&raw.StartCommand, "start", "", "start command")
	cmd.Flags().StringVar(&raw.BuildCommand, "build", "", "build command")
	cmd.Flags().StringVar(&raw.MainFile, "main", "", "entry file")
	cmd.Flags().StringVar(&contextPath, "context", "", "repository context JSON file")
	return cmd
}

func readRepoContext(path string) (*repoctx.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open repository context: %w", err)
	}
	defer f.Close()
	var raw repoctx.Raw
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse repository context %s: %w", path, err)
	}
	return &raw, nil
}

// mergeRaw lets non-empty flag values win over the context file.
func mergeRaw(base, flags repoctx.Raw) repoctx.Raw {
	if len(flags.TechStack) > 0 {
		base.TechStack = flags.TechStack
	}
	if flags.LockfileKind != "" {
		base.LockfileKind = flags.LockfileKind
	}
	if flags.StartCommand != "" {
		base.StartCommand = flags.StartCommand
	}
	if flags.BuildCommand != "" {
		base.BuildCommand = flags.BuildCommand
	}
	if flags.MainFile != "" {
		base.MainFile = flags.MainFile
	}
	return base
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
