package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dockgen/dockgen/internal/client"
	"github.com/dockgen/dockgen/internal/discovery"
	"github.com/dockgen/dockgen/internal/job"
	"github.com/dockgen/dockgen/internal/orchestrator"
)

// newBrowser is replaced in tests.
var newBrowser = func() (discovery.Browser, error) { return discovery.NewBrowser() }

type remoteOptions struct {
	server          string
	token           string
	authHeader      string
	discoverService string
	discoverTimeout time.Duration
}

func (o *remoteOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.server, "server", os.Getenv("DOCKGEN_SERVER"), "server base URL; discovered over mDNS when empty")
	fs.StringVar(&o.token, "token", os.Getenv("DOCKGEN_TOKEN"), "API token")
	fs.StringVar(&o.authHeader, "auth-header", "", "token header name")
	fs.StringVar(&o.discoverService, "discover-service", discovery.DefaultService, "mDNS service to browse")
	fs.DurationVar(&o.discoverTimeout, "discover-timeout", discovery.DefaultTimeout, "mDNS browse timeout")
}

func (o *remoteOptions) client(ctx context.Context) (*client.HTTPClient, error) {
	base := o.server
	if base == "" {
		browser, err := newBrowser()
		if err != nil {
			return nil, err
		}
		base, err = discovery.ServerURL(ctx, "", browser, discovery.Options{
			Service: o.discoverService,
			Timeout: o.discoverTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("discover server (pass --server to skip): %w", err)
		}
		log.G(ctx).WithField("url", base).Info("discovered server")
	}
	return &client.HTTPClient{BaseURL: base, Token: o.token, AuthHeader: o.authHeader}, nil
}

func newSubmitCmd() *cobra.Command {
	var (
		remote       remoteOptions
		buildID      string
		contextPath  string
		noWait       bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Queue a build on a dockgen server and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			ctx := cmd.Context()
			c, err := remote.client(ctx)
			if err != nil {
				return err
			}
			jobID, err := c.SubmitBuild(ctx, req)
			if err != nil {
				return err
			}
			log.G(ctx).WithField("job_id", jobID).Info("build queued")
			if noWait {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"job_id": jobID})
			}

			lastPhase := ""
			rec, err := c.WaitForTerminal(ctx, jobID, pollInterval, func(r *job.Record) {
				if r.Phase != lastPhase {
					lastPhase = r.Phase
					log.G(ctx).WithFields(log.Fields{"job_id": jobID, "phase": r.Phase}).Info("build progress")
				}
			})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), orchestrator.BuildResult{
				Success:        rec.State == job.StateSuccess,
				ImageReference: rec.ImageReference,
				Error:          rec.Error,
			}); err != nil {
				return err
			}
			if rec.State != job.StateSuccess {
				return errReported
			}
			return nil
		},
	}
	remote.register(cmd.Flags())
	cmd.Flags().StringVar(&buildID, "build-id", "", "generation id used for the image tag")
	cmd.Flags().StringVar(&contextPath, "context", "", "repository context JSON file")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the job id and return once queued")
	cmd.Flags().DurationVar(&pollInterval, "poll", 500*time.Millisecond, "status poll interval")
	_ = cmd.MarkFlagRequired("build-id")
	return cmd
}

// imageStore is the part of the image API both the local docker builder
// and the remote client offer.
type imageStore interface {
	List(ctx context.Context) ([]string, error)
	Inspect(ctx context.Context, ref string) (json.RawMessage, error)
	Remove(ctx context.Context, ref string) error
}

type remoteImages struct {
	c *client.HTTPClient
}

func (r remoteImages) List(ctx context.Context) ([]string, error) { return r.c.ListImages(ctx) }

func (r remoteImages) Inspect(ctx context.Context, ref string) (json.RawMessage, error) {
	return r.c.InspectImage(ctx, ref)
}

func (r remoteImages) Remove(ctx context.Context, ref string) error { return r.c.RemoveImage(ctx, ref) }

func newImagesCmd(opts *rootOptions) *cobra.Command {
	var (
		remote remoteOptions
		local  bool
	)
	store := func(cmd *cobra.Command) (imageStore, error) {
		if local {
			cfg, err := localConfig(opts)
			if err != nil {
				return nil, err
			}
			return newBuilder(cfg), nil
		}
		c, err := remote.client(cmd.Context())
		if err != nil {
			return nil, err
		}
		return remoteImages{c: c}, nil
	}

	cmd := &cobra.Command{
		Use:   "images",
		Short: "List, inspect and remove images built by dockgen",
	}
	remote.register(cmd.PersistentFlags())
	cmd.PersistentFlags().BoolVar(&local, "local", false, "talk to the local docker daemon instead of a server")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List dockgen images",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := store(cmd)
				if err != nil {
					return err
				}
				images, err := s.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, img := range images {
					fmt.Fprintln(cmd.OutOrStdout(), img)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "inspect REF",
			Short: "Print docker inspect output for an image",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := store(cmd)
				if err != nil {
					return err
				}
				raw, err := s.Inspect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			},
		},
		&cobra.Command{
			Use:   "rm REF...",
			Short: "Remove images",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := store(cmd)
				if err != nil {
					return err
				}
				for _, ref := range args {
					if err := s.Remove(cmd.Context(), ref); err != nil {
						return fmt.Errorf("remove %s: %w", ref, err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), ref)
				}
				return nil
			},
		},
	)
	return cmd
}
