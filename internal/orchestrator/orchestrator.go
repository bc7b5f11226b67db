// Package orchestrator runs one build attempt end to end: workspace, lint,
// optional template fallback, docker build, image verification and cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"

	"github.com/dockgen/dockgen/internal/builder"
	"github.com/dockgen/dockgen/internal/diagnostics"
	"github.com/dockgen/dockgen/internal/lint"
	"github.com/dockgen/dockgen/internal/metrics"
	"github.com/dockgen/dockgen/internal/recipe"
	"github.com/dockgen/dockgen/internal/repoctx"
	"github.com/dockgen/dockgen/internal/template"
	"github.com/dockgen/dockgen/internal/workspace"
)

var (
	ErrBuildFailed  = errors.New("docker build failed")
	ErrVerifyFailed = errors.New("image verification failed")
)

const fallbackPrefix = "fallback build failed: "

const (
	FailureWorkspace = "workspace"
	FailureBuild     = "build"
	FailureVerify    = "verify"
	FailureInternal  = "internal"
)

const DefaultBuildTimeout = 5 * time.Minute

type Request struct {
	Recipe      string       `json:"recipe"`
	BuildID     string       `json:"buildId"`
	RepoContext *repoctx.Raw `json:"repoContext,omitempty"`

	// OnTransition is called on the attempt's goroutine after every state
	// change.
	OnTransition func(from, to State) `json:"-"`
	Progress     builder.ProgressFunc `json:"-"`
}

// BuildResult carries either ImageReference or Error, never both.
type BuildResult struct {
	Success        bool   `json:"success"`
	ImageReference string `json:"imageReference,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Report struct {
	Result          BuildResult `json:"result"`
	Validation      lint.Result `json:"validation"`
	UsedFallback    bool        `json:"usedFallback"`
	Template        string      `json:"template,omitempty"`
	EffectiveRecipe string      `json:"effectiveRecipe,omitempty"`
	Tag             string      `json:"tag"`
	WorkspaceID     string      `json:"workspaceId,omitempty"`
	WorkspaceDir    string      `json:"workspaceDir,omitempty"`
	States          []State     `json:"states"`
	FailureKind     string      `json:"failureKind,omitempty"`
	// FailureCause classifies build failures from the docker output.
	FailureCause string        `json:"failureCause,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`

	Err error `json:"-"`
}

type Options struct {
	Workspaces   *workspace.Manager
	Builder      builder.Builder
	Engine       *lint.Engine
	ImagePrefix  string
	BuildTimeout time.Duration
	Metrics      *metrics.Metrics
}

type Orchestrator struct {
	workspaces *workspace.Manager
	builder    builder.Builder
	engine     *lint.Engine
	prefix     string
	timeout    time.Duration
	metrics    *metrics.Metrics
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("builder is required")
	}
	o := &Orchestrator{
		workspaces: opts.Workspaces,
		builder:    opts.Builder,
		engine:     opts.Engine,
		prefix:     opts.ImagePrefix,
		timeout:    opts.BuildTimeout,
		metrics:    opts.Metrics,
	}
	if o.engine == nil {
		o.engine = lint.Default()
	}
	if o.prefix == "" {
		o.prefix = builder.DefaultImagePrefix
	}
	if o.timeout <= 0 {
		o.timeout = DefaultBuildTimeout
	}
	return o, nil
}

// attempt is the mutable state of one Run. It never outlives the call.
type attempt struct {
	req    Request
	rc     repoctx.Context
	ws     workspace.Workspace
	recipe string
	tag    string
	report Report
}

func (a *attempt) fail(kind string, err error) State {
	a.report.FailureKind = kind
	a.report.Err = err
	return StateFailed
}

// Run never returns an error; every failure ends up in Report.Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) Report {
	start := time.Now()
	a := &attempt{req: req, tag: builder.ImageTag(o.prefix, req.BuildID)}
	a.report.Tag = a.tag

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("build_id", req.BuildID))
	a.rc = repoctx.Resolve(req.RepoContext)
	for _, note := range a.rc.Notes {
		log.G(ctx).WithField("note", note).Warn("repository context input ignored")
	}

	state := StateCreatingWorkspace
	a.report.States = []State{state}
	for !state.Terminal() {
		next := o.step(ctx, state, a)
		if err := checkTransition(state, next); err != nil {
			next = a.fail(FailureInternal, err)
		}
		log.G(ctx).WithFields(log.Fields{
			"state":     next,
			"from":      state,
			"workspace": a.ws.ID,
		}).Debug("build transition")
		if req.OnTransition != nil {
			req.OnTransition(state, next)
		}
		a.report.States = append(a.report.States, next)
		state = next
	}

	a.report.Elapsed = time.Since(start)
	o.finish(ctx, state, a)
	return a.report
}

func (o *Orchestrator) step(ctx context.Context, s State, a *attempt) (next State) {
	defer func() {
		if r := recover(); r != nil {
			next = a.fail(FailureInternal, fmt.Errorf("panic during %s: %v", s, r))
		}
	}()
	switch s {
	case StateCreatingWorkspace:
		return o.createWorkspace(ctx, a)
	case StateValidating:
		return o.validate(ctx, a)
	case StateSelectingFallback:
		return o.selectFallback(ctx, a)
	case StateWritingArtifacts:
		return o.writeArtifacts(ctx, a)
	case StateInvokingBuild:
		return o.invokeBuild(ctx, a)
	case StateVerifying:
		return o.verify(ctx, a)
	case StateCleaningUp:
		return o.cleanUp(ctx, a)
	default:
		return a.fail(FailureInternal, fmt.Errorf("no step for state %s", s))
	}
}

func (o *Orchestrator) createWorkspace(ctx context.Context, a *attempt) State {
	ws, err := o.workspaces.Create()
	if err != nil {
		return a.fail(FailureWorkspace, err)
	}
	a.ws = ws
	a.report.WorkspaceID = ws.ID
	a.report.WorkspaceDir = ws.Dir
	log.G(ctx).WithField("workspace", ws.ID).Debug("workspace created")
	return StateValidating
}

func (o *Orchestrator) validate(ctx context.Context, a *attempt) State {
	res := o.engine.Validate(recipe.Parse(a.req.Recipe))
	a.report.Validation = res
	o.metrics.ObserveValidation(res.Valid)
	logFindings(ctx, res)
	if !res.Valid {
		return StateSelectingFallback
	}
	a.recipe = a.req.Recipe
	return StateWritingArtifacts
}

func logFindings(ctx context.Context, res lint.Result) {
	for _, f := range res.Findings {
		entry := log.G(ctx).WithFields(log.Fields{
			"pass": f.Pass,
			"rule": f.Rule,
			"line": f.Line,
		})
		switch f.Severity {
		case lint.SeverityError:
			entry.Warn(f.Message)
		case lint.SeverityWarning:
			entry.Info(f.Message)
		default:
			entry.Debug(f.Message)
		}
	}
}

func (o *Orchestrator) selectFallback(ctx context.Context, a *attempt) State {
	params := a.rc.TemplateParams()
	choice := template.Choose(params)
	out, err := template.Render(choice, params)
	if err != nil {
		return a.fail(FailureInternal, err)
	}
	a.recipe = out
	a.report.UsedFallback = true
	a.report.Template = string(choice.Kind)
	o.metrics.ObserveFallback()
	log.G(ctx).WithFields(log.Fields{
		"template":        choice.Kind,
		"package_manager": choice.Manager,
		"errors":          len(a.report.Validation.Errors),
	}).Warn("recipe rejected, using template")
	return StateWritingArtifacts
}

func (o *Orchestrator) writeArtifacts(_ context.Context, a *attempt) State {
	a.report.EffectiveRecipe = a.recipe
	if err := a.ws.Materialize(a.rc, a.recipe); err != nil {
		return a.fail(FailureWorkspace, err)
	}
	return StateInvokingBuild
}

func (o *Orchestrator) invokeBuild(ctx context.Context, a *attempt) State {
	logPath := a.ws.Path(workspace.BuildLogName)
	res, err := o.builder.Build(ctx, builder.BuildRequest{
		BuildID:  a.req.BuildID,
		Tag:      a.tag,
		Dir:      a.ws.Dir,
		LogPath:  logPath,
		Timeout:  o.timeout,
		Progress: a.req.Progress,
	})
	if err == nil {
		return StateVerifying
	}
	cause, summary := explainFailure(logPath, res, err)
	a.report.FailureCause = cause
	return a.fail(FailureBuild, fmt.Errorf("%w: %s", ErrBuildFailed, summary))
}

func explainFailure(logPath string, res builder.BuildResult, err error) (string, string) {
	if errors.Is(err, builder.ErrTimeout) {
		return "timeout", err.Error()
	}
	raw, readErr := os.ReadFile(logPath)
	if readErr != nil || len(raw) == 0 {
		raw = []byte(res.Output)
	}
	report := diagnostics.BuildReport(map[string][]byte{workspace.BuildLogName: raw})
	return diagnostics.InferFailure(report, "", err)
}

func (o *Orchestrator) verify(ctx context.Context, a *attempt) State {
	id, err := o.builder.ImageID(ctx, a.tag)
	if err != nil {
		return a.fail(FailureVerify, fmt.Errorf("%w: %v", ErrVerifyFailed, err))
	}
	if id == "" {
		return a.fail(FailureVerify, fmt.Errorf("%w: no image tagged %s", ErrVerifyFailed, a.tag))
	}
	log.G(ctx).WithField("image_id", id).Debug("image verified")
	return StateCleaningUp
}

func (o *Orchestrator) cleanUp(ctx context.Context, a *attempt) State {
	if err := o.workspaces.Remove(a.ws); err != nil {
		log.G(ctx).WithError(err).WithField("workspace", a.ws.ID).Warn("workspace cleanup failed")
	}
	return StateSucceeded
}

func (o *Orchestrator) finish(ctx context.Context, final State, a *attempt) {
	r := &a.report
	fields := log.Fields{
		"workspace": a.ws.ID,
		"fallback":  r.UsedFallback,
		"elapsed":   r.Elapsed.Round(time.Millisecond),
	}
	if final == StateSucceeded {
		r.Result = BuildResult{Success: true, ImageReference: a.tag}
		o.metrics.ObserveBuild(true, r.UsedFallback, "", r.Elapsed)
		log.G(ctx).WithFields(fields).WithField("image", a.tag).Info("build succeeded")
		return
	}

	if r.Err == nil {
		r.Err = errors.New("build failed")
	}
	if r.UsedFallback && (r.FailureKind == FailureBuild || r.FailureKind == FailureVerify) {
		r.Err = fmt.Errorf("%s%w", fallbackPrefix, r.Err)
	}
	r.Result = BuildResult{Success: false, Error: r.Err.Error()}
	o.metrics.ObserveBuild(false, r.UsedFallback, r.FailureKind, r.Elapsed)
	log.G(ctx).WithFields(fields).WithField("failure_kind", r.FailureKind).WithError(r.Err).Error("build failed")
}
