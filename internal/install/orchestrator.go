package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/modelinstall/internal/download"
	"github.com/BadgerOps/modelinstall/internal/locate"
	"github.com/BadgerOps/modelinstall/internal/progress"
	"github.com/BadgerOps/modelinstall/internal/safety"
	"github.com/BadgerOps/modelinstall/internal/store"
	"github.com/BadgerOps/modelinstall/internal/verify"
)

// LockFileName is created in the target directory while a run is active.
const LockFileName = ".modelinstall.lock"

// ErrAlreadyRan is returned when Run is called a second time.
var ErrAlreadyRan = errors.New("orchestrator already ran")

// Transferer copies a source into a target's partial path.
type Transferer interface {
	Transfer(ctx context.Context, src download.Source, target download.Target, sink progress.Sink) (*download.Result, error)
}

// Locator resolves a folder to one artifact.
type Locator interface {
	Locate(ctx context.Context, folder string) (locate.Artifact, error)
}

// Verifier judges a file on disk.
type Verifier interface {
	Basic(path string) verify.Result
	Verify(ctx context.Context, path, expectedSHA256 string, sink progress.Sink) (verify.Result, error)
}

// Recorder persists install history. Write failures are logged and never
// fail an installation.
type Recorder interface {
	CreateRun(run *store.InstallRun) error
	UpdateRun(run *store.InstallRun) error
	GetInstalled(artifactKey string) (*store.InstalledArtifact, error)
	SetInstalled(a *store.InstalledArtifact) error
}

// Plan is everything one run needs to know, read once from configuration.
type Plan struct {
	// Key identifies the artifact in install history.
	Key string
	// Source is the exact artifact location. Leave nil and set Folder and
	// Locator to discover it at runtime.
	Source  download.Source
	Folder  string
	Locator Locator
	// FileName is the expected local name. With discovery it is only used
	// to detect an existing install; the discovered name wins.
	FileName     string
	TargetDir    string
	ExpectedSize int64
	// SHA256 makes verification mandatory when set.
	SHA256 string
	Verify bool
	// LockWait bounds how long to wait for a concurrent run. Zero fails fast.
	LockWait time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Transfer Transferer
	Verifier Verifier
	Store    Recorder // optional
	Observer Observer // optional
	Progress progress.Options
	Logger   *slog.Logger
}

// Orchestrator runs the installation state machine once.
type Orchestrator struct {
	transfer Transferer
	verifier Verifier
	store    Recorder
	observer Observer
	progOpts progress.Options
	logger   *slog.Logger

	state atomic.Value // State
	ran   atomic.Bool
}

// New creates an Orchestrator in StateNotInstalled.
func New(opts Options) *Orchestrator {
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		transfer: opts.Transfer,
		verifier: opts.Verifier,
		store:    opts.Store,
		observer: opts.Observer,
		progOpts: opts.Progress,
		logger:   opts.Logger,
	}
	o.state.Store(StateNotInstalled)
	return o
}

// State returns the current state. Safe for concurrent use.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

func (o *Orchestrator) setState(s State) {
	prev := o.State()
	o.state.Store(s)
	if prev != s {
		o.logger.Debug("state transition", "from", prev, "to", s)
	}
}

// run carries per-attempt state through the steps of Run.
type run struct {
	plan   Plan
	agg    *progress.Aggregator
	record *store.InstallRun
	out    Outcome
}

// Run drives NotInstalled → [Discovering] → Connecting → Downloading →
// [Verifying] → Installed, or Failed from any of them. The observer's
// Finished is called with the same Outcome that is returned.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) Outcome {
	if !o.ran.CompareAndSwap(false, true) {
		return Outcome{State: StateFailed, Reason: ReasonConfig, Err: ErrAlreadyRan}
	}

	r := &run{plan: plan}
	r.agg = progress.NewAggregator(o.progOpts, func(u progress.Update) {
		o.observer.Progress(Status{State: State(u.Phase), Update: u})
	})

	o.execute(ctx, r)

	r.agg.Stop()
	o.finishRecord(r)
	o.observer.Finished(r.out)
	return r.out
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	plan := r.plan
	if err := validatePlan(plan); err != nil {
		o.fail(r, ReasonConfig, err)
		return
	}

	if o.shortCircuit(r) {
		return
	}

	if err := os.MkdirAll(plan.TargetDir, 0755); err != nil {
		o.fail(r, ReasonConfig, fmt.Errorf("create target dir: %w", err))
		return
	}
	lock, err := AcquireLock(ctx, filepath.Join(plan.TargetDir, LockFileName), plan.LockWait)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			o.fail(r, ReasonBusy, err)
		} else if ctx.Err() != nil {
			o.fail(r, ReasonCancelled, err)
		} else {
			o.fail(r, ReasonConfig, err)
		}
		return
	}
	defer lock.Release()

	// A concurrent run may have finished while we waited for the lock.
	if o.shortCircuit(r) {
		return
	}

	o.startRecord(r)

	src := plan.Source
	name := plan.FileName
	expected := plan.ExpectedSize
	if plan.Source == nil {
		o.setState(StateDiscovering)
		r.agg.Start(string(StateDiscovering))
		art, err := plan.Locator.Locate(ctx, plan.Folder)
		if err != nil {
			o.fail(r, discoveryReason(ctx, err), err)
			return
		}
		src, name = art.Source, art.Name
		if expected <= 0 && art.Size > 0 {
			expected = art.Size
		}
		r.agg.Complete()
	}

	path, err := safety.JoinUnder(plan.TargetDir, name)
	if err != nil {
		reason := ReasonConfig
		if plan.Source == nil {
			reason = ReasonDiscovery
		}
		o.fail(r, reason, fmt.Errorf("artifact name: %w", err))
		return
	}
	r.out.ArtifactName, r.out.Path = name, path

	if plan.Source == nil {
		// The discovered name may already be installed under a different
		// configured default.
		if res := o.verifier.Basic(path); res.Valid {
			o.installed(r, path, name, res.Size, "", true, true)
			return
		}
	}
	o.removeInvalid(path)

	target := download.Target{Path: path, ExpectedSize: expected}

	o.setState(StateConnecting)
	r.agg.Start(string(StateConnecting))
	sink := &phaseSink{agg: r.agg, onFirst: func() {
		o.setState(StateDownloading)
		r.agg.Start(string(StateDownloading))
	}}

	result, err := o.transfer.Transfer(ctx, src, target, sink)
	if err != nil {
		var te *download.TransferError
		if errors.As(err, &te) {
			r.out.Attempts = te.Attempts
		}
		if ctx.Err() != nil {
			o.fail(r, ReasonCancelled, err)
		} else {
			o.fail(r, ReasonTransfer, err)
		}
		return
	}
	r.out.Attempts, r.out.Resumed, r.out.Size = result.Attempts, result.Resumed, result.Size
	if o.State() == StateConnecting {
		// A zero-byte or already-complete transfer never reported a sample.
		o.setState(StateDownloading)
		r.agg.Start(string(StateDownloading))
	}
	r.agg.Complete()

	if plan.Verify || plan.SHA256 != "" {
		o.setState(StateVerifying)
		r.agg.Start(string(StateVerifying))
		res, err := o.verifier.Verify(ctx, target.PartialPath(), plan.SHA256, r.agg)
		if err != nil {
			if src.Kind() != download.KindHTTP {
				_ = target.Discard()
			}
			o.fail(r, ReasonCancelled, err)
			return
		}
		if !res.Valid {
			if derr := target.Discard(); derr != nil {
				o.logger.Error("failed to remove corrupt artifact", "path", target.PartialPath(), "error", derr)
			}
			o.fail(r, ReasonIntegrity, res.Err())
			return
		}
		r.out.SHA256 = res.SHA256
		r.agg.Complete()
	}

	if err := target.Finalize(); err != nil {
		_ = target.Discard()
		o.fail(r, ReasonTransfer, err)
		return
	}
	o.installed(r, path, name, r.out.Size, r.out.SHA256, false, true)
}

// shortCircuit ends the run as Installed when a valid artifact is already
// on disk at the configured name or at the last recorded install. It
// contacts no source and writes nothing.
func (o *Orchestrator) shortCircuit(r *run) bool {
	var candidates []string
	if r.plan.FileName != "" {
		if p, err := safety.JoinUnder(r.plan.TargetDir, r.plan.FileName); err == nil {
			candidates = append(candidates, p)
		}
	}
	if o.store != nil && r.plan.Key != "" {
		if prev, err := o.store.GetInstalled(r.plan.Key); err == nil {
			if p, err := safety.EnsureUnderRoot(r.plan.TargetDir, prev.Path); err == nil {
				candidates = append(candidates, p)
			}
		}
	}

	for _, p := range candidates {
		res := o.verifier.Basic(p)
		if res.Valid {
			o.logger.Info("artifact already installed", "path", p, "size", res.Size)
			o.installed(r, p, filepath.Base(p), res.Size, "", true, false)
			return true
		}
		if res.Reason != verify.ReasonMissing {
			o.logger.Warn("existing artifact is invalid, reinstalling", "path", p, "reason", res.Reason)
		}
	}
	return false
}

func (o *Orchestrator) removeInvalid(path string) {
	if _, err := os.Lstat(path); err != nil {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		o.logger.Error("failed to remove invalid artifact", "path", path, "error", err)
	}
}

func (o *Orchestrator) installed(r *run, path, name string, size int64, sha string, existing, record bool) {
	o.setState(StateInstalled)
	r.out.State = StateInstalled
	r.out.Reason = ReasonNone
	r.out.Path, r.out.ArtifactName, r.out.Size, r.out.SHA256 = path, name, size, sha
	r.out.AlreadyInstalled = existing

	if o.store != nil && r.plan.Key != "" && record {
		a := &store.InstalledArtifact{ArtifactKey: r.plan.Key, Name: name, Path: path, Size: size, SHA256: sha}
		if r.record != nil {
			a.RunID = r.record.ID
		}
		if err := o.store.SetInstalled(a); err != nil {
			o.logger.Warn("failed to record installed artifact", "error", err)
		}
	}
	o.logger.Info("artifact installed", "name", name, "path", path, "size", size, "already_installed", existing)
}

func (o *Orchestrator) fail(r *run, reason Reason, err error) {
	r.out.Phase = o.State()
	o.setState(StateFailed)
	r.out.State = StateFailed
	r.out.Reason = reason
	r.out.Err = err
	o.logger.Error("installation failed", "phase", r.out.Phase, "reason", reason, "error", err)
}

func (o *Orchestrator) startRecord(r *run) {
	if o.store == nil {
		return
	}
	rec := &store.InstallRun{ArtifactKey: r.plan.Key, Source: describePlan(r.plan), State: string(o.State())}
	if err := o.store.CreateRun(rec); err != nil {
		o.logger.Warn("failed to record install run", "error", err)
		return
	}
	r.record = rec
	r.out.RunID = rec.ID
}

func (o *Orchestrator) finishRecord(r *run) {
	if o.store == nil || r.record == nil {
		return
	}
	rec := r.record
	rec.EndTime = time.Now()
	rec.State = string(r.out.State)
	rec.Reason = string(r.out.Reason)
	rec.ArtifactName = r.out.ArtifactName
	rec.Path = r.out.Path
	rec.Bytes = r.out.Size
	rec.Attempts = r.out.Attempts
	rec.Resumed = r.out.Resumed
	rec.SHA256 = r.out.SHA256
	if r.out.Err != nil {
		rec.ErrorMessage = r.out.Err.Error()
	}
	if err := o.store.UpdateRun(rec); err != nil {
		o.logger.Warn("failed to update install run", "error", err)
	}
}

func validatePlan(p Plan) error {
	if p.TargetDir == "" || !filepath.IsAbs(p.TargetDir) {
		return fmt.Errorf("target dir must be absolute, got %q", p.TargetDir)
	}
	if p.Source == nil {
		if p.Locator == nil {
			return errors.New("no source and no locator")
		}
		return nil
	}
	if p.FileName == "" {
		return errors.New("file name is required for an exact source")
	}
	return nil
}

func discoveryReason(ctx context.Context, err error) Reason {
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled
	case errors.Is(err, locate.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, locate.ErrAmbiguous):
		return ReasonAmbiguous
	}
	return ReasonDiscovery
}

func describePlan(p Plan) string {
	if p.Source != nil {
		return download.Describe(p.Source)
	}
	return "discover:" + p.Folder
}

// phaseSink forwards samples to the aggregator, running onFirst before the
// first one.
type phaseSink struct {
	agg     *progress.Aggregator
	onFirst func()
	seen    bool
}

func (s *phaseSink) Report(sample progress.Sample) {
	if !s.seen {
		s.seen = true
		s.onFirst()
	}
	s.agg.Report(sample)
}
