// Package runner executes workspace instances: it checks out the requested
// revisions, prepares the image and runs the prebuild part of every task in
// a container, reporting each phase back to the control plane.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/prebuildd/builder/internal/docker"
	"github.com/splax/prebuildd/pkg/config"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

var (
	// ErrInvalidRequest is returned for start requests missing required fields.
	ErrInvalidRequest = errors.New("invalid workspace request")
	// ErrAlreadyRunning is returned when the instance is already executing.
	ErrAlreadyRunning = errors.New("workspace instance already running")
	// ErrNotFound is returned when stopping an unknown instance.
	ErrNotFound = errors.New("workspace instance not found")
)

const (
	imageTagPrefix   = "prebuildd/workspace"
	reportTimeout    = 10 * time.Second
	failureTailLines = 20
)

// Docker is the container engine used to run tasks.
type Docker interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
	BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput docker.OutputCallback) error
	RunTask(ctx context.Context, spec docker.TaskSpec, onLine docker.LineCallback) (int64, error)
	RemoveImage(ctx context.Context, tag string) error
}

// Workspaces allocates per-instance directories.
type Workspaces interface {
	Prepare(instanceID string) (string, error)
	CheckoutDir(instanceDir, target string) (string, error)
	Cleanup(path string) error
}

// Reporter delivers status changes and task output to the control plane.
type Reporter interface {
	ReportStatus(ctx context.Context, report contract.StatusReport) error
	ReportLogs(ctx context.Context, lines []contract.LogLine) error
}

// CheckoutFunc materializes one revision of a repository into dest.
type CheckoutFunc func(ctx context.Context, cloneURL, revision, ref, dest, token string) error

// Deps bundles the collaborators of Service.
type Deps struct {
	Docker     Docker
	Workspaces Workspaces
	Reporter   Reporter
	Checkout   CheckoutFunc
}

// Service runs workspace instances in the background.
type Service struct {
	docker     Docker
	workspaces Workspaces
	reporter   Reporter
	checkout   CheckoutFunc
	logger     *slog.Logger
	cfg        config.BuilderConfig

	mu      sync.Mutex
	running map[string]*instance
	wg      sync.WaitGroup
}

type instance struct {
	req    contract.StartRequest
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	stopping string
}

func (i *instance) setStopping(policy string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopping != contract.StopPolicyAbort {
		i.stopping = policy
	}
}

func (i *instance) stopPolicy() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopping
}

// New constructs a Service.
func New(deps Deps, cfg config.BuilderConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docker:     deps.Docker,
		workspaces: deps.Workspaces,
		reporter:   deps.Reporter,
		checkout:   deps.Checkout,
		logger:     logger.With("component", "runner"),
		cfg:        cfg,
		running:    map[string]*instance{},
	}
}

// Start validates req and begins executing it in the background.
func (s *Service) Start(ctx context.Context, req contract.StartRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.running[req.InstanceID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	inst := &instance{req: req, cancel: cancel, done: make(chan struct{})}
	s.running[req.InstanceID] = inst
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("workspace accepted", "instance_id", req.InstanceID, "workspace_id", req.WorkspaceID, "tasks", len(req.Tasks))
	go func() {
		defer s.wg.Done()
		defer close(inst.done)
		defer s.forget(req.InstanceID)
		defer cancel()
		s.execute(runCtx, inst)
	}()
	return nil
}

// Stop halts a running instance. The abort policy kills the running task;
// any other policy lets the current task finish and skips the rest.
func (s *Service) Stop(_ context.Context, instanceID, policy string) error {
	s.mu.Lock()
	inst, ok := s.running[instanceID]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if policy != contract.StopPolicyAbort {
		policy = contract.StopPolicyNormal
	}
	inst.setStopping(policy)
	if policy == contract.StopPolicyAbort {
		inst.cancel()
	}
	s.logger.Info("workspace stop requested", "instance_id", instanceID, "policy", policy)
	return nil
}

// Running reports the number of executing instances.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Health verifies the container engine is reachable.
func (s *Service) Health(ctx context.Context) error {
	if s.docker == nil {
		return errors.New("docker client not initialised")
	}
	return s.docker.Ping(ctx)
}

// Shutdown aborts every running instance and waits for them to report.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, inst := range s.running {
		inst.setStopping(contract.StopPolicyAbort)
		inst.cancel()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) forget(instanceID string) {
	s.mu.Lock()
	delete(s.running, instanceID)
	s.mu.Unlock()
}

func validate(req contract.StartRequest) error {
	if strings.TrimSpace(req.InstanceID) == "" {
		return fmt.Errorf("%w: instance_id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace_id required", ErrInvalidRequest)
	}
	if strings.ContainsAny(req.InstanceID, `/\`) {
		return fmt.Errorf("%w: invalid instance_id", ErrInvalidRequest)
	}
	if len(req.Checkouts) == 0 {
		return fmt.Errorf("%w: at least one checkout required", ErrInvalidRequest)
	}
	for _, co := range req.Checkouts {
		if strings.TrimSpace(co.CloneURL) == "" || strings.TrimSpace(co.Revision) == "" {
			return fmt.Errorf("%w: checkout requires clone_url and revision", ErrInvalidRequest)
		}
	}
	return nil
}

// stageError marks a failure with the stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (s *Service) execute(ctx context.Context, inst *instance) {
	req := inst.req
	log := s.logger.With("instance_id", req.InstanceID, "workspace_id", req.WorkspaceID)
	logs := newLogBatcher(req, s.reporter, s.cfg.LogFlushInterval, log)
	defer logs.Close()

	s.report(req, contract.PhasePreparing, "", "")

	err := s.run(ctx, inst, logs, log)
	outcome := s.outcome(ctx, inst, err)
	msg := ""
	if err != nil && outcome != contract.OutcomeAborted {
		msg = err.Error()
		logs.Add("runner", "stderr", msg)
	}
	logs.Close()

	s.report(req, contract.PhaseStopping, "", "")
	s.report(req, contract.PhaseStopped, outcome, msg)
	log.Info("workspace finished", "outcome", outcome, "error", msg)
}

func (s *Service) outcome(ctx context.Context, inst *instance, err error) string {
	switch {
	case inst.stopPolicy() == contract.StopPolicyAbort:
		return contract.OutcomeAborted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return contract.OutcomeTimeout
	case inst.stopPolicy() == contract.StopPolicyNormal:
		return contract.OutcomeAborted
	case err != nil:
		return contract.OutcomeFailed
	default:
		return contract.OutcomeAvailable
	}
}

func (s *Service) run(ctx context.Context, inst *instance, logs *logBatcher, log *slog.Logger) error {
	req := inst.req
	dir, err := s.workspaces.Prepare(req.InstanceID)
	if err != nil {
		return &stageError{stage: "workspace", err: err}
	}
	defer func() {
		if err := s.workspaces.Cleanup(dir); err != nil {
			log.Error("workspace cleanup failed", "error", err)
		}
	}()

	if err := s.checkoutAll(ctx, req, dir, logs); err != nil {
		return err
	}

	image, cleanupImage, err := s.prepareImage(ctx, req, dir, logs)
	if err != nil {
		return err
	}
	defer cleanupImage()

	s.report(req, contract.PhaseBuilding, "", "")
	env := taskEnv(req)
	for i, task := range req.Tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if inst.stopPolicy() != "" {
			return errors.New("stopped")
		}
		script := prebuildScript(task)
		name := taskName(task, i)
		if script == "" {
			log.Debug("task has nothing to prebuild", "task", name)
			continue
		}
		logs.Add(name, "stdout", "$ "+script)
		code, err := s.docker.RunTask(ctx, docker.TaskSpec{
			Name:    containerName(req.InstanceID, i),
			Image:   image,
			Script:  script,
			HostDir: dir,
			Env:     env,
			Labels: map[string]string{
				"prebuildd.instance_id":  req.InstanceID,
				"prebuildd.workspace_id": req.WorkspaceID,
				"prebuildd.task":         name,
			},
		}, func(stream, line string) {
			logs.Add(name, stream, line)
		})
		if err != nil {
			return &stageError{stage: "task " + name, err: err}
		}
		if code != 0 {
			return &stageError{stage: "task " + name, err: fmt.Errorf("exited with code %d", code)}
		}
		log.Info("task completed", "task", name)
	}
	return nil
}

func (s *Service) checkoutAll(ctx context.Context, req contract.StartRequest, dir string, logs *logBatcher) error {
	for _, co := range req.Checkouts {
		dest, err := s.workspaces.CheckoutDir(dir, co.TargetDir)
		if err != nil {
			return &stageError{stage: "checkout", err: err}
		}
		gitCtx, cancel := context.WithTimeout(ctx, s.gitTimeout())
		logs.Add("checkout", "stdout", fmt.Sprintf("checking out %s at %s", co.CloneURL, co.Revision))
		err = s.checkout(gitCtx, co.CloneURL, co.Revision, co.Ref, dest, req.GitToken)
		cancel()
		if err != nil {
			return &stageError{stage: "checkout", err: err}
		}
	}
	return nil
}

func (s *Service) gitTimeout() time.Duration {
	if s.cfg.GitTimeout > 0 {
		return s.cfg.GitTimeout
	}
	return 2 * time.Minute
}

// prepareImage builds the workspace Dockerfile when one is configured and
// pulls the base image otherwise. The returned func releases a built image.
func (s *Service) prepareImage(ctx context.Context, req contract.StartRequest, dir string, logs *logBatcher) (string, func(), error) {
	noop := func() {}
	aggregator := newOutputAggregator(func(line string) {
		logs.Add("image", "stdout", line)
	})
	onOutput := func(line string) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			aggregator.Add(trimmed)
		}
	}
	if strings.TrimSpace(req.Dockerfile) == "" {
		image := strings.TrimSpace(req.Image)
		if image == "" {
			image = s.cfg.DefaultImage
		}
		err := s.docker.PullImage(ctx, image, onOutput)
		aggregator.Flush()
		if err != nil {
			return "", noop, &stageError{stage: "image pull", err: err}
		}
		return image, noop, nil
	}

	root, err := s.workspaces.CheckoutDir(dir, req.Checkouts[0].TargetDir)
	if err != nil {
		return "", noop, &stageError{stage: "image build", err: err}
	}
	buildDir, err := s.workspaces.CheckoutDir(root, req.DockerContext)
	if err != nil {
		return "", noop, &stageError{stage: "image build", err: err}
	}
	tag := fmt.Sprintf("%s:%s", imageTagPrefix, strings.ToLower(req.InstanceID))
	if err := s.docker.BuildImage(ctx, buildDir, req.Dockerfile, tag, onOutput); err != nil {
		aggregator.Flush()
		if tail := aggregator.Snapshot(failureTailLines); len(tail) > 0 {
			err = fmt.Errorf("%w (last output: %s)", err, strings.Join(tail, " | "))
		}
		return "", noop, &stageError{stage: "image build", err: err}
	}
	aggregator.Flush()
	cleanup := func() {
		if s.cfg.KeepImages {
			return
		}
		if err := s.docker.RemoveImage(context.Background(), tag); err != nil {
			s.logger.Warn("image cleanup failed", "image", tag, "error", err)
		}
	}
	return tag, cleanup, nil
}

func (s *Service) report(req contract.StartRequest, phase, outcome, msg string) {
	if s.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	err := s.reporter.ReportStatus(ctx, contract.StatusReport{
		InstanceID:  req.InstanceID,
		WorkspaceID: req.WorkspaceID,
		Phase:       phase,
		Outcome:     outcome,
		Error:       msg,
	})
	if err != nil {
		s.logger.Warn("status report failed", "instance_id", req.InstanceID, "phase", phase, "error", err)
	}
}

// prebuildScript chains the parts of a task that belong in a prebuild.
// command is reserved for interactive workspaces and never runs here.
func prebuildScript(task contract.Task) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{task.Before, task.Init, task.Prebuild} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, "{\n"+p+"\n}")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "set -e\n" + strings.Join(parts, " && ")
}

func taskName(task contract.Task, index int) string {
	if name := strings.TrimSpace(task.Name); name != "" {
		return name
	}
	return fmt.Sprintf("task-%d", index+1)
}

func containerName(instanceID string, index int) string {
	return fmt.Sprintf("prebuildd-%s-%d", instanceID, index+1)
}

func taskEnv(req contract.StartRequest) []string {
	env := make([]string, 0, len(req.Env)+3)
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	env = append(env,
		"PREBUILDD_WORKSPACE_ID="+req.WorkspaceID,
		"PREBUILDD_INSTANCE_ID="+req.InstanceID,
		"PREBUILDD_HEADLESS=true",
	)
	if len(req.ExcludeFeatureFlags) > 0 {
		env = append(env, "PREBUILDD_EXCLUDED_FEATURES="+strings.Join(req.ExcludeFeatureFlags, ","))
	}
	return env
}
