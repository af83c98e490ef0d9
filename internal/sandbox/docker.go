// Package sandbox runs allowlisted commands in fresh, single-use containers.
//
// Isolation profile for every run: no network, read-only root filesystem,
// dropped capabilities, non-root uid, tmpfs workspace, pid limit, no host
// mounts. The request payload travels exclusively over the child's stdin —
// caller content never appears in argv or the environment.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultPidsLimit   = 100
	sandboxUID         = "65534:65534" // nobody
	containerPrefix    = "relaymux-"
)

// Allowlist holds the operator-maintained set of permitted commands and
// images. Empty lists deny everything.
type Allowlist struct {
	commands map[string]struct{}
	images   map[string]struct{}
}

// NewAllowlist builds an Allowlist from command and image names.
func NewAllowlist(commands, images []string) *Allowlist {
	al := &Allowlist{
		commands: make(map[string]struct{}, len(commands)),
		images:   make(map[string]struct{}, len(images)),
	}
	for _, c := range commands {
		al.commands[c] = struct{}{}
	}
	for _, i := range images {
		al.images[i] = struct{}{}
	}
	return al
}

// Permits reports whether the command/image pair may run.
func (al *Allowlist) Permits(command, image string) bool {
	if al == nil {
		return false
	}
	_, okc := al.commands[command]
	_, oki := al.images[image]
	return okc && oki
}

type (
	// Limits caps container resources. Zero values leave the runtime default.
	Limits struct {
		MemoryMB int
		CPUs     float64
	}

	// RunSpec describes one container invocation. Command and Args come from
	// the provider config, never from the caller.
	RunSpec struct {
		Image   string
		Command string
		Args    []string
		Stdin   io.Reader
		Limits  Limits
		Timeout time.Duration
	}

	// RunResult is the buffered outcome of a non-streaming run.
	RunResult struct {
		Stdout   []byte
		Stderr   []byte
		ExitCode int
	}
)

// Executor launches sandboxed containers through the docker CLI.
type Executor struct {
	log    *slog.Logger
	allow  *Allowlist
	binary string // "docker" unless overridden in tests
	grace  time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

// NewExecutor creates an Executor with the given allowlist.
func NewExecutor(log *slog.Logger, allow *Allowlist) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		log:    log,
		allow:  allow,
		binary: "docker",
		grace:  defaultGracePeriod,
		active: make(map[string]struct{}),
	}
}

// ActiveContainers returns the number of containers currently tracked.
// A non-zero value long after requests drain is an alarm condition.
func (e *Executor) ActiveContainers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Run executes spec and buffers stdout/stderr. The child receives SIGTERM at
// the deadline and SIGKILL after the grace period; the container is force
// removed on the way out regardless of outcome.
func (e *Executor) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if !e.allow.Permits(spec.Command, spec.Image) {
		return nil, fmt.Errorf("sandbox: command %q with image %q is not allowlisted", spec.Command, spec.Image)
	}

	name := containerPrefix + uuid.New().String()
	args := e.buildArgs(name, spec)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.WaitDelay = e.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = spec.Stdin

	e.track(name)
	defer e.reap(name)

	err := cmd.Run()

	res := &RunResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if runCtx.Err() != nil {
			e.kill(name)
			return res, runCtx.Err()
		}
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit; partial stdout may still be parsable.
			return res, nil
		}
		return res, fmt.Errorf("sandbox: run: %w", err)
	}
	return res, nil
}

// StartStream launches spec and returns the child's stdout for incremental
// consumption plus a wait func that must be called exactly once to reap the
// container. Cancelling ctx kills the container.
func (e *Executor) StartStream(ctx context.Context, spec RunSpec) (io.ReadCloser, func() error, error) {
	if !e.allow.Permits(spec.Command, spec.Image) {
		return nil, nil, fmt.Errorf("sandbox: command %q with image %q is not allowlisted", spec.Command, spec.Image)
	}

	name := containerPrefix + uuid.New().String()
	args := e.buildArgs(name, spec)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.WaitDelay = e.grace
	cmd.Stdin = spec.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, nil, fmt.Errorf("sandbox: start: %w", err)
	}

	e.track(name)

	wait := func() error {
		defer e.reap(name)
		if cancel != nil {
			defer cancel()
		}
		err := cmd.Wait()
		if runCtx.Err() != nil {
			e.kill(name)
			return runCtx.Err()
		}
		return err
	}

	return stdout, wait, nil
}

// buildArgs assembles the docker run argv. Only the pre-vetted command and
// static args appear here; dynamic content stays on stdin.
func (e *Executor) buildArgs(name string, spec RunSpec) []string {
	args := []string{
		"run", "-i", "--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", sandboxUID,
		"--pids-limit", fmt.Sprintf("%d", defaultPidsLimit),
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
	}
	if spec.Limits.MemoryMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", spec.Limits.MemoryMB),
		)
	}
	if spec.Limits.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", spec.Limits.CPUs))
	}
	args = append(args, spec.Image, spec.Command)
	args = append(args, spec.Args...)
	return args
}

func (e *Executor) track(name string) {
	e.mu.Lock()
	e.active[name] = struct{}{}
	e.mu.Unlock()
}

// reap force-removes the container and stops tracking it.
func (e *Executor) reap(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, e.binary, "rm", "-f", name).Run()

	e.mu.Lock()
	delete(e.active, name)
	e.mu.Unlock()
}

func (e *Executor) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, e.binary, "kill", name).Run()
	e.log.Debug("killed container", slog.String("name", name))
}

// Sweep force-removes any leftover relaymux containers. Run as a periodic
// background service; anything it finds indicates a reap failure.
func (e *Executor) Sweep(ctx context.Context) int {
	out, err := exec.CommandContext(ctx, e.binary,
		"ps", "-a", "--filter", "name="+containerPrefix, "--format", "{{.Names}}").Output()
	if err != nil {
		return 0
	}
	names := strings.Fields(string(out))
	for _, n := range names {
		e.mu.Lock()
		_, tracked := e.active[n]
		e.mu.Unlock()
		if tracked {
			continue
		}
		e.log.Warn("reaping leaked container", slog.String("name", n))
		e.reap(n)
	}
	return len(names)
}
