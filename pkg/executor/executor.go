package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
)

// InitArg is the sentinel first argument that routes the worker binary into
// InitMain instead of its normal CLI. It must be checked before any flag
// parsing.
const InitArg = "maelstrom-container-init"

// setupFailureExitCode is the distinguished code the init side exits with
// when container construction fails before exec. Chosen above the range
// shells use for their own launch failures (126, 127).
const setupFailureExitCode = 66

// setupSpec is handed from the supervisor to the init process over stdin.
// Paths are host paths; the init process runs inside the new mount
// namespace but still sees the host filesystem until pivot_root.
type setupSpec struct {
	RootDir          string        `json:"root_dir"`
	Layers           []string      `json:"layers"`
	UpperDir         string        `json:"upper_dir,omitempty"`
	WorkDir          string        `json:"work_dir,omitempty"`
	WritableRoot     bool          `json:"writable_root"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	Devices          []string      `json:"devices,omitempty"`
	Mounts           []specs.Mount `json:"mounts,omitempty"`
	EnableLoopback   bool          `json:"enable_loopback"`
	Program          string        `json:"program"`
	Arguments        []string      `json:"arguments"`
	Environment      []string      `json:"environment"`
}

// Executor builds containers and supervises job processes. It is safe for
// concurrent use; each Run occupies one goroutine (and one OS thread's
// worth of blocking work) for the job's duration.
type Executor struct {
	// InlineLimit bounds how many bytes of stdout and stderr are captured
	// inline; excess is counted but discarded.
	InlineLimit int64

	// BuildRoot is the directory job roots are assembled under.
	BuildRoot string

	// initPath overrides the binary re-executed for the init side. Empty
	// means /proc/self/exe.
	initPath string
}

// Run executes one job to a terminal outcome. Setup failures are reported
// as an execution-failed outcome, not an error; ctx cancellation (job
// cancellation from the broker) kills the job's process group and reports
// whatever was captured as a completed-by-signal outcome.
func (e *Executor) Run(ctx context.Context, spec *jobspec.JobSpec, layerPaths []string) jobspec.JobOutcome {
	timer := metrics.NewTimer()

	jobDir, err := os.MkdirTemp(e.BuildRoot, "job-")
	if err != nil {
		return jobspec.ExecutionFailed(fmt.Sprintf("creating job directory: %v", err))
	}
	defer os.RemoveAll(jobDir)

	setup, err := e.buildSetup(spec, layerPaths, jobDir)
	if err != nil {
		return jobspec.ExecutionFailed(err.Error())
	}
	setupBytes, err := json.Marshal(setup)
	if err != nil {
		return jobspec.ExecutionFailed(fmt.Sprintf("encoding setup: %v", err))
	}

	initPath := e.initPath
	if initPath == "" {
		initPath = "/proc/self/exe"
	}
	cmd := exec.Command(initPath, InitArg)
	cmd.Stdin = bytes.NewReader(setupBytes)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(unix.CLONE_NEWNS | unix.CLONE_NEWNET | unix.CLONE_NEWIPC | unix.CLONE_NEWCGROUP),
		Setsid:     true,
		Pdeathsig:  syscall.SIGKILL,
	}

	stdout := &outputCapture{limit: e.InlineLimit}
	stderr := &outputCapture{limit: e.InlineLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return jobspec.ExecutionFailed(fmt.Sprintf("starting container init: %v", err))
	}
	metrics.ContainerBuildDuration.Observe(timer.Duration().Seconds())

	timedOut := e.superviseUntilExit(ctx, cmd, spec)

	effects := jobspec.JobEffects{Stdout: stdout.Output(), Stderr: stderr.Output()}
	if timedOut {
		return jobspec.TimedOut(effects)
	}

	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return jobspec.ExecutionFailed("unexpected wait status type")
	}
	switch {
	case ws.Signaled():
		return jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusSignaled, Code: uint8(ws.Signal())}, effects)
	case ws.ExitStatus() == setupFailureExitCode:
		return jobspec.ExecutionFailed(strings.TrimSpace(string(stderr.Bytes())))
	default:
		return jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: uint8(ws.ExitStatus())}, effects)
	}
}

// superviseUntilExit waits for the child, killing its whole process group
// on timeout expiry or ctx cancellation. Returns whether the job timed out.
func (e *Executor) superviseUntilExit(ctx context.Context, cmd *exec.Cmd, spec *jobspec.JobSpec) bool {
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	var timeoutCh <-chan time.Time
	if spec.HasTimeout() {
		timer := time.NewTimer(time.Duration(spec.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	kill := func() {
		// Negative pid: the whole process group, since init did setsid.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			log.Logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("executor: killing job process group")
		}
		<-done
	}

	select {
	case <-done:
		return false
	case <-timeoutCh:
		kill()
		return true
	case <-ctx.Done():
		kill()
		return false
	}
}

// buildSetup translates a JobSpec plus resolved layer paths into the init
// process's instructions, creating the scratch directories the root
// assembly needs under jobDir.
func (e *Executor) buildSetup(spec *jobspec.JobSpec, layerPaths []string, jobDir string) (*setupSpec, error) {
	if spec.Program == "" {
		return nil, fmt.Errorf("job spec names no program")
	}
	if len(layerPaths) == 0 {
		return nil, fmt.Errorf("job spec names no layers")
	}

	rootDir := jobDir + "/root"
	if err := os.Mkdir(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating container root: %w", err)
	}

	setup := &setupSpec{
		RootDir:          rootDir,
		Layers:           layerPaths,
		WritableRoot:     spec.EnableWritableFileSystem,
		WorkingDirectory: spec.WorkingDirectory,
		EnableLoopback:   spec.EnableLoopback,
		Program:          spec.Program,
		Arguments:        spec.Arguments,
		Environment:      spec.Environment,
	}

	// A writable root needs overlay upper and work directories; read-only
	// roots, with any number of layers, need none.
	if spec.EnableWritableFileSystem {
		setup.UpperDir = jobDir + "/upper"
		setup.WorkDir = jobDir + "/work"
		for _, dir := range []string{setup.UpperDir, setup.WorkDir} {
			if err := os.Mkdir(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating overlay scratch: %w", err)
			}
		}
	}

	for _, dev := range spec.Devices {
		setup.Devices = append(setup.Devices, string(dev.Type))
	}
	for _, m := range spec.Mounts {
		mount, err := translateMount(m)
		if err != nil {
			return nil, err
		}
		setup.Mounts = append(setup.Mounts, mount)
	}
	return setup, nil
}

// translateMount maps one MountRequest onto the OCI runtime-spec mount
// shape the init side applies.
func translateMount(m jobspec.MountRequest) (specs.Mount, error) {
	switch m.Type {
	case jobspec.MountTmpfs:
		return specs.Mount{Destination: m.MountPoint, Type: "tmpfs", Source: "tmpfs"}, nil
	case jobspec.MountProc:
		return specs.Mount{Destination: m.MountPoint, Type: "proc", Source: "proc"}, nil
	case jobspec.MountSys:
		return specs.Mount{Destination: m.MountPoint, Type: "sysfs", Source: "sysfs"}, nil
	case jobspec.MountBind:
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		return specs.Mount{Destination: m.MountPoint, Type: "bind", Source: m.HostPath, Options: opts}, nil
	default:
		return specs.Mount{}, fmt.Errorf("unknown mount type %q", m.Type)
	}
}
