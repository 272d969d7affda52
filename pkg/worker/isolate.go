package worker

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolatedEnv marks a process already re-executed into its namespaces, so
// EnsureIsolated is idempotent across the re-exec.
const isolatedEnv = "MAELSTROM_WORKER_ISOLATED"

// EnsureIsolated re-executes the current process inside a new user and PID
// namespace so every descendant process terminates with the worker. The
// first return value reports whether this process was the parent that
// spawned the isolated child: the caller must then exit with the returned
// code instead of continuing. Inside the child (or when isolation was
// already entered) it returns (false, 0, nil) and the caller proceeds.
func EnsureIsolated() (reexeced bool, exitCode int, err error) {
	if os.Getenv(isolatedEnv) == "1" {
		return false, 0, nil
	}

	cmd := exec.Command("/proc/self/exe", os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), isolatedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWPID),
		Pdeathsig:  syscall.SIGKILL,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return true, exitErr.ExitCode(), nil
		}
		return true, 1, fmt.Errorf("worker: re-executing into namespaces: %w", err)
	}
	return true, 0, nil
}
