package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// InitMain is the container-init entry point. It runs inside the new mount,
// net, IPC, and cgroup namespaces the supervisor cloned it into, reads its
// setupSpec from stdin, constructs the container, and execs the job's
// program. On success it never returns. Any failure prints the failing
// stage to stderr and exits with the distinguished setup-failure code.
func InitMain() {
	var setup setupSpec
	if err := json.NewDecoder(os.Stdin).Decode(&setup); err != nil {
		initFail("reading setup spec", err)
	}

	// Stdin carried the setup spec; the job itself gets /dev/null.
	if devNull, err := os.Open(os.DevNull); err == nil {
		unix.Dup3(int(devNull.Fd()), 0, 0)
		devNull.Close()
	}

	if err := buildRoot(&setup); err != nil {
		initFail("assembling root", err)
	}
	if err := mountDevices(&setup); err != nil {
		initFail("mounting devices", err)
	}
	if err := applyMounts(&setup); err != nil {
		initFail("applying mounts", err)
	}
	if setup.EnableLoopback {
		if err := loopbackUp(); err != nil {
			initFail("bringing loopback up", err)
		}
	}
	if err := enterRoot(&setup); err != nil {
		initFail("entering root", err)
	}

	// Shed every descriptor the worker handed down except the job's stdio.
	if err := unix.CloseRange(3, math.MaxUint32, 0); err != nil {
		initFail("closing inherited descriptors", err)
	}

	if err := unix.Exec(setup.Program, append([]string{setup.Program}, setup.Arguments...), setup.Environment); err != nil {
		initFail(fmt.Sprintf("exec %s", setup.Program), err)
	}
}

func initFail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v", stage, err)
	os.Exit(setupFailureExitCode)
}

// buildRoot stacks the job's layers at setup.RootDir. A single read-only
// layer is bind-mounted directly; everything else goes through overlayfs,
// with upper and work directories when the root is writable.
func buildRoot(setup *setupSpec) error {
	// Mount propagation in this namespace must not leak back to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}

	if len(setup.Layers) == 1 && !setup.WritableRoot {
		if err := unix.Mount(setup.Layers[0], setup.RootDir, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("binding layer: %w", err)
		}
		if err := unix.Mount("", setup.RootDir, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remounting layer read-only: %w", err)
		}
		return nil
	}

	// Overlay lowerdir lists top layer first.
	lower := ""
	for i := len(setup.Layers) - 1; i >= 0; i-- {
		if lower != "" {
			lower += ":"
		}
		lower += setup.Layers[i]
	}
	opts := "lowerdir=" + lower
	if setup.WritableRoot {
		opts += ",upperdir=" + setup.UpperDir + ",workdir=" + setup.WorkDir
	}
	if err := unix.Mount("overlay", setup.RootDir, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mounting overlay: %w", err)
	}
	return nil
}

var deviceNodes = map[string]string{
	"null":   "/dev/null",
	"zero":   "/dev/zero",
	"random": "/dev/random",
	"full":   "/dev/full",
	"tty":    "/dev/tty",
}

// mountDevices binds each requested host device node into the new root.
func mountDevices(setup *setupSpec) error {
	if len(setup.Devices) == 0 {
		return nil
	}
	devDir := filepath.Join(setup.RootDir, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating /dev: %w", err)
	}
	for _, name := range setup.Devices {
		hostPath, ok := deviceNodes[name]
		if !ok {
			return fmt.Errorf("unknown device %q", name)
		}
		target := filepath.Join(devDir, name)
		if err := touch(target); err != nil {
			return fmt.Errorf("creating %s mount point: %w", name, err)
		}
		if err := unix.Mount(hostPath, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("binding %s: %w", hostPath, err)
		}
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// applyMounts performs the job's tmpfs, proc, sys, and bind mounts inside
// the new root, in request order.
func applyMounts(setup *setupSpec) error {
	for _, m := range setup.Mounts {
		target := filepath.Join(setup.RootDir, m.Destination)
		if err := os.MkdirAll(target, 0o755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("creating mount point %s: %w", m.Destination, err)
		}
		if err := mountOne(m, target); err != nil {
			return fmt.Errorf("mounting %s at %s: %w", m.Type, m.Destination, err)
		}
	}
	return nil
}

func mountOne(m specs.Mount, target string) error {
	switch m.Type {
	case "tmpfs", "proc", "sysfs":
		return unix.Mount(m.Source, target, m.Type, 0, "")
	case "bind":
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND, ""); err != nil {
			return err
		}
		for _, opt := range m.Options {
			if opt == "ro" {
				return unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, "")
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown mount type %q", m.Type)
	}
}

// loopbackUp brings the lo interface up in the job's private net namespace
// over a raw netlink socket.
func loopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("finding lo: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("setting lo up: %w", err)
	}
	return nil
}

// enterRoot pivots into the assembled root, detaches the old root, and
// moves to the job's working directory.
func enterRoot(setup *setupSpec) error {
	oldRoot := filepath.Join(setup.RootDir, ".old_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating old-root staging dir: %w", err)
	}
	if err := unix.PivotRoot(setup.RootDir, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}
	os.Remove("/.old_root")

	workdir := setup.WorkingDirectory
	if workdir == "" {
		workdir = "/"
	}
	if err := unix.Chdir(workdir); err != nil {
		return fmt.Errorf("chdir to %s: %w", workdir, err)
	}
	return nil
}
