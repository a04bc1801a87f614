//go:build unix

package scheduler

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the process group led by pid and to every
// descendant found before the group went away.
func killTree(pid int) error {
	procs := descendants(pid)

	var errs []error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("killing process group %d: %w", pid, err))
	}
	for _, p := range procs {
		err := unix.Kill(int(p.Pid), unix.SIGKILL)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("killing descendant %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

// sweepGroup kills what is left in the process group of an exited worker.
func sweepGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
