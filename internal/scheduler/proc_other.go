//go:build !unix

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/shirou/gopsutil/v4/process"
)

func setProcessGroup(_ *exec.Cmd) {}

// killTree kills pid and every descendant, children first.
func killTree(pid int) error {
	procs := descendants(pid)

	var errs []error
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].KillWithContext(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("killing descendant %d: %w", procs[i].Pid, err))
		}
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return errors.Join(errs...)
	}
	if err := p.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("killing process %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

func sweepGroup(_ int) {}
