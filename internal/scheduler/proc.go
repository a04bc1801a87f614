package scheduler

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const descendantsTimeout = 2 * time.Second

// descendants walks the process table below pid. Workers may start helpers in
// a new session, those are not reachable through the process group.
func descendants(pid int) []*process.Process {
	ctx, cancel := context.WithTimeout(context.Background(), descendantsTimeout)
	defer cancel()

	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	var ret []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		ret = append(ret, children...)
		queue = append(queue, children...)
	}
	return ret
}
