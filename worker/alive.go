package worker

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid names a running process. Zombies count as dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// osDescendants lists the OS-level descendants of pid. It is best effort: descendants that
// were never reported through the registry (a body that ran exec.Command, say) still get
// signalled, but errors reading the process table are ignored.
func osDescendants(pid int) []int {
	var out []int
	seen := map[int32]bool{}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		p, err := process.NewProcess(cur)
		if err != nil {
			continue
		}
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c.Pid)
		}
	}
	return out
}
