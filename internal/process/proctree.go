package process

import (
	"github.com/shirou/gopsutil/v4/process"
)

// HasDescendants reports whether the process with the given pid has at least
// one living child, grandchild, etc. It is used to tell a hung process apart
// from one legitimately running a long tool invocation: if a shell or tool
// subprocess is still alive under the assistant, the assistant itself is
// presumably waiting on it rather than stuck.
func HasDescendants(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	children, err := proc.Children()
	if err != nil || len(children) == 0 {
		return false
	}
	return true
}
