//go:build !linux

package launcher

import "os/exec"

// setProcessGroup is a no-op outside Linux; the teacher repo itself only
// special-cases process-death propagation on Linux.
func setProcessGroup(cmd *exec.Cmd) {}
