package launcher

import (
	"os/exec"
	"syscall"
)

// setProcessGroup arranges for Chrome to die with the auditor process
// instead of being orphaned if the auditor crashes or is killed -9.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = new(syscall.SysProcAttr)
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
