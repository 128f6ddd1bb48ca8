//go:build unix

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcAttr puts the plugin in its own process group so terminal
// signals aimed at the host do not reach it directly.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
