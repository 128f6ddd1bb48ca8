//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd) {}

func signalTerminate(p *os.Process) error {
	return p.Kill()
}
