//go:build windows

package process

import (
	"fmt"
	"os/exec"
)

func (p *Process) setupProcessGroup() {}

func (p *Process) terminateProcessGroup() error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprint(p.pid)).Run()
}

func (p *Process) interruptProcessGroup() error {
	return p.terminateProcessGroup()
}

func readRSSBytes(pid int) (int64, bool) {
	return 0, false
}
