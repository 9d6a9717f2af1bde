// Package procgroup makes a command's whole descendant tree killable as a
// unit. A harness or ad-hoc command may itself spawn subprocesses (git,
// build tools, the harness's own worker pool); sending Kill to the direct
// child only reaps that one process and leaves its descendants running
// past a timeout or cancellation (spec §4.6/§5: "force-killed including
// descendants").
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set puts cmd in its own process group so its whole descendant tree can
// be killed together. Call before cmd.Start.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends SIGKILL to cmd's entire process group. Safe to call on a
// command that never started or already exited. Falls back to killing just
// the direct process if the process group is gone or was never Set.
func Kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}
