//go:build windows

package handlers

import "os/exec"

// setProcessGroup is a no-op on Windows; cancellation kills the shell only.
func setProcessGroup(cmd *exec.Cmd) {}
