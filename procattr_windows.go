//go:build windows

package main

import (
	"os/exec"
)

// configureCmdSysProcAttr is a no-op on Windows: there is no Setsid,
// and the server runs fine in the console's process group.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
}
