//go:build !windows

package internal

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// defaultShell picks the user's shell, falling back to bash.
func defaultShell() (string, []string) {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, nil
	}
	return "/bin/bash", nil
}

// startShellTransport attaches the shell to a pseudo-terminal so tools
// that switch behavior on isatty (progress bars, prompts) act as they
// would in a real terminal.
func startShellTransport(cmd *exec.Cmd) (io.ReadWriteCloser, error) {
	return pty.Start(cmd)
}

// exitEcho appends the sentinel echo to a command line. The marker is
// passed in two parts and concatenated by the shell, so the echoed
// input line never contains the assembled marker.
func exitEcho(markerHead, markerTail string) string {
	return fmt.Sprintf(" ; echo \"%s\"\"%s $?\"\n", markerHead, markerTail)
}
