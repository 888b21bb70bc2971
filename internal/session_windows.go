//go:build windows

package internal

import (
	"fmt"
	"io"
	"os/exec"
)

// defaultShell uses PowerShell, which every supported Windows build ships.
func defaultShell() (string, []string) {
	return "powershell.exe", []string{"-NoLogo", "-NoProfile"}
}

// pipeTransport adapts a pipe-connected shell to the ReadWriteCloser
// the session expects. ConPTY is not wired up here; PowerShell behaves
// acceptably over plain pipes for package-manager work.
type pipeTransport struct {
	in  io.WriteCloser
	out io.ReadCloser
}

func (t *pipeTransport) Read(p []byte) (int, error)  { return t.out.Read(p) }
func (t *pipeTransport) Write(p []byte) (int, error) { return t.in.Write(p) }
func (t *pipeTransport) Close() error {
	_ = t.in.Close()
	return t.out.Close()
}

// startShellTransport connects the shell via pipes, with stderr merged
// into stdout so the sentinel scan sees a single stream.
func startShellTransport(cmd *exec.Cmd) (io.ReadWriteCloser, error) {
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &pipeTransport{in: in, out: out}, nil
}

// exitEcho appends the sentinel echo to a command line. PowerShell's $?
// is a boolean, rendered as True/False; the session's token parser
// accepts both encodings. The marker is assembled by string
// concatenation so the echoed input never contains it whole.
func exitEcho(markerHead, markerTail string) string {
	return fmt.Sprintf(" ; echo (\"%s\" + \"%s\" + \" \" + $?)\r\n", markerHead, markerTail)
}
