package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TerminalSession is a persistent interactive shell. Package-manager
// commands run inside it so activation state and environment variables
// survive across related commands without re-spawning a process per
// call. Completion of each command is detected with a sentinel marker
// echoed after it, since the shell itself never exits between commands.
//
// The session is an exclusively owned resource: one logical command at
// a time, interleaved submissions would corrupt marker detection.
type TerminalSession struct {
	logger *zap.Logger
	cwd    string
	env    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	tty     io.ReadWriteCloser
	chunks  chan []byte
	started bool
	closed  bool
}

// NewTerminalSession prepares a session rooted at cwd. The shell is not
// spawned until the first command runs.
func NewTerminalSession(logger *zap.Logger, cwd string, env []string) *TerminalSession {
	return &TerminalSession{logger: logger, cwd: cwd, env: env}
}

// WithSession runs fn against the session and tears the shell down on
// every exit path, including panics. Leaked shell processes are the
// failure mode this guards against.
func WithSession(s *TerminalSession, fn func(*TerminalSession) error) (err error) {
	defer func() {
		cerr := s.Close()
		if err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

func (s *TerminalSession) start() error {
	shell, args := defaultShell()
	cmd := exec.Command(shell, args...)
	if s.cwd != "" {
		cmd.Dir = s.cwd
	}
	if len(s.env) > 0 {
		cmd.Env = s.env
	}
	tty, err := startShellTransport(cmd)
	if err != nil {
		return fmt.Errorf("spawn shell %s: %w", shell, err)
	}
	s.cmd = cmd
	s.tty = tty
	s.chunks = make(chan []byte, 64)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				c := make([]byte, n)
				copy(c, buf[:n])
				s.chunks <- c
			}
			if err != nil {
				close(s.chunks)
				return
			}
		}
	}()
	s.started = true
	if s.logger != nil {
		s.logger.Debug("terminal session started", zap.String("shell", shell))
	}
	return nil
}

// Run submits command to the shell and blocks until its sentinel marker
// appears in the output stream, returning the command's exit code.
// Output lines (escape sequences stripped) are forwarded to onData as
// they arrive.
func (s *TerminalSession) Run(ctx context.Context, command string, onData OutputSink) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, errors.New("terminal session is closed")
	}
	if !s.started {
		if err := s.start(); err != nil {
			return -1, err
		}
	}

	// The marker is split in two in the submitted text so the shell's
	// echo of our own input can never match it.
	head := "COMFY-DONE-"
	tail := uuid.NewString()
	marker := head + tail

	parser := newSentinelParser(marker, ansi.Strip, onData)
	if _, err := io.WriteString(s.tty, command+exitEcho(head, tail)); err != nil {
		return -1, fmt.Errorf("write to shell: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case chunk, ok := <-s.chunks:
			if !ok {
				return -1, errors.New("shell exited before command completed")
			}
			parser.Feed(string(chunk))
			if token, done := parser.Result(); done {
				return parseExitToken(token)
			}
		}
	}
}

// Close terminates the shell process. Safe to call repeatedly and on a
// session that never started.
func (s *TerminalSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		s.closed = true
		return nil
	}
	s.closed = true
	var err error
	if s.cmd != nil && s.cmd.Process != nil {
		err = s.cmd.Process.Kill()
	}
	if s.tty != nil {
		_ = s.tty.Close()
	}
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	if s.logger != nil {
		s.logger.Debug("terminal session closed")
	}
	return err
}

// parseExitToken decodes the status token echoed after the marker.
// POSIX shells report a numeric $?; PowerShell reports True/False.
func parseExitToken(token string) (int, error) {
	t := strings.TrimSpace(token)
	switch strings.ToLower(t) {
	case "true":
		return 0, nil
	case "false":
		return 1, nil
	}
	code, err := strconv.Atoi(t)
	if err != nil {
		return -1, fmt.Errorf("unparseable exit token %q", token)
	}
	return code, nil
}

// sentinelParser scans a raw shell output stream for the completion
// marker. It buffers partial lines so a marker split across read
// chunks is still found, and strips terminal escape sequences before
// matching so control codes embedded by the shell cannot hide it.
type sentinelParser struct {
	marker  string
	strip   func(string) string
	onLine  OutputSink
	pending string
	token   string
	done    bool
}

func newSentinelParser(marker string, strip func(string) string, onLine OutputSink) *sentinelParser {
	return &sentinelParser{marker: marker, strip: strip, onLine: onLine}
}

// Feed consumes one chunk of raw output.
func (p *sentinelParser) Feed(chunk string) {
	if p.done {
		return
	}
	p.pending += chunk
	for {
		idx := strings.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(p.pending[:idx], "\r")
		p.pending = p.pending[idx+1:]
		p.consumeLine(line)
		if p.done {
			return
		}
	}
}

// Result reports the exit token once the marker has been seen.
func (p *sentinelParser) Result() (string, bool) {
	return p.token, p.done
}

func (p *sentinelParser) consumeLine(raw string) {
	line := raw
	if p.strip != nil {
		line = p.strip(line)
	}
	if i := strings.Index(line, p.marker); i >= 0 {
		rest := strings.TrimSpace(line[i+len(p.marker):])
		if fields := strings.Fields(rest); len(fields) > 0 {
			p.token = fields[0]
		}
		if lead := strings.TrimSpace(line[:i]); lead != "" && p.onLine != nil {
			p.onLine(lead)
		}
		p.done = true
		return
	}
	if p.onLine != nil {
		p.onLine(line)
	}
}
