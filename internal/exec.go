package internal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// OutputSink consumes one line of process output at a time.
type OutputSink func(line string)

// ExitStatus describes how a child process finished.
type ExitStatus struct {
	Code   int
	Signal string
}

// CommandOptions configures a one-shot command run.
type CommandOptions struct {
	Cwd      string
	Env      []string // appended to the inherited environment
	OnStdout OutputSink
	OnStderr OutputSink
}

// RunCommandAsync spawns a child process, streams its output line by
// line to the configured sinks, and blocks until exit. The returned
// error covers spawn failures only; a nonzero exit is reported through
// ExitStatus so callers decide whether it is fatal.
func RunCommandAsync(ctx context.Context, name string, args []string, opts CommandOptions) (ExitStatus, error) {
	if name == "" {
		return ExitStatus{Code: -1}, errors.New("command name cannot be empty")
	}
	if err := validateCommand(name); err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("invalid command: %w", err)
	}
	for i, arg := range args {
		if err := validateArgument(arg); err != nil {
			return ExitStatus{Code: -1}, fmt.Errorf("invalid argument at position %d: %w", i, err)
		}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Cwd != "" {
		cmd.Dir = filepath.Clean(opts.Cwd)
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExitStatus{Code: -1}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExitStatus{Code: -1}, err
	}
	if err := cmd.Start(); err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("command '%s %s' failed to start: %w", name, strings.Join(args, " "), err)
	}

	var wg sync.WaitGroup
	stream := func(r *bufio.Scanner, sink OutputSink) {
		defer wg.Done()
		for r.Scan() {
			if sink != nil {
				sink(r.Text())
			}
		}
	}
	wg.Add(2)
	go stream(bufio.NewScanner(stdout), opts.OnStdout)
	go stream(bufio.NewScanner(stderr), opts.OnStderr)
	wg.Wait()

	waitErr := cmd.Wait()
	status := ExitStatus{Code: 0}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			status.Code = exitErr.ExitCode()
			// ExitCode is -1 when the process died to a signal.
			if status.Code == -1 && exitErr.ProcessState != nil {
				status.Signal = exitErr.ProcessState.String()
			}
		} else {
			return ExitStatus{Code: -1}, waitErr
		}
	}
	return status, nil
}

// validateCommand rejects command names that could smuggle shell syntax
// past the argv boundary.
func validateCommand(cmd string) error {
	if filepath.IsAbs(cmd) {
		info, err := os.Stat(cmd)
		if err != nil {
			return fmt.Errorf("command not found: %s", cmd)
		}
		if info.IsDir() {
			return fmt.Errorf("command path is a directory: %s", cmd)
		}
		if runtime.GOOS != "windows" && info.Mode().Perm()&0111 == 0 {
			return fmt.Errorf("file is not executable: %s", cmd)
		}
		return nil
	}
	dangerous := []string{";", "&", "|", "`", "$", "(", ")", "{", "}", "<", ">", "\n", "\r"}
	for _, ch := range dangerous {
		if strings.Contains(cmd, ch) {
			return fmt.Errorf("command contains dangerous character: %s", ch)
		}
	}
	if strings.Contains(cmd, "..") {
		return fmt.Errorf("command contains path traversal sequence")
	}
	return nil
}

// validateArgument rejects arguments that would break argv parsing.
func validateArgument(arg string) error {
	if strings.Contains(arg, "\x00") {
		return fmt.Errorf("argument contains null byte")
	}
	if len(arg) > 8192 {
		return fmt.Errorf("argument too long (max 8192 characters)")
	}
	return nil
}
