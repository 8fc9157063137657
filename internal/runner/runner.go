// Package runner abstracts external tool invocation behind a small typed
// interface so the clone engine never depends on a specific tool's argument
// syntax and can be unit-tested with fake implementations.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Commander executes external commands. All engine components talk to the
// system tools (lsblk, sfdisk, parted, e2fsprogs, ...) through this interface.
type Commander interface {
	// Run executes a command and waits for it, discarding stdout.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its trimmed stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// RunInput executes a command feeding stdin, discarding stdout.
	RunInput(ctx context.Context, stdin string, name string, args ...string) error
	// Pipe executes two commands with the first's stdout connected to the
	// second's stdin, waiting for both.
	Pipe(ctx context.Context, first Cmd, second Cmd) error
}

// Cmd is a declarative command line for Pipe.
type Cmd struct {
	Name string
	Args []string
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Exec is the real Commander backed by os/exec.
type Exec struct {
	// Logf, when set, receives one line per invocation.
	Logf func(format string, args ...any)
}

func (e *Exec) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) error {
	e.logf("exec: %s", Cmd{Name: name, Args: args})
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, args, stderr.String(), err)
	}
	return nil
}

func (e *Exec) Output(ctx context.Context, name string, args ...string) (string, error) {
	e.logf("exec: %s", Cmd{Name: name, Args: args})
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", commandError(name, args, stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *Exec) RunInput(ctx context.Context, stdin string, name string, args ...string) error {
	e.logf("exec (stdin %d bytes): %s", len(stdin), Cmd{Name: name, Args: args})
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, args, stderr.String(), err)
	}
	return nil
}

func (e *Exec) Pipe(ctx context.Context, first Cmd, second Cmd) error {
	e.logf("exec: %s | %s", first, second)
	src := exec.CommandContext(ctx, first.Name, first.Args...)
	dst := exec.CommandContext(ctx, second.Name, second.Args...)

	pipe, err := src.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe setup for %s: %w", first.Name, err)
	}
	dst.Stdin = pipe

	var srcErr, dstErr bytes.Buffer
	src.Stderr = &srcErr
	dst.Stderr = &dstErr

	if err := dst.Start(); err != nil {
		return commandError(second.Name, second.Args, dstErr.String(), err)
	}
	if err := src.Start(); err != nil {
		dst.Process.Kill()
		dst.Wait()
		return commandError(first.Name, first.Args, srcErr.String(), err)
	}

	srcWait := src.Wait()
	dstWait := dst.Wait()
	if srcWait != nil {
		return commandError(first.Name, first.Args, srcErr.String(), srcWait)
	}
	if dstWait != nil {
		return commandError(second.Name, second.Args, dstErr.String(), dstWait)
	}
	return nil
}

func commandError(name string, args []string, stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg != "" {
		return fmt.Errorf("%s failed: %w: %s", Cmd{Name: name, Args: args}, err, msg)
	}
	return fmt.Errorf("%s failed: %w", Cmd{Name: name, Args: args}, err)
}

// LookPath reports whether a program is available, mirroring exec.LookPath.
// Kept here so callers checking prerequisites share one definition.
func LookPath(program string) bool {
	_, err := exec.LookPath(program)
	return err == nil
}
