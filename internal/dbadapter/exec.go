package dbadapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

const (
	// stderrTailSize bounds the stderr excerpt carried in subprocess errors.
	stderrTailSize = 4 << 10

	// killGrace is how long a cancelled tool gets to exit after SIGTERM
	// before it is killed.
	killGrace = 10 * time.Second
)

// toolCmd describes one external tool invocation. Args is a literal argv;
// nothing is ever passed through a shell. Env entries are overlaid on a
// minimal base environment.
type toolCmd struct {
	Tool   string
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

// sanitizedEnv builds the environment for dump/restore tools: just enough
// for binary resolution and locale-stable output, plus the adapter's own
// variables. The orchestrator's full environment is never inherited, so a
// stray PGPASSWORD or similar cannot leak into a run.
func sanitizedEnv(extra []string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=C.UTF-8",
	}
	return append(env, extra...)
}

// tailBuffer keeps the last cap bytes written to it.
type tailBuffer struct {
	cap  int
	data []byte
}

func (b *tailBuffer) WriteLine(line string) {
	b.data = append(b.data, line...)
	b.data = append(b.data, '\n')
	if len(b.data) > b.cap {
		b.data = b.data[len(b.data)-b.cap:]
	}
}

func (b *tailBuffer) String() string {
	return string(b.data)
}

// runTool starts the tool and waits for it. Stderr is drained continuously:
// each line goes to log and into a bounded tail that is attached to the
// error on failure, so a stalled stderr pipe can never block the tool.
//
// On ctx cancellation the tool receives SIGTERM, then SIGKILL after
// killGrace. The returned error is KindCancelled in that case.
func runTool(ctx context.Context, spec toolCmd, log LogFunc) error {
	cmd := exec.Command(spec.Tool, spec.Args...)
	cmd.Env = sanitizedEnv(spec.Env)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("dbadapter: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return dkerr.Wrap(dkerr.KindConfigInvalid, err, "%s is not installed", spec.Tool)
		}
		return fmt.Errorf("dbadapter: start %s: %w", spec.Tool, err)
	}

	tail := &tailBuffer{cap: stderrTailSize}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64<<10), 64<<10)
		for scanner.Scan() {
			line := scanner.Text()
			tail.WriteLine(line)
			if log != nil && line != "" {
				log("debug", spec.Tool+": "+line)
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() {
		<-drained
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
			<-waitCh
		}
		return dkerr.Wrap(dkerr.KindCancelled, ctx.Err(), "%s cancelled", spec.Tool)
	case err = <-waitCh:
	}

	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		spErr := &dkerr.SubprocessError{
			Tool:       spec.Tool,
			ExitCode:   exitErr.ExitCode(),
			TailStderr: tail.String(),
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			spErr.Signal = status.Signal().String()
		}
		return dkerr.WrapSubprocess(spErr)
	}
	return fmt.Errorf("dbadapter: wait %s: %w", spec.Tool, err)
}

// runToolOutput runs the tool and returns its stdout, for short metadata
// queries like version detection and database listings.
func runToolOutput(ctx context.Context, spec toolCmd, log LogFunc) (string, error) {
	var out bytes.Buffer
	spec.Stdout = &out
	if err := runTool(ctx, spec, log); err != nil {
		return "", err
	}
	return out.String(), nil
}

// copyToFile streams r into a new file at dst.
func copyToFile(r io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create local file")
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "copy backup")
	}
	return out.Close()
}

// copyFromFile streams the file at src into w.
func copyFromFile(src string, w io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open local file")
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "copy backup")
	}
	return nil
}

// accessMarkers are stderr fragments the vendor tools emit on credential or
// privilege problems, lowercased for matching.
var accessMarkers = []string{
	"permission denied",
	"access denied",
	"authentication failed",
	"password authentication failed",
	"not authorized",
	"insufficient privilege",
}

// classifyAccess upgrades a subprocess failure to AuthDenied when its stderr
// indicates a permission or authentication problem. Other errors pass
// through unchanged.
func classifyAccess(err error) error {
	var spErr *dkerr.SubprocessError
	if !errors.As(err, &spErr) {
		return err
	}
	tail := strings.ToLower(spErr.TailStderr)
	for _, marker := range accessMarkers {
		if strings.Contains(tail, marker) {
			return dkerr.Wrap(dkerr.KindAuthDenied, err, "%s denied access", spErr.Tool)
		}
	}
	return err
}

// findBinary returns the first candidate resolvable on PATH.
func findBinary(candidates ...string) (string, error) {
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", dkerr.New(dkerr.KindConfigInvalid, "none of %v found on PATH", candidates)
}
