// Package logsource implements the console's LogSource collaborators: an
// exec-based source that follows a container runtime's log command, and an
// fsnotify-based source that tails a log file on disk.
package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mcpfleet/mcpfleet/internal/console"
)

// Longest log line we will pass through without splitting.
const maxLineBytes = 256 * 1024

// ExecSource streams workload logs by running a command template such as
// "docker logs --tail {lines} --follow {container}". The same rendered
// command doubles as the display command shown to clients.
type ExecSource struct {
	log      zerolog.Logger
	template string
}

// NewExecSource creates an exec source from a command template with
// {container} and {lines} placeholders.
func NewExecSource(log zerolog.Logger, template string) *ExecSource {
	return &ExecSource{
		log:      log.With().Str("component", "logsource").Logger(),
		template: template,
	}
}

func (s *ExecSource) commandFor(w *console.Workload, lines int) string {
	target := w.ContainerID
	if target == "" {
		target = w.ID
	}
	cmd := strings.ReplaceAll(s.template, "{container}", target)
	return strings.ReplaceAll(cmd, "{lines}", strconv.Itoa(lines))
}

// DisplayCommand implements console.LogSource.
func (s *ExecSource) DisplayCommand(_ context.Context, w *console.Workload, lines int) (string, error) {
	return s.commandFor(w, lines), nil
}

// Stream implements console.LogSource. It runs the rendered command and sends
// each output line on out until the process exits or ctx is cancelled.
func (s *ExecSource) Stream(ctx context.Context, w *console.Workload, lines int, out chan<- string) error {
	command := s.commandFor(w, lines)
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return errors.New("empty log command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	// Interleave stdout and stderr the way a terminal would; container
	// runtimes split log output across both.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", argv[0], err)
	}

	s.log.Debug().Str("server", w.ID).Str("command", command).Msg("log command started")

	go func() {
		// CloseWithError propagates a non-zero exit to the scanner.
		pw.CloseWithError(cmd.Wait())
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case out <- scanner.Text() + "\n":
		case <-ctx.Done():
			// Unblock the exec copier so Wait can return.
			_ = pr.Close()
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("log stream: %w", err)
	}
	return nil
}
