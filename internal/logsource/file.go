package logsource

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mcpfleet/mcpfleet/internal/console"
)

// FileSource streams workload logs by tailing the workload's log file. It
// emits the last N lines up front and then follows appended bytes via
// fsnotify until the file is removed or the stream is cancelled.
type FileSource struct {
	log zerolog.Logger
}

// NewFileSource creates a file-tail log source.
func NewFileSource(log zerolog.Logger) *FileSource {
	return &FileSource{log: log.With().Str("component", "logsource").Logger()}
}

// DisplayCommand implements console.LogSource.
func (s *FileSource) DisplayCommand(_ context.Context, w *console.Workload, lines int) (string, error) {
	if w.LogPath == "" {
		return "", fmt.Errorf("no log file configured for %s", w.ID)
	}
	return fmt.Sprintf("tail -n %d -f %s", lines, w.LogPath), nil
}

// Stream implements console.LogSource.
func (s *FileSource) Stream(ctx context.Context, w *console.Workload, lines int, out chan<- string) error {
	if w.LogPath == "" {
		return fmt.Errorf("no log file configured for %s", w.ID)
	}

	f, err := os.Open(w.LogPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Read the whole file once; the position is left at EOF so later reads
	// pick up only appended data.
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read log file: %w", err)
	}
	if tail := lastLines(string(data), lines); tail != "" {
		select {
		case out <- tail:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.LogPath); err != nil {
		return fmt.Errorf("watch log file: %w", err)
	}

	offset := int64(len(data))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Has(fsnotify.Write):
				chunk, n, err := s.readAppended(f, offset)
				if err != nil {
					return err
				}
				offset = n
				if chunk == "" {
					continue
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// Rotation or deletion ends the stream cleanly.
				s.log.Debug().Str("path", w.LogPath).Msg("log file went away")
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch log file: %w", werr)
		}
	}
}

// readAppended returns the bytes written past offset, rewinding on
// truncation.
func (s *FileSource) readAppended(f *os.File, offset int64) (string, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return "", offset, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < offset {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", offset, fmt.Errorf("rewind log file: %w", err)
		}
		offset = 0
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return "", offset, fmt.Errorf("read log file: %w", err)
	}
	return string(chunk), offset + int64(len(chunk)), nil
}

// lastLines returns the trailing n lines of s, preserving the final newline.
func lastLines(s string, n int) string {
	if s == "" || n <= 0 {
		return ""
	}
	trimmed := strings.TrimSuffix(s, "\n")
	parts := strings.Split(trimmed, "\n")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "\n") + "\n"
}
