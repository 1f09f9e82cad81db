// Package eventlog implements the durable append-only log: one JSONL file
// per case, ordered by append time. The log is the single source of truth;
// every other representation of case state is a cache derived from it.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"caseflow/internal/event"
)

// ErrUnknownCase is returned when no log file exists for a correlation id.
var ErrUnknownCase = errors.New("no event log for correlation id")

// Log appends and replays events keyed by correlation id.
type Log struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open ensures the case log directory exists under the workspace.
func Open(workspace string) (*Log, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, ".caseflow", "cases")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create case log dir: %w", err)
	}
	return &Log{dir: dir, logger: slog.Default().With(slog.String("component", "eventlog"))}, nil
}

func (l *Log) path(correlationID string) string {
	return filepath.Join(l.dir, correlationID+".jsonl")
}

// Append durably records ev. Failure to append is fatal to the caller's
// operation: an event that cannot be persisted must not be acted upon.
func (l *Log) Append(ev event.Event) error {
	if ev.CorrelationID == "" {
		return errors.New("event missing correlation id")
	}
	if ev.EventID == "" {
		return errors.New("event missing event id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path(ev.CorrelationID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open case log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventID, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync case log: %w", err)
	}
	return nil
}

// Read returns all events for a correlation id in append order. Malformed
// lines are skipped with a warning: a single bad record must never make
// already-recorded history unreadable.
func (l *Log) Read(correlationID string) ([]event.Event, error) {
	f, err := os.Open(l.path(correlationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCase, correlationID)
		}
		return nil, err
	}
	defer f.Close()

	var events []event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			l.logger.Warn("skipping malformed log record",
				slog.String("correlation_id", correlationID),
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read case log %s: %w", correlationID, err)
	}
	return events, nil
}

// Correlations lists every correlation id that has a log file.
func (l *Log) Correlations() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists reports whether a case log is already present.
func (l *Log) Exists(correlationID string) bool {
	_, err := os.Stat(l.path(correlationID))
	return err == nil
}
