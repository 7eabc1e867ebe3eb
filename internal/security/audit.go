// Package security provides the tool-call audit trail.
package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"clawbridge/internal/domain"
	"clawbridge/internal/infra/tracer"
)

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no age limit
	MaxSize int64         // bytes; 0 = no size limit
}

func (p RetentionPolicy) active() bool { return p.MaxAge > 0 || p.MaxSize > 0 }

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention RetentionPolicy
	now       func() time.Time
}

var _ domain.AuditLogger = (*FileAuditLogger)(nil)

// NewFileAuditLogger opens (creating if needed) the audit log at path and
// applies the retention policy to existing entries.
func NewFileAuditLogger(path string, retention RetentionPolicy) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a := &FileAuditLogger{file: f, path: path, retention: retention, now: time.Now}
	if _, err := a.EnforceRetention(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Log writes an audit event as a single JSON line. When ctx carries a
// recording span the event is mirrored onto it.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("audit.outcome", event.Outcome),
			tracer.KeyTool.String(event.Tool),
			tracer.KeyMethod.String(event.Method),
			tracer.Int64Attr("audit.duration_ms", event.DurationMS),
		}
		if event.ErrorCode != "" {
			attrs = append(attrs, tracer.StringAttr("audit.error_code", string(event.ErrorCode)))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the audit log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries that satisfy the
// retention policy and reports how many were removed. Oldest entries go
// first when the size limit is exceeded.
func (a *FileAuditLogger) EnforceRetention() (int, error) {
	if !a.retention.active() {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retention.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= a.retention.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if a.retention.MaxAge > 0 {
		cutoff = a.now().Add(-a.retention.MaxAge)
	}

	r, err := os.Open(a.path)
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	kept, removed, err := filterEntries(r, cutoff, a.retention.MaxSize)
	r.Close()
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmpPath := a.path + ".tmp"
	if err := writeLines(tmpPath, kept); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	a.file.Close()
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		a.file, _ = openAppend(a.path)
		return 0, fmt.Errorf("replace audit log: %w", err)
	}
	if a.file, err = openAppend(a.path); err != nil {
		return removed, fmt.Errorf("reopen audit log: %w", err)
	}
	return removed, nil
}

// filterEntries drops lines older than cutoff, then the oldest remaining
// lines until the total fits in maxSize.
func filterEntries(r io.Reader, cutoff time.Time, maxSize int64) ([][]byte, int, error) {
	var (
		kept    [][]byte
		size    int64
		removed int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	for maxSize > 0 && size > maxSize && len(kept) > 0 {
		size -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	return kept, removed, nil
}

func writeLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp audit log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write temp audit log: %w", err)
	}
	return f.Close()
}
