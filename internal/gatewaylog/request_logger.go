// Package gatewaylog implements the JSON-lines request log: one record
// per completed request, with daily-or-size rotation and keep_days
// retention, plus an in-memory ring buffer for the GET /admin/logs
// diagnostics endpoint. The logger is an explicit handle passed to its
// callers rather than a package-level singleton.
package gatewaylog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewaytypes"
)

// Record is one JSON-lines entry written per completed request.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	JobID         string    `json:"job_id"`
	Model         string    `json:"model"`
	ProviderID    string    `json:"provider_id,omitempty"`
	RouteName     string    `json:"route_name,omitempty"`
	QueueWaitMS   int64     `json:"queue_wait_ms"`
	RuntimeMS     int64     `json:"runtime_ms"`
	Status        string    `json:"status"`
	NormalizedErr string    `json:"normalized_error,omitempty"`
}

// RequestLogger writes Records to a rotating JSON-lines file and keeps
// the most recent N in memory for fast diagnostics reads.
type RequestLogger struct {
	console *zap.Logger

	mu          sync.Mutex
	logDir      string
	keepDays    int
	maxSizeByte int64
	file        *os.File
	fileDate    string
	fileSize    int64

	ring     []Record
	ringNext int
	ringFull bool
}

// New builds a RequestLogger from the logging section of the app
// config, creating logDir if needed.
func New(cfg config.LoggingConfig, console *zap.Logger) (*RequestLogger, error) {
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	capacity := cfg.KeepLastNInMemory
	if capacity <= 0 {
		capacity = 500
	}
	maxSize := int64(cfg.RotateMaxSizeMB) * 1024 * 1024
	if maxSize <= 0 {
		maxSize = 64 * 1024 * 1024
	}
	return &RequestLogger{
		console:     console,
		logDir:      cfg.LogDir,
		keepDays:    cfg.KeepDays,
		maxSizeByte: maxSize,
		ring:        make([]Record, capacity),
	}, nil
}

// LogJob records a completed (done or failed) Job.
func (l *RequestLogger) LogJob(job *gatewaytypes.Job) {
	rec := Record{
		Timestamp:     time.Now(),
		RequestID:     job.RequestID,
		JobID:         job.JobID,
		Model:         job.ModelID,
		ProviderID:    job.ProviderID,
		RouteName:     job.RouteName,
		QueueWaitMS:   job.QueueWait.Milliseconds(),
		RuntimeMS:     job.Runtime.Milliseconds(),
		Status:        string(job.Status),
		NormalizedErr: job.NormalizedErr,
	}
	l.append(rec)

	if job.Status == gatewaytypes.StatusFailed {
		l.console.Warn("request failed",
			zap.String("request_id", rec.RequestID),
			zap.String("model", rec.Model),
			zap.String("normalized_error", rec.NormalizedErr))
	} else {
		l.console.Info("request completed",
			zap.String("request_id", rec.RequestID),
			zap.String("model", rec.Model),
			zap.Int64("runtime_ms", rec.RuntimeMS))
	}
}

func (l *RequestLogger) append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.ringNext] = rec
	l.ringNext = (l.ringNext + 1) % len(l.ring)
	if l.ringNext == 0 {
		l.ringFull = true
	}

	if err := l.writeLineLocked(rec); err != nil {
		l.console.Error("failed to write request log", zap.Error(err))
	}
}

// Recent returns up to limit of the most recently logged records,
// newest last.
func (l *RequestLogger) Recent(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []Record
	if l.ringFull {
		ordered = append(ordered, l.ring[l.ringNext:]...)
		ordered = append(ordered, l.ring[:l.ringNext]...)
	} else {
		ordered = append(ordered, l.ring[:l.ringNext]...)
	}

	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

func (l *RequestLogger) writeLineLocked(rec Record) error {
	if err := l.rotateIfNeededLocked(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	n, err := l.file.Write(line)
	l.fileSize += int64(n)
	return err
}

// rotateIfNeededLocked opens today's file on the first write, and
// rotates to a fresh dated file when the day changes or the current
// file exceeds rotate_max_size_mb. It also prunes files older than
// keep_days.
func (l *RequestLogger) rotateIfNeededLocked() error {
	today := time.Now().Format("2006-01-02")

	needsRotate := l.file == nil || l.fileDate != today || (l.maxSizeByte > 0 && l.fileSize >= l.maxSizeByte)
	if !needsRotate {
		return nil
	}

	if l.file != nil {
		_ = l.file.Close()
	}

	suffix := ""
	if l.fileDate == today && l.fileSize >= l.maxSizeByte {
		suffix = "." + time.Now().Format("150405")
	}
	name := fmt.Sprintf("gateway-%s%s.jsonl", today, suffix)
	path := filepath.Join(l.logDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	l.file = f
	l.fileDate = today
	l.fileSize = info.Size()

	l.pruneOldLocked()
	return nil
}

func (l *RequestLogger) pruneOldLocked() {
	if l.keepDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -l.keepDays)
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(l.logDir, entry.Name()))
		}
	}
}

// Close flushes and closes the active log file.
func (l *RequestLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
