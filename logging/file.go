// Package logging provides the application log and the protocol debug log.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileLogger writes timestamped lines to a file or any io.Writer.
// It is safe for concurrent use.
type FileLogger struct {
	w      io.Writer
	file   *os.File // nil when wrapping a caller-owned writer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{w: file, file: file}, nil
}

// NewWriterLogger logs to w. Close does not close w.
func NewWriterLogger(w io.Writer) *FileLogger {
	return &FileLogger{w: w}
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.w, "%s %s\n", timestamp, fmt.Sprintf(format, args...))
}

// Close closes the underlying file, if the logger owns one.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
