// SPDX-License-Identifier: MIT

package amcp

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxAuditSize is the default maximum audit file size before
	// rotation.
	DefaultMaxAuditSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxAuditFiles is the default number of rotated audit files to
	// keep.
	DefaultMaxAuditFiles = 5
)

// auditRecord is one line of the command audit trail: every batch written
// to a remote connection, for post-hoc debugging of layer-swap issues.
type auditRecord struct {
	Time  time.Time `json:"time"`
	Addr  string    `json:"addr"`
	Lines []string  `json:"lines"`
}

// AuditLog is a size-rotating, optionally gzip-compressing JSON-lines
// writer recording every command batch sent to any remote connection.
//
// Adapted from the size-based rotating writer used elsewhere in this
// codebase for process output logs; here it rotates a structured audit
// trail instead of raw stderr.
type AuditLog struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	file *os.File
	size int64
}

// AuditLogOption configures an AuditLog.
type AuditLogOption func(*AuditLog)

// WithMaxSize sets the maximum audit file size before rotation.
func WithMaxSize(size int64) AuditLogOption {
	return func(a *AuditLog) { a.maxSize = size }
}

// WithMaxFiles sets the maximum number of rotated files to keep.
func WithMaxFiles(count int) AuditLogOption {
	return func(a *AuditLog) { a.maxFiles = count }
}

// WithCompression enables gzip compression of rotated files.
func WithCompression(compress bool) AuditLogOption {
	return func(a *AuditLog) { a.compress = compress }
}

// NewAuditLog opens (creating if necessary) an audit log at path.
func NewAuditLog(path string, opts ...AuditLogOption) (*AuditLog, error) {
	a := &AuditLog{
		path:     path,
		maxSize:  DefaultMaxAuditSize,
		maxFiles: DefaultMaxAuditFiles,
	}
	for _, opt := range opts {
		opt(a)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	if err := a.openFile(); err != nil {
		return nil, err
	}
	return a, nil
}

// Record appends one audit line for a batch written to addr. Errors are
// swallowed on purpose: the audit trail is diagnostic, never load-bearing,
// and must never cause a batch dispatch to fail.
func (a *AuditLog) Record(addr string, lines []string) {
	if a == nil {
		return
	}
	rec := auditRecord{Time: time.Now(), Addr: addr, Lines: lines}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size+int64(len(data)) > a.maxSize {
		_ = a.rotate()
	}
	n, err := a.file.Write(data)
	if err == nil {
		a.size += int64(n)
	}
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

func (a *AuditLog) openFile() error {
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	a.file = file
	a.size = info.Size()
	return nil
}

func (a *AuditLog) rotate() error {
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			return fmt.Errorf("failed to close audit log: %w", err)
		}
		a.file = nil
	}

	for i := a.maxFiles - 1; i >= 1; i-- {
		old := a.rotatedPath(i)
		next := a.rotatedPath(i + 1)
		for _, ext := range []string{"", ".gz"} {
			if _, err := os.Stat(old + ext); err == nil {
				_ = os.Rename(old+ext, next+ext)
			}
		}
	}

	rotated := a.rotatedPath(1)
	if err := os.Rename(a.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	if a.compress {
		go a.compressFile(rotated)
	}
	a.cleanup()

	return a.openFile()
}

func (a *AuditLog) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", a.path, n)
}

func (a *AuditLog) compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath)
	if err != nil {
		return
	}
	defer gzFile.Close()

	gw := gzip.NewWriter(gzFile)
	if _, err := gw.Write(data); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	if err := gw.Close(); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	_ = os.Remove(path)
}

func (a *AuditLog) cleanup() {
	for i := a.maxFiles + 1; i <= a.maxFiles+10; i++ {
		p := a.rotatedPath(i)
		_ = os.Remove(p)
		_ = os.Remove(p + ".gz")
	}
}
