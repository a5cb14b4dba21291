// Package filestore holds project files keyed by project-relative path. Every
// record carries the fingerprint of its current body; writers coordinate only
// through fingerprint preconditions.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("file not found")
	ErrExists             = errors.New("file already exists")
	ErrInvalidPath        = errors.New("invalid file path")
	ErrPreconditionFailed = errors.New("fingerprint precondition failed")
)

// FileRecord is the current state of one project file.
type FileRecord struct {
	Path        string    `json:"path"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Info returns the body-less view of the record.
func (r FileRecord) Info() FileInfo {
	return FileInfo{Path: r.Path, Fingerprint: r.Fingerprint, Size: r.Size}
}

// FileInfo references a file by path and fingerprint without its body.
type FileInfo struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// Backup is a prior body retained before a destructive write.
type Backup struct {
	Path        string    `json:"path"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	Reason      string    `json:"reason"`
	ReplacedAt  time.Time `json:"replacedAt"`
}

// Precondition gates a write on the current state of the target path.
type Precondition struct {
	// IfMatch requires the current fingerprint to equal this value.
	IfMatch string
	// IfExists requires the path to exist.
	IfExists bool
	// IfNotExists requires the path to be absent.
	IfNotExists bool
}

// MismatchError reports a failed IfMatch precondition.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: expected fingerprint %s, current %s", e.Path, e.Expected, displayFingerprint(e.Actual))
}

func (e *MismatchError) Is(target error) bool { return target == ErrPreconditionFailed }

func displayFingerprint(fp string) string {
	if fp == "" {
		return "<absent>"
	}
	return fp
}

// Store is a per-project file mapping. Implementations must recompute the
// fingerprint on every mutation and retain a Backup of any body they
// overwrite or delete before the replacement becomes visible.
type Store interface {
	Get(ctx context.Context, projectID, path string) (FileRecord, error)
	List(ctx context.Context, projectID string) ([]FileInfo, error)
	Snapshot(ctx context.Context, projectID string) ([]FileRecord, error)
	Write(ctx context.Context, projectID, path string, body []byte, pre Precondition) (FileRecord, error)
	Delete(ctx context.Context, projectID, path string, pre Precondition) (FileRecord, error)
	Backups(ctx context.Context, projectID, path string) ([]Backup, error)
}

// NormalizePath converts a client path into the canonical project-relative
// form: forward slashes, no leading slash, no "." or ".." segments.
func NormalizePath(p string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if raw == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the project root", ErrInvalidPath, p)
		}
	}
	clean := strings.TrimLeft(path.Clean("/"+raw), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}

func normalizeProjectID(projectID string) (string, error) {
	id := strings.TrimSpace(projectID)
	if id == "" {
		return "", fmt.Errorf("project_id is required")
	}
	return id, nil
}

// checkPrecondition validates pre against the current state. cur is nil when
// the path does not exist.
func checkPrecondition(filePath string, cur *FileRecord, pre Precondition) error {
	if cur == nil {
		if pre.IfExists {
			return fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		if pre.IfMatch != "" {
			return &MismatchError{Path: filePath, Expected: pre.IfMatch}
		}
		return nil
	}
	if pre.IfNotExists {
		return fmt.Errorf("%w: %s", ErrExists, filePath)
	}
	if pre.IfMatch != "" && !strings.EqualFold(strings.TrimSpace(pre.IfMatch), cur.Fingerprint) {
		return &MismatchError{Path: filePath, Expected: pre.IfMatch, Actual: cur.Fingerprint}
	}
	return nil
}
