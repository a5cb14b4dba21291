// Package security runs a static pattern pass over project files and grades
// the results by severity.
package security

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"codeforge/internal/filestore"
)

const (
	DefaultMaxFileSize = 1 << 20
	ruleDegraded       = "scanner-degraded"
)

type Option func(*Scanner)

// WithMaxFileSize skips bodies larger than n bytes with an info finding.
func WithMaxFileSize(n int64) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithConcurrency bounds the number of files scanned at once.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Scanner holds no state between scans; Scan is a pure function of its input.
type Scanner struct {
	rules       []Rule
	maxFileSize int64
	concurrency int
}

func New(rules []Rule, opts ...Option) *Scanner {
	s := &Scanner{
		rules:       rules,
		maxFileSize: DefaultMaxFileSize,
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDefault returns a scanner using the built-in rule pack.
func NewDefault(opts ...Option) *Scanner {
	return New(DefaultRules(), opts...)
}

func (s *Scanner) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Scan checks every file and returns findings ordered by file path, then
// line. Files that cannot be scanned produce an info finding instead of an
// error; the only error is ctx cancellation.
func (s *Scanner) Scan(ctx context.Context, files []filestore.FileRecord) ([]Finding, error) {
	results := make([][]Finding, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.scanFile(files[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Finding
	for _, r := range results {
		out = append(out, r...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func (s *Scanner) scanFile(f filestore.FileRecord) []Finding {
	if f.Body == nil && f.Size > 0 {
		return []Finding{degraded(f.Path, "file body could not be read")}
	}
	if s.maxFileSize > 0 && int64(len(f.Body)) > s.maxFileSize {
		return []Finding{degraded(f.Path, fmt.Sprintf("file is larger than %d bytes and was not scanned", s.maxFileSize))}
	}
	if bytes.IndexByte(f.Body, 0) >= 0 || !utf8.Valid(f.Body) {
		return []Finding{degraded(f.Path, "binary file was not scanned")}
	}

	var applicable []Rule
	for _, r := range s.rules {
		if r.Applies(f.Path) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return nil
	}

	var out []Finding
	sc := bufio.NewScanner(bytes.NewReader(f.Body))
	sc.Buffer(make([]byte, 0, 64*1024), int(s.maxFileSize)+1)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, r := range applicable {
			if r.Match(text) {
				out = append(out, Finding{
					RuleID:         r.ID,
					Severity:       r.Severity,
					File:           f.Path,
					Line:           line,
					Description:    r.Description,
					Recommendation: r.Recommendation,
				})
			}
		}
	}
	if err := sc.Err(); err != nil {
		out = append(out, degraded(f.Path, fmt.Sprintf("scan stopped at line %d: %v", line+1, err)))
	}
	return out
}

func degraded(path, reason string) Finding {
	return Finding{
		RuleID:      ruleDegraded,
		Severity:    SeverityInfo,
		File:        path,
		Description: reason,
	}
}
