package security

import (
	"fmt"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
	SeverityInfo   Severity = "info"
)

// Rank orders severities for display: lower is more severe. Unknown values
// sort after info.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 3
	default:
		return 4
	}
}

func (s Severity) Valid() bool { return s.Rank() < 4 }

// Blocking reports whether an open finding of this severity makes a job
// eligible for fixing.
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityMedium
}

func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

type Finding struct {
	RuleID         string   `json:"ruleId"`
	Severity       Severity `json:"severity"`
	File           string   `json:"file"`
	Line           int      `json:"line,omitempty"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
	Fixed          bool     `json:"fixed"`
}

// Key identifies a finding across scans.
func (f Finding) Key() string {
	return fmt.Sprintf("%s|%s|%d", f.RuleID, f.File, f.Line)
}

// SortForDisplay returns a copy ordered high > medium > low > info, then by
// file and line. Fixed findings stay in the list.
func SortForDisplay(findings []Finding) []Finding {
	out := make([]Finding, len(findings))
	copy(out, findings)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra < rb
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	return out
}

// OpenCount counts findings not yet fixed.
func OpenCount(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if !f.Fixed {
			n++
		}
	}
	return n
}

// Blocking returns the open high and medium findings in input order.
func Blocking(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if !f.Fixed && f.Severity.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

func HasBlocking(findings []Finding) bool {
	for _, f := range findings {
		if !f.Fixed && f.Severity.Blocking() {
			return true
		}
	}
	return false
}
