package steps

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/model"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Pattern is one denylisted source fragment.
type Pattern struct {
	Needle      string
	Severity    string
	Description string
}

// DefaultPatterns is the built-in denylist for Go plugin sources.
var DefaultPatterns = []Pattern{
	{Needle: ".Eval(", Severity: SeverityCritical, Description: "dynamic code evaluation"},
	{Needle: `exec.Command("sh"`, Severity: SeverityCritical, Description: "shell invocation"},
	{Needle: `exec.Command("bash"`, Severity: SeverityCritical, Description: "shell invocation"},
	{Needle: `exec.Command("/bin/sh"`, Severity: SeverityCritical, Description: "shell invocation"},
	{Needle: "syscall.Exec(", Severity: SeverityCritical, Description: "process image replacement"},
	{Needle: "exec.Command(", Severity: SeverityHigh, Description: "subprocess execution"},
	{Needle: "plugin.Open(", Severity: SeverityHigh, Description: "dynamic library loading"},
	{Needle: "gob.NewDecoder(", Severity: SeverityMedium, Description: "unsafe deserialization"},
	{Needle: "unsafe.Pointer", Severity: SeverityMedium, Description: "unsafe memory access"},
	{Needle: "os.RemoveAll(", Severity: SeverityLow, Description: "recursive deletion"},
}

// Finding is one pattern match.
type Finding struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Scanner flags denylisted fragments in plugin sources. Only critical
// findings fail the step.
type Scanner struct {
	Patterns   []Pattern
	Extensions []string
}

// NewScanner creates a Scanner over .go files.
func NewScanner(patterns []Pattern) *Scanner {
	return &Scanner{Patterns: patterns, Extensions: []string{".go"}}
}

// Execute scans req.SourceDir.
func (s *Scanner) Execute(ctx context.Context, req Request) (Artifacts, error) {
	var findings []Finding
	scanned := 0
	err := fsutil.Walk(ctx, req.SourceDir, func(rel, path string, d fs.DirEntry) error {
		if d.IsDir() || !s.matchesExtension(rel) {
			return nil
		}
		scanned++
		found, err := s.scanFile(path, rel)
		if err != nil {
			return err
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapStepError(model.StepSecurityScan, err, "scan sources")
	}

	summary := map[string]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
	}
	var critical []Finding
	for _, f := range findings {
		summary[f.Severity]++
		if f.Severity == SeverityCritical {
			critical = append(critical, f)
		}
	}
	if findings == nil {
		findings = []Finding{}
	}

	arts := Artifacts{
		"security_findings": findings,
		"security_summary":  summary,
		"files_scanned":     scanned,
	}
	if len(critical) > 0 {
		first := critical[0]
		return arts, stepErrorf(model.StepSecurityScan,
			"%d critical security finding(s): %s in %s:%d",
			len(critical), first.Description, first.File, first.Line)
	}
	return arts, nil
}

func (s *Scanner) matchesExtension(rel string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(rel)
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// scanFile reports at most one finding per line, for the first pattern (in
// denylist order) that matches it.
func (s *Scanner) scanFile(path, rel string) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Finding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, p := range s.Patterns {
			if strings.Contains(text, p.Needle) {
				out = append(out, Finding{
					File:        rel,
					Line:        line,
					Pattern:     p.Needle,
					Severity:    p.Severity,
					Description: p.Description,
				})
				break
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return out, nil
}
