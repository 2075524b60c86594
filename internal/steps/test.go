package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/stagehand/internal/fsutil"
	"github.com/pitabwire/stagehand/model"
)

// Test runner defaults.
const (
	DefaultTestTimeout     = 60 * time.Second
	DefaultTestOutputLimit = 64 * 1024
)

// DefaultTestPatterns match test scripts by base name.
var DefaultTestPatterns = []string{"test_*.sh", "*_test.sh"}

// TestResult is the outcome of one test script.
type TestResult struct {
	File       string `json:"file"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

// TestRunner discovers test scripts in a plugin tree and runs each in a
// subprocess.
type TestRunner struct {
	Interpreter []string
	Patterns    []string
	Timeout     time.Duration
	OutputLimit int
}

// NewTestRunner creates a runner. Zero values select the defaults.
func NewTestRunner(interpreter []string, timeout time.Duration, outputLimit int) *TestRunner {
	if len(interpreter) == 0 {
		interpreter = []string{"sh"}
	}
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	if outputLimit <= 0 {
		outputLimit = DefaultTestOutputLimit
	}
	return &TestRunner{
		Interpreter: interpreter,
		Patterns:    DefaultTestPatterns,
		Timeout:     timeout,
		OutputLimit: outputLimit,
	}
}

// Execute runs every discovered test. A tree with no tests passes.
func (r *TestRunner) Execute(ctx context.Context, req Request) (Artifacts, error) {
	tests, err := r.discover(ctx, req.SourceDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapStepError(model.StepTest, err, "discover tests")
	}

	results := make([]TestResult, 0, len(tests))
	var failed []string
	for _, rel := range tests {
		res := r.runOne(ctx, req, rel)
		results = append(results, res)
		if err := ctx.Err(); err != nil {
			return testArtifacts(results), fmt.Errorf("test %s interrupted: %w", rel, err)
		}
		if !res.Passed {
			failed = append(failed, rel)
		}
	}

	arts := testArtifacts(results)
	if len(failed) > 0 {
		return arts, stepErrorf(model.StepTest, "%d of %d tests failed: %s", len(failed), len(results), strings.Join(failed, ", "))
	}
	return arts, nil
}

func testArtifacts(results []TestResult) Artifacts {
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	return Artifacts{
		"test_results": results,
		"tests_run":    len(results),
		"tests_passed": passed,
	}
}

func (r *TestRunner) discover(ctx context.Context, root string) ([]string, error) {
	var found []string
	err := fsutil.Walk(ctx, root, func(rel, _ string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		base := path.Base(rel)
		for _, p := range r.Patterns {
			if ok, _ := path.Match(p, base); ok {
				found = append(found, rel)
				return nil
			}
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}

func (r *TestRunner) runOne(ctx context.Context, req Request, rel string) TestResult {
	tctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := append(append([]string(nil), r.Interpreter[1:]...), rel)
	cmd := exec.CommandContext(tctx, r.Interpreter[0], args...)
	cmd.Dir = req.SourceDir
	cmd.Env = append(os.Environ(), envList(req)...)
	out := &limitedBuffer{limit: r.OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out
	// Child processes may keep the pipes open after the script is killed.
	cmd.WaitDelay = 250 * time.Millisecond

	start := time.Now()
	err := cmd.Run()
	res := TestResult{
		File:       rel,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     out.String(),
		ExitCode:   -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
	}
	res.Passed = err == nil && !res.TimedOut
	return res
}

// ParamEnvPrefix namespaces execution params in the test environment so a
// caller cannot replace variables such as PATH or LD_PRELOAD.
const ParamEnvPrefix = "STAGEHAND_PARAM_"

// envList renders workflow environment variables then the prefixed params.
func envList(req Request) []string {
	env := make([]string, 0, len(req.Env)+len(req.Params)+2)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range req.Params {
		env = append(env, ParamEnvName(k)+"="+v)
	}
	env = append(env,
		"STAGEHAND_EXECUTION_ID="+req.ExecutionID,
		"STAGEHAND_PLUGIN_ID="+req.PluginID,
	)
	return env
}

// ParamEnvName maps a param key to its variable name: the key is upper-cased
// and anything outside [A-Z0-9_] becomes an underscore.
func ParamEnvName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return ParamEnvPrefix + name
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
