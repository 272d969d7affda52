// Package testrunner drives one batch of test jobs: it enumerates cases,
// applies include/exclude patterns, packages each selected case as a job,
// awaits every outcome, and prints per-case result lines plus a summary.
//
// The build-system-specific pieces stay outside: case enumeration and
// job-spec packaging are injected, so the runner itself only knows about
// cases, patterns, and outcomes.
package testrunner

import (
	"fmt"
	"sort"

	"github.com/cuemby/maelstrom/pkg/filter"
	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/progress"
)

// Exit codes of a run.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitError   = 2
)

// TestCase is one runnable (or ignored) case discovered by the enumerator.
type TestCase struct {
	Package string
	Binary  string
	Name    string
	Ignored bool
}

// ID is the case's display identity.
func (c TestCase) ID() string {
	return c.Package + "::" + c.Name
}

func (c TestCase) filterCase() filter.TestCase {
	return filter.TestCase{Package: c.Package, Binary: c.Binary, Name: c.Name}
}

// Enumerator lists the cases a run selects from. Implemented by the
// build-system driver.
type Enumerator interface {
	Enumerate() ([]TestCase, error)
}

// Submitter is the slice of the client library the runner needs.
type Submitter interface {
	AddJob(spec *jobspec.JobSpec) (jobspec.JobId, error)
	AwaitJob(jid jobspec.JobId) (jobspec.JobOutcome, error)
}

// Options configures one run.
type Options struct {
	// Include and Exclude are filter patterns. No includes means include
	// everything; a case runs when some include matches and no exclude
	// does.
	Include []string
	Exclude []string

	// TimeoutSeconds, when nonzero, is applied to every job spec.
	TimeoutSeconds uint32

	// Indicator receives result lines and the summary.
	Indicator *progress.Indicator

	// SpecFor packages one case as a job. Injected by the build-system
	// driver.
	SpecFor func(TestCase) *jobspec.JobSpec
}

// Summary is what one run amounted to.
type Summary struct {
	Successful int
	Failed     int
	Ignored    []string
}

// ExitCode maps the summary to the process exit code.
func (s Summary) ExitCode() int {
	if s.Failed > 0 {
		return ExitFailure
	}
	return ExitSuccess
}

type caseResult struct {
	testCase TestCase
	jid      jobspec.JobId
}

// Run executes one batch to completion and returns its summary. Errors are
// system-level (enumeration or submission broke); test failures are not
// errors but part of the summary.
func Run(enum Enumerator, sub Submitter, opts Options) (Summary, error) {
	include, err := filter.ParseAll(opts.Include)
	if err != nil {
		return Summary{}, err
	}
	exclude, err := filter.ParseAll(opts.Exclude)
	if err != nil {
		return Summary{}, err
	}

	cases, err := enum.Enumerate()
	if err != nil {
		return Summary{}, fmt.Errorf("testrunner: enumerating cases: %w", err)
	}

	var summary Summary
	var submitted []caseResult
	for _, c := range selectCases(cases, include, exclude) {
		if c.Ignored {
			summary.Ignored = append(summary.Ignored, c.ID())
			continue
		}
		spec := opts.SpecFor(c)
		if opts.TimeoutSeconds > 0 {
			spec.TimeoutSeconds = opts.TimeoutSeconds
		}
		jid, err := sub.AddJob(spec)
		if err != nil {
			return Summary{}, fmt.Errorf("testrunner: submitting %s: %w", c.ID(), err)
		}
		submitted = append(submitted, caseResult{testCase: c, jid: jid})
	}

	blocks, err := collectResults(sub, submitted, &summary)
	if err != nil {
		return Summary{}, err
	}
	for _, id := range summary.Ignored {
		blocks = append(blocks, resultBlock{id: id, lines: []string{id + ": IGNORED"}})
	}
	// Sort whole blocks so a case's stderr lines stay under its verdict.
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].id < blocks[j].id })

	ind := opts.Indicator
	ind.Finished()
	for _, b := range blocks {
		for _, line := range b.lines {
			ind.Println(line)
		}
	}
	printSummary(ind, summary)
	return summary, nil
}

// selectCases applies the include/exclude patterns. Ignored cases that
// would have been selected still surface, so the run can report them.
func selectCases(cases []TestCase, include, exclude []filter.Expr) []TestCase {
	var selected []TestCase
	for _, c := range cases {
		fc := c.filterCase()
		if len(include) > 0 && !filter.MatchAny(include, fc) {
			continue
		}
		if filter.MatchAny(exclude, fc) {
			continue
		}
		selected = append(selected, c)
	}
	return selected
}

// resultBlock keeps one case's verdict line and its stderr lines together
// through sorting.
type resultBlock struct {
	id    string
	lines []string
}

func collectResults(sub Submitter, submitted []caseResult, summary *Summary) ([]resultBlock, error) {
	var blocks []resultBlock
	for _, cr := range submitted {
		outcome, err := sub.AwaitJob(cr.jid)
		if err != nil {
			return nil, fmt.Errorf("testrunner: awaiting %s: %w", cr.testCase.ID(), err)
		}
		blocks = append(blocks, resultBlock{
			id:    cr.testCase.ID(),
			lines: resultLines(cr.testCase, outcome, summary),
		})
	}
	return blocks, nil
}

// resultLines renders one case's outcome, counting it into the summary.
func resultLines(c TestCase, outcome jobspec.JobOutcome, summary *Summary) []string {
	id := c.ID()
	switch outcome.Kind {
	case jobspec.OutcomeCompleted:
		if outcome.Status.Kind == jobspec.StatusExited && outcome.Status.Code == 0 {
			summary.Successful++
			return []string{id + ": OK"}
		}
		summary.Failed++
		var lines []string
		if outcome.Status.Kind == jobspec.StatusSignaled {
			lines = append(lines, fmt.Sprintf("%s: FAIL (signal %d)", id, outcome.Status.Code))
		} else {
			lines = append(lines, id+": FAIL")
		}
		return append(lines, stderrLines(outcome.Effects.Stderr)...)
	case jobspec.OutcomeTimedOut:
		summary.Failed++
		return append([]string{id + ": FAIL (timed out)"}, stderrLines(outcome.Effects.Stderr)...)
	default:
		summary.Failed++
		return []string{fmt.Sprintf("%s: FAIL (execution failed: %s)", id, outcome.ErrorMsg)}
	}
}

func stderrLines(out jobspec.Output) []string {
	switch out.Kind {
	case jobspec.OutputInline:
		return []string{"stderr: " + string(out.Bytes)}
	case jobspec.OutputTruncated:
		return []string{fmt.Sprintf("stderr: %s [truncated, %d bytes total]", out.Bytes, out.TotalLen)}
	default:
		return nil
	}
}

func printSummary(ind *progress.Indicator, s Summary) {
	line := fmt.Sprintf("Successful: %d, Failed: %d", s.Successful, s.Failed)
	if len(s.Ignored) > 0 {
		line += fmt.Sprintf(", Ignored: %d", len(s.Ignored))
	}
	ind.Println(line)
	if len(s.Ignored) > 0 {
		ind.Println("Ignored tests:")
		sorted := append([]string(nil), s.Ignored...)
		sort.Strings(sorted)
		for _, id := range sorted {
			ind.Println("    " + id)
		}
	}
}


