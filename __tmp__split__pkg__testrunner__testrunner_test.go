package testrunner

import (
	"errors"
	"testing"

	"github.com/cuemby/maelstrom/pkg/jobspec"
	"github.com/cuemby/maelstrom/pkg/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceEnumerator []TestCase

func (s sliceEnumerator) Enumerate() ([]TestCase, error) { return s, nil }

type failingEnumerator struct{}

func (failingEnumerator) Enumerate() ([]TestCase, error) {
	return nil, errors.New("metadata query failed")
}

// fakeSubmitter resolves outcomes by the case name each spec carries in
// its argument vector.
type fakeSubmitter struct {
	outcomes map[string]jobspec.JobOutcome
	next     jobspec.JobId
	byJob    map[jobspec.JobId]string
	specs    []*jobspec.JobSpec
}

func newFakeSubmitter(outcomes map[string]jobspec.JobOutcome) *fakeSubmitter {
	return &fakeSubmitter{outcomes: outcomes, byJob: make(map[jobspec.JobId]string)}
}

func (f *fakeSubmitter) AddJob(spec *jobspec.JobSpec) (jobspec.JobId, error) {
	f.next++
	f.byJob[f.next] = spec.Arguments[len(spec.Arguments)-1]
	f.specs = append(f.specs, spec)
	return f.next, nil
}

func (f *fakeSubmitter) AwaitJob(jid jobspec.JobId) (jobspec.JobOutcome, error) {
	outcome, ok := f.outcomes[f.byJob[jid]]
	if !ok {
		return jobspec.JobOutcome{}, errors.New("no canned outcome")
	}
	return outcome, nil
}

func specFor(c TestCase) *jobspec.JobSpec {
	return &jobspec.JobSpec{Program: "/maelstrom/test", Arguments: []string{c.Package, c.Name}}
}

func passed() jobspec.JobOutcome {
	return jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 0}, jobspec.JobEffects{})
}

func failedWithStderr(msg string) jobspec.JobOutcome {
	return jobspec.Completed(jobspec.JobStatus{Kind: jobspec.StatusExited, Code: 1}, jobspec.JobEffects{
		Stderr: jobspec.Output{Kind: jobspec.OutputInline, Bytes: []byte(msg)},
	})
}

func runWith(t *testing.T, cases []TestCase, outcomes map[string]jobspec.JobOutcome, opts Options) (Summary, []string) {
	t.Helper()
	ind := progress.New(progress.Test, nil)
	opts.Indicator = ind
	opts.SpecFor = specFor
	summary, err := Run(sliceEnumerator(cases), newFakeSubmitter(outcomes), opts)
	require.NoError(t, err)
	return summary, ind.Lines()
}

func TestTwoPassingTests(t *testing.T) {
	summary, lines := runWith(t,
		[]TestCase{
			{Package: "foo", Name: "t"},
			{Package: "bar", Name: "t"},
		},
		map[string]jobspec.JobOutcome{"t": passed()},
		Options{},
	)

	assert.Equal(t, []string{
		"bar::t: OK",
		"foo::t: OK",
		"Successful: 2, Failed: 0",
	}, lines)
	assert.Equal(t, ExitSuccess, summary.ExitCode())
}

func TestFailedTestsPrintStderr(t *testing.T) {
	summary, lines := runWith(t,
		[]TestCase{
			{Package: "foo", Name: "t"},
			{Package: "bar", Name: "t"},
		},
		map[string]jobspec.JobOutcome{"t": failedWithStderr("error output")},
		Options{},
	)

	assert.Equal(t, []string{
		"bar::t: FAIL",
		"stderr: error output",
		"foo::t: FAIL",
		"stderr: error output",
		"Successful: 0, Failed: 2",
	}, lines)
	assert.Equal(t, ExitFailure, summary.ExitCode())
}

func TestIgnoredTestIsReportedAndListed(t *testing.T) {
	summary, lines := runWith(t,
		[]TestCase{
			{Package: "foo", Name: "t1"},
			{Package: "foo", Name: "t2"},
			{Package: "foo", Name: "t3", Ignored: true},
		},
		map[string]jobspec.JobOutcome{"t1": passed(), "t2": passed()},
		Options{},
	)

	assert.Equal(t, []string{
		"foo::t1: OK",
		"foo::t2: OK",
		"foo::t3: IGNORED",
		"Successful: 2, Failed: 0, Ignored: 1",
		"Ignored tests:",
		"    foo::t3",
	}, lines)
	assert.Equal(t, ExitSuccess, summary.ExitCode())
}

func TestIncludeExcludeFiltersSelectTwoJobs(t *testing.T) {
	cases := []TestCase{
		{Package: "web", Name: "test_it"},
		{Package: "lib", Name: "test_it2"},
		{Package: "bin", Name: "test_it"},
		{Package: "cli", Name: "test_other"},
	}
	summary, lines := runWith(t, cases,
		map[string]jobspec.JobOutcome{"test_it": passed(), "test_it2": passed()},
		Options{
			Include: []string{"name.equals(test_it) || name.equals(test_it2)"},
			Exclude: []string{"package.equals(bin)"},
		},
	)

	assert.Equal(t, []string{
		"lib::test_it2: OK",
		"web::test_it: OK",
		"Successful: 2, Failed: 0",
	}, lines)
	assert.Equal(t, 2, summary.Successful)
}

func TestTimeoutAndExecutionFailureOutcomes(t *testing.T) {
	summary, lines := runWith(t,
		[]TestCase{
			{Package: "p", Name: "slow"},
			{Package: "p", Name: "broken"},
		},
		map[string]jobspec.JobOutcome{
			"slow":   jobspec.TimedOut(jobspec.JobEffects{}),
			"broken": jobspec.ExecutionFailed("mounting proc: no such device"),
		},
		Options{},
	)

	assert.Equal(t, []string{
		"p::broken: FAIL (execution failed: mounting proc: no such device)",
		"p::slow: FAIL (timed out)",
		"Successful: 0, Failed: 2",
	}, lines)
	assert.Equal(t, ExitFailure, summary.ExitCode())
}

func TestRunAppliesTimeoutToEverySpec(t *testing.T) {
	sub := newFakeSubmitter(map[string]jobspec.JobOutcome{"t": passed()})
	ind := progress.New(progress.Test, nil)
	_, err := Run(sliceEnumerator([]TestCase{{Package: "p", Name: "t"}}), sub, Options{
		Indicator:      ind,
		SpecFor:        specFor,
		TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	require.Len(t, sub.specs, 1)
	assert.EqualValues(t, 30, sub.specs[0].TimeoutSeconds)
}

func TestEnumerationFailureIsASystemError(t *testing.T) {
	ind := progress.New(progress.Test, nil)
	_, err := Run(failingEnumerator{}, newFakeSubmitter(nil), Options{Indicator: ind, SpecFor: specFor})
	require.Error(t, err)
}

func TestBadPatternIsASystemError(t *testing.T) {
	ind := progress.New(progress.Test, nil)
	_, err := Run(sliceEnumerator(nil), newFakeSubmitter(nil), Options{
		Indicator: ind, SpecFor: specFor, Include: []string{"name.equals(unclosed"},
	})
	require.Error(t, err)
}


