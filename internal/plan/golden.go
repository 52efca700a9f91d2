package plan

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertGolden compares data with testdata/golden/{name}.golden.
//
// To regenerate golden files, run the tests with -update.
func AssertGolden(t *testing.T, name string, data []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

// AssertReport compares the canonical rendering of report, without test
// ids, with the golden file named after the plan.
func AssertReport(t *testing.T, report Report) {
	t.Helper()
	data, err := report.Canonical(false)
	if err != nil {
		t.Fatalf("render report: %v", err)
	}
	AssertGolden(t, report.Plan, data)
}
