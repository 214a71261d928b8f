package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a scenario's trace and final checkpoints as text, one
// line per run and per checkpoint. It only contains values the fake clock
// and the scenario determine, so it is stable across executions.
func Snapshot(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario %s\n", name)

	step := 0
	for _, ev := range result.Trace {
		if ev.Step != step {
			step = ev.Step
			fmt.Fprintf(&buf, "step %d\n", step)
		}
		fmt.Fprintf(&buf, "  %s %s %s %s", ev.Mode, ev.Collection, ev.Tenant, ev.Status)
		switch {
		case ev.Code != "":
			fmt.Fprintf(&buf, " %s", ev.Code)
		case ev.Reason != "":
			fmt.Fprintf(&buf, " (%s)", ev.Reason)
		default:
			fmt.Fprintf(&buf, " fetched=%d upserted=%d new=%d", ev.Fetched, ev.Upserted, ev.NewRows)
		}
		if ev.Repaired {
			buf.WriteString(" repaired")
		}
		buf.WriteString("\n")
	}

	buf.WriteString("checkpoints\n")
	for _, cp := range result.Checkpoints {
		fmt.Fprintf(&buf, "  %s %s %s backfill=%t new=%d", cp.Tenant, cp.Collection, cp.Position, cp.BackfillDone, cp.RunNewCount)
		if cp.Failed {
			buf.WriteString(" failed")
		}
		buf.WriteString("\n")
	}
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, Snapshot(scenarioName, result))
}
