package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/storesync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string     // Assertion type for categorization
	Expected string     // Human-readable expected outcome
	Actual   string     // Human-readable actual outcome
	Trace    []RunEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s: %s\n", ev.Step, ev.Mode, ev.Collection, ev.Tenant, describe(ev))
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the messages of those
// that failed.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRunStatus:
			err = assertRunStatus(result.Trace, a)
		case AssertRunCount:
			err = assertRunCount(result.Trace, a)
		case AssertCheckpoint:
			err = h.assertCheckpoint(ctx, a)
		case AssertRowCount:
			err = h.assertRowCount(ctx, a)
		case AssertSearch:
			err = h.assertSearch(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}
	return errs
}

// assertRunStatus checks the status (and error code) of a tenant's run in
// one step. With Collection empty any of the step's runs for the tenant may
// match.
func assertRunStatus(trace []RunEvent, a Assertion) error {
	var got []string
	for _, ev := range trace {
		if ev.Step != a.Step || ev.Tenant != a.Tenant {
			continue
		}
		if a.Collection != "" && ev.Collection != a.Collection {
			continue
		}
		if ev.Status == a.Status && (a.Code == "" || ev.Code == a.Code) {
			return nil
		}
		got = append(got, ev.Collection+" "+describe(ev))
	}

	want := a.Status
	if a.Code != "" {
		want += " (" + a.Code + ")"
	}
	actual := "no run"
	if len(got) > 0 {
		actual = strings.Join(got, ", ")
	}
	return &AssertionError{
		Type:     AssertRunStatus,
		Expected: fmt.Sprintf("step %d run for %s to be %s", a.Step, a.Tenant, want),
		Actual:   actual,
		Trace:    trace,
	}
}

// assertRunCount counts the runs matching every filter that is set.
func assertRunCount(trace []RunEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if a.Tenant != "" && ev.Tenant != a.Tenant {
			continue
		}
		if a.Collection != "" && ev.Collection != a.Collection {
			continue
		}
		if a.Status != "" && ev.Status != a.Status {
			continue
		}
		if a.Code != "" && ev.Code != a.Code {
			continue
		}
		n++
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertRunCount,
			Expected: fmt.Sprintf("%d matching run(s)", *a.Count),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    trace,
		}
	}
	return nil
}

func (h *Harness) assertCheckpoint(ctx context.Context, a Assertion) error {
	cp, err := h.store.GetCheckpoint(ctx, a.Tenant, a.Collection)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if cp == nil {
		if a.Position == "none" && a.BackfillDone == nil {
			return nil
		}
		return &AssertionError{
			Type:     AssertCheckpoint,
			Expected: fmt.Sprintf("checkpoint for %s/%s", a.Tenant, a.Collection),
			Actual:   "no checkpoint",
		}
	}

	if a.Position != "" {
		got := FormatPosition(cp.Position())
		if !samePosition(a.Position, cp.Position()) {
			return &AssertionError{
				Type:     AssertCheckpoint,
				Expected: fmt.Sprintf("%s/%s at %s", a.Tenant, a.Collection, a.Position),
				Actual:   got,
			}
		}
	}
	if a.BackfillDone != nil && cp.BackfillDone != *a.BackfillDone {
		return &AssertionError{
			Type:     AssertCheckpoint,
			Expected: fmt.Sprintf("%s/%s backfill_done=%t", a.Tenant, a.Collection, *a.BackfillDone),
			Actual:   fmt.Sprintf("backfill_done=%t", cp.BackfillDone),
		}
	}
	return nil
}

// samePosition compares by instant so that equal times in different
// locations match.
func samePosition(want string, got *store.Position) bool {
	if want == "none" || got == nil {
		return want == "none" && got == nil
	}
	p, err := ParsePosition(want)
	if err != nil {
		return false
	}
	return p.Timestamp.Equal(got.Timestamp) && p.ID == got.ID
}

func (h *Harness) assertRowCount(ctx context.Context, a Assertion) error {
	coll, err := store.CollectionByName(a.Collection)
	if err != nil {
		return err
	}
	n, err := h.store.CountIndexRows(ctx, coll, a.Tenant)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	if n != int64(*a.Count) {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d %s row(s) for %s", *a.Count, a.Collection, a.Tenant),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// assertSearch requires the query to find exactly the listed ids, in any
// order.
func (h *Harness) assertSearch(ctx context.Context, a Assertion) error {
	coll, err := store.CollectionByName(a.Collection)
	if err != nil {
		return err
	}
	rows, err := h.store.Search(ctx, coll, a.Tenant, a.Query, 1000)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	got := make([]int64, 0, len(rows))
	for _, r := range rows {
		got = append(got, r.RecordID)
	}
	want := slices.Clone(a.IDs)
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertSearch,
			Expected: fmt.Sprintf("%q in %s/%s to find %v", a.Query, a.Tenant, a.Collection, want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}
