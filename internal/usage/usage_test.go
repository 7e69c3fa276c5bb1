package usage

import (
	"path/filepath"
	"testing"
)

func TestRecordAndTotals(t *testing.T) {
	tr, err := NewTracker(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.RecordUsage("sess1", "q1", "agents/helper", "gpt-4o", 100, 50, 150); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordUsage("sess1", "", "agents/helper", "gpt-4o", 10, 5, 15); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordDecision("sess1", "sess1-t1", "write", "denied", "denied"); err != nil {
		t.Fatal(err)
	}

	totals, err := tr.Totals()
	if err != nil {
		t.Fatal(err)
	}
	if totals.Executions != 2 || totals.TotalTokens != 165 {
		t.Fatalf("totals = %+v", totals)
	}
	if totals.PermissionDecisions != 1 || totals.PermissionDenied != 1 {
		t.Fatalf("permission totals = %+v", totals)
	}
}

func TestNilTrackerIsNoop(t *testing.T) {
	var tr *Tracker
	if err := tr.RecordUsage("s", "", "", "", 1, 1, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Totals(); err != nil {
		t.Fatal(err)
	}
}
